package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/vovakirdan/wirechat-client/internal/store"
)

func newTestStore(t *testing.T) *KVStore {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, store.KeyChatToken); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, store.KeyChatToken, "tok-1"); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := s.Get(ctx, store.KeyChatToken)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "tok-1" {
		t.Fatalf("got %q, want %q", got, "tok-1")
	}

	// Overwrite.
	if err := s.Set(ctx, store.KeyChatToken, "tok-2"); err != nil {
		t.Fatalf("set overwrite: %v", err)
	}
	got, err = s.Get(ctx, store.KeyChatToken)
	if err != nil {
		t.Fatalf("get after overwrite: %v", err)
	}
	if got != "tok-2" {
		t.Fatalf("got %q, want %q", got, "tok-2")
	}

	if err := s.Delete(ctx, store.KeyChatToken); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, store.KeyChatToken); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, store.KeyChatToken); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestKVKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Set(ctx, store.KeyChatToken, "chat"); err != nil {
		t.Fatalf("set chat: %v", err)
	}
	if err := s.Set(ctx, store.KeyPlatformToken, "platform"); err != nil {
		t.Fatalf("set platform: %v", err)
	}

	if err := s.Delete(ctx, store.KeyChatToken); err != nil {
		t.Fatalf("delete chat: %v", err)
	}

	got, err := s.Get(ctx, store.KeyPlatformToken)
	if err != nil {
		t.Fatalf("get platform: %v", err)
	}
	if got != "platform" {
		t.Fatalf("got %q, want %q", got, "platform")
	}
}
