package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/store"
)

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: make(map[string]string)} }

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) Close() error { return nil }

// unsignedJWT builds a token whose claims parse without a valid signature.
func unsignedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	require.NoError(t, err)
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return fmt.Sprintf("%s.%s.sig", header, payload)
}

func TestStoreAndClearScopes(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemKV(), log.Nop())

	require.NoError(t, m.Store(ctx, Tokens{Chat: "c1", ChatRefresh: "r1", Platform: "p1"}))
	assert.True(t, m.HasChatAuth(ctx))

	// partial bundles keep what they do not carry
	require.NoError(t, m.Store(ctx, Tokens{Chat: "c2"}))
	refresh, err := m.RefreshToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", refresh)

	// clearing chat tokens keeps the platform credential
	require.NoError(t, m.ClearChatTokens(ctx))
	assert.False(t, m.HasChatAuth(ctx))
	_, err = m.RefreshToken(ctx)
	assert.ErrorIs(t, err, ErrNoToken)

	kv := newMemKV()
	m2 := NewManager(kv, log.Nop())
	require.NoError(t, m2.Store(ctx, Tokens{Chat: "c", Platform: "p"}))
	require.NoError(t, m2.ClearAll(ctx))
	_, err = kv.Get(ctx, store.KeyPlatformToken)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNeedsRefresh(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newMemKV(), log.Nop())

	// no token: nothing to refresh
	assert.False(t, m.NeedsRefresh(ctx, time.Minute))

	require.NoError(t, m.Store(ctx, Tokens{Chat: unsignedJWT(t, time.Now().Add(time.Hour))}))
	assert.False(t, m.NeedsRefresh(ctx, time.Minute))
	assert.True(t, m.NeedsRefresh(ctx, 2*time.Hour))

	// opaque tokens cannot be scheduled
	require.NoError(t, m.Store(ctx, Tokens{Chat: "not-a-jwt"}))
	assert.False(t, m.NeedsRefresh(ctx, time.Minute))
}

func TestExpiryNotifier(t *testing.T) {
	n := NewExpiryNotifier()

	var a, b int
	offA := n.Subscribe(func() { a++ })
	n.Subscribe(func() { b++ })

	n.Raise()
	offA()
	offA()
	n.Raise()

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
}
