// Package auth manages the client's stored session tokens. The chat backend
// issues the tokens; this package only persists them, probes expiry, and
// broadcasts the process-wide chat-token-expired signal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/store"
)

// ErrNoToken is returned when no chat token is stored.
var ErrNoToken = errors.New("no chat token stored")

// Tokens bundles the credentials returned by a login/refresh response.
type Tokens struct {
	Chat        string
	ChatRefresh string
	Platform    string
}

// Manager persists tokens under fixed keys and answers expiry probes.
type Manager struct {
	kv  store.KV
	log *zerolog.Logger
}

// NewManager builds a token manager over the given store.
func NewManager(kv store.KV, logger *zerolog.Logger) *Manager {
	return &Manager{kv: kv, log: logger}
}

// Store persists every non-empty token from the bundle.
func (m *Manager) Store(ctx context.Context, t Tokens) error {
	pairs := map[string]string{
		store.KeyChatToken:        t.Chat,
		store.KeyChatRefreshToken: t.ChatRefresh,
		store.KeyPlatformToken:    t.Platform,
	}
	for key, value := range pairs {
		if value == "" {
			continue
		}
		if err := m.kv.Set(ctx, key, value); err != nil {
			return fmt.Errorf("store %s: %w", key, err)
		}
	}
	return nil
}

// ChatToken returns the stored chat token, or ErrNoToken.
func (m *Manager) ChatToken(ctx context.Context) (string, error) {
	token, err := m.kv.Get(ctx, store.KeyChatToken)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("load chat token: %w", err)
	}
	return token, nil
}

// RefreshToken returns the stored chat refresh token, or ErrNoToken.
func (m *Manager) RefreshToken(ctx context.Context) (string, error) {
	token, err := m.kv.Get(ctx, store.KeyChatRefreshToken)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	return token, nil
}

// HasChatAuth reports whether a chat token is available.
func (m *Manager) HasChatAuth(ctx context.Context) bool {
	_, err := m.ChatToken(ctx)
	return err == nil
}

// ClearChatTokens removes the chat and refresh tokens, keeping platform auth.
func (m *Manager) ClearChatTokens(ctx context.Context) error {
	for _, key := range []string{store.KeyChatToken, store.KeyChatRefreshToken} {
		if err := m.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	m.log.Debug().Msg("chat tokens cleared")
	return nil
}

// ClearAll removes every stored credential and the cached user data.
func (m *Manager) ClearAll(ctx context.Context) error {
	keys := []string{
		store.KeyChatToken,
		store.KeyChatRefreshToken,
		store.KeyPlatformToken,
		store.KeyUserData,
	}
	for _, key := range keys {
		if err := m.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

// NeedsRefresh reports whether the stored chat token expires within leeway.
// The claims are read without signature verification; only the server can
// validate the token, the client merely schedules a refresh ahead of expiry.
func (m *Manager) NeedsRefresh(ctx context.Context, leeway time.Duration) bool {
	token, err := m.ChatToken(ctx)
	if err != nil {
		return false
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		m.log.Debug().Err(err).Msg("chat token is not a parseable JWT")
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < leeway
}
