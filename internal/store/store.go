package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("key not found")

// Fixed keys for client-local persisted state. No chat message data is ever
// persisted; only session/auth material lives here.
const (
	KeyChatToken        = "chat_token"
	KeyChatRefreshToken = "chat_refresh_token"
	KeyPlatformToken    = "platform_token"
	KeyUserData         = "user_data"
)

// KV is client-local persistent key/value storage.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close closes the underlying database connection.
	Close() error
}
