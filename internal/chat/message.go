// Package chat implements the client-side chat core: message normalization,
// the optimistic send lifecycle, per-channel event routing, typing debounce,
// and the session orchestrator that ties them to the transport.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// DeliveryState is the single source of truth for where a message stands in
// the send lifecycle. Exactly one state holds at a time.
type DeliveryState int

const (
	// StatePending: sent optimistically, no server confirmation yet.
	StatePending DeliveryState = iota
	// StateConfirmed: acknowledged by the server, carries a server id.
	StateConfirmed
	// StateFailed: send or confirmation failed; eligible for retry.
	StateFailed
	// StateVerified: confirmed late via the history fallback.
	StateVerified
	// StateDiscarded: the fallback found no server record; treated as a
	// failed send the user must re-initiate.
	StateDiscarded
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateVerified:
		return "verified"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Acknowledged reports whether the server is known to hold this message.
func (s DeliveryState) Acknowledged() bool {
	return s == StateConfirmed || s == StateVerified
}

// Sender identifies who wrote a message.
type Sender struct {
	ID       proto.ID
	Username string
}

// Message is the normalized client-side view of one chat message. Wire
// payloads pass through Normalize exactly once before reaching this type.
type Message struct {
	ID     proto.ID
	TempID string

	ChannelID proto.ID
	Content   string
	Sender    Sender
	CreatedAt time.Time

	Attachments []proto.Attachment
	Reactions   []proto.Reaction
	Parent      *Message

	IsEdited bool

	State DeliveryState
	// FailReason is set while State is Failed or Discarded.
	FailReason string
}

// Key returns the identity used for lookups: the temp id while the message is
// unconfirmed, the server id afterwards.
func (m *Message) Key() string {
	if m.TempID != "" {
		return m.TempID
	}
	return string(m.ID)
}

// Optimistic reports whether the message exists only locally so far.
func (m *Message) Optimistic() bool {
	return m.State == StatePending || m.State == StateFailed
}

// Channel is the subset of channel data the session needs. Description and
// Metadata are carried through untouched for the UI layer.
type Channel struct {
	ID          proto.ID
	Name        string
	Description string
	Metadata    map[string]any
}

// NewTempID builds a client-side message id: a temp- prefix, the send time in
// unix milliseconds, and a short random suffix.
func NewTempID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("temp-%d-%s", time.Now().UnixMilli(), suffix)
}

// IsTempID reports whether id was generated client-side by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "temp-")
}
