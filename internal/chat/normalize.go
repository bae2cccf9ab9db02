package chat

import (
	"time"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// Normalize maps one wire payload to the client model. The backend emits
// messages with inconsistent field naming and partial sender data depending on
// the code path; everything downstream of this function sees one shape.
// Normalizing the same payload twice yields the same message.
func Normalize(p *proto.MessagePayload) Message {
	return normalizeAt(p, time.Now())
}

func normalizeAt(p *proto.MessagePayload, now time.Time) Message {
	m := Message{
		ID:          p.ID,
		TempID:      p.TempID,
		ChannelID:   p.Channel(),
		Content:     p.Content,
		Attachments: p.Attachments,
		Reactions:   p.Reactions,
		IsEdited:    p.IsEdited,
		State:       StateConfirmed,
	}

	// Some REST rows carry a temp id in the id column before the server
	// assigns a real one.
	if m.TempID == "" && IsTempID(string(p.ID)) {
		m.TempID = string(p.ID)
	}

	m.Sender = resolveSender(p)
	m.CreatedAt = resolveCreatedAt(p, now)

	// A message is optimistic only while it is flagged as such, remains
	// unconfirmed, and has no real server id. A stale optimistic flag on a
	// confirmed record must not resurrect the pending state.
	if p.IsOptimistic && !p.IsConfirmed && (p.ID == "" || IsTempID(string(p.ID))) {
		m.State = StatePending
	}

	if p.ParentMessage != nil {
		parent := normalizeAt(p.ParentMessage, now)
		m.Parent = &parent
	}

	return m
}

func resolveSender(p *proto.MessagePayload) Sender {
	ref := p.Sender
	if ref == nil {
		ref = p.User
	}
	if ref != nil {
		s := Sender{ID: ref.ID, Username: ref.Username}
		if s.Username == "" {
			s.Username = unknownUsername
		}
		return s
	}

	id := p.UserIDSnake
	if id == "" {
		id = p.UserID
	}
	return Sender{ID: id, Username: unknownUsername}
}

const unknownUsername = "Unknown User"

func resolveCreatedAt(p *proto.MessagePayload, now time.Time) time.Time {
	for _, raw := range []string{p.CreatedAt, p.CreatedAtSnake} {
		if raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return now
}
