// Package proto defines the wire contract between the client and the chat
// backend: event and command names, flat JSON payload shapes, and a flexible
// ID type (the server assigns numeric ids, client temp ids are strings).
package proto

import (
	"encoding/json"
	"strconv"
)

// Inbound event types pushed by the server.
const (
	EventConnected              = "connected"
	EventNewMessage             = "new_message"
	EventMessageSent            = "message_sent"
	EventMessageError           = "message_error"
	EventMessageUpdated         = "message_updated"
	EventMessageEdited          = "message_edited"
	EventMessageReactionUpdated = "message_reaction_updated"
	EventMessageDeleted         = "message_deleted"
	EventUserTyping             = "user_typing"
	EventUserOnline             = "user_online"
	EventUserOffline            = "user_offline"
	EventOnlineUsersInitial     = "online_users_initial"
	EventOnlineUsersUpdate      = "online_users_update"
	EventUserJoinedChannel      = "user_joined_channel"
	EventUserLeftChannel        = "user_left_channel"
	EventPong                   = "pong"
	EventError                  = "error"
)

// Outbound command types.
const (
	CmdSendMessage      = "send_message"
	CmdTypingStart      = "typing_start"
	CmdTypingStop       = "typing_stop"
	CmdJoinChannel      = "join_channel"
	CmdLeaveChannel     = "leave_channel"
	CmdMarkMessagesRead = "mark_messages_read"
	CmdPing             = "ping"
)

// GlobalTopic is the reserved subscription scope for cross-channel
// presence and system events.
const GlobalTopic = "global"

// ID accepts either a JSON string or a JSON number. The backend serializes
// database ids as numbers while temp ids and some gateway paths use strings.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON implements json.Marshaler. Numeric ids round-trip as numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string { return string(id) }

// UserRef is the sender shape carried on messages and presence events.
type UserRef struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	ID           ID              `json:"id,omitempty"`
	URL          string          `json:"url"`
	Type         string          `json:"type,omitempty"`
	FileName     string          `json:"fileName,omitempty"`
	FileSize     int64           `json:"fileSize,omitempty"`
	MimeType     string          `json:"mimeType,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Reaction is one emoji reaction by one user.
type Reaction struct {
	Emoji  string   `json:"emoji"`
	UserID ID       `json:"userId,omitempty"`
	User   *UserRef `json:"user,omitempty"`
}

// MessagePayload is a message as it appears on the wire. Field naming is
// inconsistent across server code paths (camelCase events, snake_case REST
// rows), so variants are decoded side by side and resolved by the normalizer.
type MessagePayload struct {
	ID     ID     `json:"id,omitempty"`
	TempID string `json:"tempId,omitempty"`

	Content string `json:"content"`
	Type    string `json:"type,omitempty"`

	ChannelID      ID `json:"channelId,omitempty"`
	ChannelIDSnake ID `json:"channel_id,omitempty"`

	Sender      *UserRef `json:"sender,omitempty"`
	User        *UserRef `json:"user,omitempty"`
	UserID      ID       `json:"userId,omitempty"`
	UserIDSnake ID       `json:"user_id,omitempty"`

	CreatedAt      string `json:"createdAt,omitempty"`
	CreatedAtSnake string `json:"created_at,omitempty"`

	ReplyTo       ID              `json:"replyTo,omitempty"`
	ParentMessage *MessagePayload `json:"parentMessage,omitempty"`

	Reactions   []Reaction   `json:"reactions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	MediaURL    string       `json:"mediaUrl,omitempty"`

	IsEdited     bool `json:"isEdited,omitempty"`
	IsOptimistic bool `json:"isOptimistic,omitempty"`
	IsConfirmed  bool `json:"isConfirmed,omitempty"`
}

// Channel returns whichever channel id variant the payload carries.
func (p *MessagePayload) Channel() ID {
	if p.ChannelID != "" {
		return p.ChannelID
	}
	return p.ChannelIDSnake
}

// Event is the flat envelope the server pushes. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type string `json:"type"`

	ChannelID      ID `json:"channelId,omitempty"`
	ChannelIDSnake ID `json:"channel_id,omitempty"`

	TempID    string          `json:"tempId,omitempty"`
	MessageID ID              `json:"messageId,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`

	UserID   ID     `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping,omitempty"`
	Status   string `json:"status,omitempty"`

	Count   int  `json:"count,omitempty"`
	UserIDs []ID `json:"userIds,omitempty"`

	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Channel returns whichever channel id variant the event carries, falling
// back to the embedded message payload.
func (e *Event) Channel() ID {
	if e.ChannelID != "" {
		return e.ChannelID
	}
	if e.ChannelIDSnake != "" {
		return e.ChannelIDSnake
	}
	if e.Message != nil {
		return e.Message.Channel()
	}
	return ""
}

// Command is the envelope for client-to-server messages.
type Command struct {
	Type string `json:"type"`

	ChannelID ID     `json:"channel_id,omitempty"`
	Content   string `json:"content,omitempty"`
	TempID    string `json:"tempId,omitempty"`

	ReplyTo ID       `json:"replyTo,omitempty"`
	Sender  *UserRef `json:"sender,omitempty"`

	MessageIDs []ID `json:"messageIds,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}
