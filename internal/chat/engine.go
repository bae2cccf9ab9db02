package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// Transport sends commands over the live socket connection.
type Transport interface {
	Transmit(ctx context.Context, cmd proto.Command) error
}

// History fetches recent channel messages, newest first. Backs the
// verification fallback when a realtime confirmation never arrives.
type History interface {
	RecentMessages(ctx context.Context, channelID string, limit int) ([]proto.MessagePayload, error)
}

var (
	// ErrEmptyMessage rejects sends whose content trims to nothing.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrDuplicateSend rejects a repeat of the previous send fired within
	// the suppression window, usually a double-submit.
	ErrDuplicateSend = errors.New("duplicate send suppressed")
	// ErrUnknownMessage means no tracked message matches the given id.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRetryable means the message is not in a failed state.
	ErrNotRetryable = errors.New("message is not in a failed state")
)

// EngineConfig tunes the send lifecycle.
type EngineConfig struct {
	// ConfirmTimeout fails a pending message that was never acknowledged.
	ConfirmTimeout time.Duration
	// DedupeWindow suppresses an identical repeat send to the same channel.
	DedupeWindow time.Duration
	// EchoWindow bounds the fuzzy match between a pending message and an
	// ack-less server echo.
	EchoWindow time.Duration
	// VerifyLimit and VerifyWindow drive the history fallback.
	VerifyLimit  int
	VerifyWindow time.Duration
}

func (c *EngineConfig) applyDefaults() {
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 2 * time.Second
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = 5 * time.Second
	}
	if c.VerifyLimit == 0 {
		c.VerifyLimit = 50
	}
	if c.VerifyWindow == 0 {
		c.VerifyWindow = 10 * time.Second
	}
}

type lastSend struct {
	content string
	at      time.Time
}

// Engine owns the per-channel message lists and the optimistic send
// lifecycle: it inserts pending messages, reconciles server events against
// them, times out lost confirmations, and runs the verification fallback.
// Every message holds exactly one delivery state at a time, and a temp id maps
// to at most one tracked message.
type Engine struct {
	transport Transport
	history   History
	log       *zerolog.Logger
	cfg       EngineConfig

	now func() time.Time

	mu       sync.Mutex
	channels map[proto.ID][]*Message
	timers   map[string]*time.Timer
	lastSent map[proto.ID]lastSend
}

// NewEngine builds an engine over the given transport and history source.
func NewEngine(transport Transport, history History, cfg EngineConfig, logger *zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		transport: transport,
		history:   history,
		log:       logger,
		cfg:       cfg,
		now:       time.Now,
		channels:  make(map[proto.ID][]*Message),
		timers:    make(map[string]*time.Timer),
		lastSent:  make(map[proto.ID]lastSend),
	}
}

// SendRequest describes one outbound message.
type SendRequest struct {
	ChannelID proto.ID
	Content   string
	Sender    Sender
	ReplyTo   proto.ID

	// TempID reuses an existing identity; set on the retry path only.
	TempID string
}

// Send inserts a pending message and transmits it. When the transport fails
// the message lands in Failed immediately and both the failed message and the
// transport error are returned, so callers can render the failure and offer a
// retry.
func (e *Engine) Send(ctx context.Context, req SendRequest) (Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return Message{}, ErrEmptyMessage
	}

	e.mu.Lock()
	now := e.now()
	if req.TempID == "" {
		if last, ok := e.lastSent[req.ChannelID]; ok &&
			last.content == content && now.Sub(last.at) < e.cfg.DedupeWindow {
			e.mu.Unlock()
			return Message{}, ErrDuplicateSend
		}
	}

	tempID := req.TempID
	if tempID == "" {
		tempID = NewTempID()
	}
	msg := &Message{
		TempID:    tempID,
		ChannelID: req.ChannelID,
		Content:   content,
		Sender:    req.Sender,
		CreatedAt: now,
		State:     StatePending,
	}
	e.upsertLocked(msg)
	e.lastSent[req.ChannelID] = lastSend{content: content, at: now}
	out := *msg
	e.mu.Unlock()

	cmd := proto.Command{
		Type:      proto.CmdSendMessage,
		ChannelID: req.ChannelID,
		Content:   content,
		TempID:    tempID,
		ReplyTo:   req.ReplyTo,
		Timestamp: now.UnixMilli(),
	}
	if req.Sender.ID != "" {
		cmd.Sender = &proto.UserRef{ID: req.Sender.ID, Username: req.Sender.Username}
	}

	if err := e.transport.Transmit(ctx, cmd); err != nil {
		e.log.Warn().Str("temp_id", tempID).Err(err).Msg("send failed")
		return e.fail(tempID, "not delivered: "+err.Error()), err
	}

	e.armConfirmTimer(tempID)
	e.log.Debug().Str("temp_id", tempID).Str("channel", string(req.ChannelID)).Msg("message sent")
	return out, nil
}

// Retry re-sends a failed or discarded message under its original temp id, so
// a late confirmation for either attempt reconciles to the same entry.
func (e *Engine) Retry(ctx context.Context, tempID string) (Message, error) {
	e.mu.Lock()
	msg := e.findByTempLocked(tempID)
	if msg == nil {
		e.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	if msg.State != StateFailed && msg.State != StateDiscarded {
		e.mu.Unlock()
		return Message{}, ErrNotRetryable
	}
	req := SendRequest{
		ChannelID: msg.ChannelID,
		Content:   msg.Content,
		Sender:    msg.Sender,
		TempID:    tempID,
	}
	e.mu.Unlock()

	return e.Send(ctx, req)
}

// HandleEvent reconciles one server event against the tracked messages.
// Unrelated event types are ignored.
func (e *Engine) HandleEvent(ev *proto.Event) {
	switch ev.Type {
	case proto.EventMessageSent:
		e.handleAck(ev)
	case proto.EventNewMessage:
		e.handleNew(ev)
	case proto.EventMessageError:
		e.handleSendError(ev)
	case proto.EventMessageUpdated, proto.EventMessageEdited, proto.EventMessageReactionUpdated:
		e.handleUpdated(ev)
	case proto.EventMessageDeleted:
		e.handleDeleted(ev)
	}
}

// handleAck confirms the pending message the ack names. Duplicate acks for an
// already-confirmed temp id change nothing.
func (e *Engine) handleAck(ev *proto.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := e.findByTempLocked(ev.TempID)
	if msg == nil {
		e.log.Debug().Str("temp_id", ev.TempID).Msg("ack for unknown message")
		return
	}
	if msg.State.Acknowledged() {
		return
	}

	if ev.Message != nil {
		e.adoptLocked(msg, Normalize(ev.Message))
	}
	if ev.MessageID != "" {
		msg.ID = ev.MessageID
	}
	msg.State = StateConfirmed
	msg.FailReason = ""
	e.stopTimerLocked(msg.TempID)
}

// handleNew inserts a broadcast message, first trying to reconcile it with a
// pending local copy: by temp id, then by server id, then by a bounded fuzzy
// match for server echoes that lost their temp id on the way.
func (e *Engine) handleNew(ev *proto.Event) {
	if ev.Message == nil {
		return
	}
	n := Normalize(ev.Message)
	if n.TempID == "" {
		n.TempID = ev.TempID
	}
	if n.ChannelID == "" {
		n.ChannelID = ev.Channel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if n.TempID != "" {
		if msg := e.findByTempLocked(n.TempID); msg != nil {
			e.confirmLocked(msg, n)
			return
		}
	}
	if n.ID != "" {
		if msg := e.findByIDLocked(n.ChannelID, n.ID); msg != nil {
			e.adoptLocked(msg, n)
			return
		}
	}
	if msg := e.fuzzyMatchLocked(n); msg != nil {
		e.confirmLocked(msg, n)
		return
	}

	n.State = StateConfirmed
	e.channels[n.ChannelID] = append(e.channels[n.ChannelID], &n)
}

func (e *Engine) handleSendError(ev *proto.Event) {
	reason := ev.Error
	if reason == "" {
		reason = "send rejected by server"
	}
	e.fail(ev.TempID, reason)
}

func (e *Engine) handleUpdated(ev *proto.Event) {
	if ev.Message == nil {
		return
	}
	n := Normalize(ev.Message)
	if n.ChannelID == "" {
		n.ChannelID = ev.Channel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	msg := e.findByIDLocked(n.ChannelID, n.ID)
	if msg == nil {
		return
	}
	msg.Content = n.Content
	msg.Reactions = n.Reactions
	msg.Attachments = n.Attachments
	msg.IsEdited = n.IsEdited
}

func (e *Engine) handleDeleted(ev *proto.Event) {
	id := ev.MessageID
	if id == "" && ev.Message != nil {
		id = ev.Message.ID
	}
	if id == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(ev.Channel(), id)
}

// ApplyAuthoritative merges a server record obtained over REST (attachment
// sends, edits) into the tracked lists, confirming a pending copy if one
// exists.
func (e *Engine) ApplyAuthoritative(p *proto.MessagePayload) Message {
	n := Normalize(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	if n.TempID != "" {
		if msg := e.findByTempLocked(n.TempID); msg != nil {
			e.confirmLocked(msg, n)
			return *msg
		}
	}
	if n.ID != "" {
		if msg := e.findByIDLocked(n.ChannelID, n.ID); msg != nil {
			e.adoptLocked(msg, n)
			return *msg
		}
	}
	n.State = StateConfirmed
	e.channels[n.ChannelID] = append(e.channels[n.ChannelID], &n)
	return n
}

// Remove drops a message from the tracked list, e.g. after a local delete.
func (e *Engine) Remove(channelID proto.ID, id proto.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(channelID, id)
}

// Verify runs the history fallback for a message whose confirmation never
// arrived: fetch the newest messages and look for a server record matching by
// temp id, or by content, sender and near-identical timestamp. A match
// upgrades the message to Verified; no match discards it, and the user has to
// send again.
func (e *Engine) Verify(ctx context.Context, tempID string) (Message, error) {
	e.mu.Lock()
	msg := e.findByTempLocked(tempID)
	if msg == nil {
		e.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	if msg.State.Acknowledged() {
		out := *msg
		e.mu.Unlock()
		return out, nil
	}
	probe := *msg
	e.mu.Unlock()

	payloads, err := e.history.RecentMessages(ctx, string(probe.ChannelID), e.cfg.VerifyLimit)
	if err != nil {
		return Message{}, err
	}

	var match *Message
	for i := range payloads {
		n := Normalize(&payloads[i])
		if n.TempID == tempID {
			match = &n
			break
		}
		if strings.TrimSpace(n.Content) == strings.TrimSpace(probe.Content) &&
			n.Sender.ID == probe.Sender.ID &&
			absDelta(n.CreatedAt, probe.CreatedAt) < e.cfg.VerifyWindow {
			match = &n
			break
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	msg = e.findByTempLocked(tempID)
	if msg == nil {
		return Message{}, ErrUnknownMessage
	}
	if msg.State.Acknowledged() {
		return *msg, nil
	}

	if match != nil {
		e.adoptLocked(msg, *match)
		msg.State = StateVerified
		msg.FailReason = ""
		e.stopTimerLocked(tempID)
		e.log.Info().Str("temp_id", tempID).Str("id", string(msg.ID)).Msg("message verified via history")
	} else {
		msg.State = StateDiscarded
		msg.FailReason = "no matching server record"
		e.stopTimerLocked(tempID)
		e.log.Warn().Str("temp_id", tempID).Msg("message discarded, not found in history")
	}
	return *msg, nil
}

// Messages returns a snapshot of the channel's list in insertion order.
func (e *Engine) Messages(channelID proto.ID) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.channels[channelID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// Message returns one tracked message by temp id or server id.
func (e *Engine) Message(channelID proto.ID, key string) (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.channels[channelID] {
		if m.TempID == key || string(m.ID) == key {
			return *m, true
		}
	}
	return Message{}, false
}

// SetMessages replaces the channel's list with a loaded history while keeping
// any local optimistic messages the history cannot contain yet.
func (e *Engine) SetMessages(channelID proto.ID, msgs []Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]*Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for i := range msgs {
		m := msgs[i]
		next = append(next, &m)
		seen[m.Key()] = true
	}
	for _, m := range e.channels[channelID] {
		if m.Optimistic() && !seen[m.Key()] {
			next = append(next, m)
		}
	}
	e.channels[channelID] = next
}

// Clear drops the channel's list and any running confirmation timers.
func (e *Engine) Clear(channelID proto.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, m := range e.channels[channelID] {
		if m.TempID != "" {
			e.stopTimerLocked(m.TempID)
		}
	}
	delete(e.channels, channelID)
	delete(e.lastSent, channelID)
}

// Close stops all timers.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) armConfirmTimer(tempID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := e.findByTempLocked(tempID)
	if msg == nil || msg.State != StatePending {
		return
	}
	e.stopTimerLocked(tempID)
	e.timers[tempID] = time.AfterFunc(e.cfg.ConfirmTimeout, func() {
		e.fail(tempID, "confirmation timed out")
	})
}

// fail moves a still-unacknowledged message to Failed and returns a copy.
func (e *Engine) fail(tempID, reason string) Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := e.findByTempLocked(tempID)
	if msg == nil {
		return Message{}
	}
	if msg.State.Acknowledged() {
		return *msg
	}
	msg.State = StateFailed
	msg.FailReason = reason
	e.stopTimerLocked(tempID)
	return *msg
}

// confirmLocked merges a server record into a local message and confirms it.
func (e *Engine) confirmLocked(msg *Message, n Message) {
	e.adoptLocked(msg, n)
	msg.State = StateConfirmed
	msg.FailReason = ""
	e.stopTimerLocked(msg.TempID)
}

// adoptLocked copies the server's authoritative fields without touching the
// delivery state.
func (e *Engine) adoptLocked(msg *Message, n Message) {
	if n.ID != "" {
		msg.ID = n.ID
	}
	if n.Content != "" {
		msg.Content = n.Content
	}
	if n.Sender.ID != "" {
		msg.Sender = n.Sender
	}
	if !n.CreatedAt.IsZero() {
		msg.CreatedAt = n.CreatedAt
	}
	if n.Attachments != nil {
		msg.Attachments = n.Attachments
	}
	if n.Reactions != nil {
		msg.Reactions = n.Reactions
	}
	if n.Parent != nil {
		msg.Parent = n.Parent
	}
	msg.IsEdited = n.IsEdited
}

// fuzzyMatchLocked finds a pending local message that is plausibly the same
// as a server echo missing its temp id.
func (e *Engine) fuzzyMatchLocked(n Message) *Message {
	content := strings.TrimSpace(n.Content)
	for _, m := range e.channels[n.ChannelID] {
		if m.State != StatePending {
			continue
		}
		if strings.TrimSpace(m.Content) != content {
			continue
		}
		if m.Sender.ID != "" && n.Sender.ID != "" && m.Sender.ID != n.Sender.ID {
			continue
		}
		if absDelta(m.CreatedAt, n.CreatedAt) < e.cfg.EchoWindow {
			return m
		}
	}
	return nil
}

func (e *Engine) findByTempLocked(tempID string) *Message {
	if tempID == "" {
		return nil
	}
	for _, list := range e.channels {
		for _, m := range list {
			if m.TempID == tempID {
				return m
			}
		}
	}
	return nil
}

func (e *Engine) findByIDLocked(channelID, id proto.ID) *Message {
	if id == "" {
		return nil
	}
	for _, m := range e.channels[channelID] {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// upsertLocked keeps at most one entry per temp id: a retry reuses the
// original slot instead of appending a duplicate.
func (e *Engine) upsertLocked(msg *Message) {
	for i, m := range e.channels[msg.ChannelID] {
		if m.TempID != "" && m.TempID == msg.TempID {
			e.channels[msg.ChannelID][i] = msg
			return
		}
	}
	e.channels[msg.ChannelID] = append(e.channels[msg.ChannelID], msg)
}

func (e *Engine) removeLocked(channelID, id proto.ID) {
	scan := func(ch proto.ID) bool {
		list := e.channels[ch]
		for i, m := range list {
			if m.ID == id || m.TempID == string(id) {
				if m.TempID != "" {
					e.stopTimerLocked(m.TempID)
				}
				e.channels[ch] = append(list[:i], list[i+1:]...)
				return true
			}
		}
		return false
	}

	if channelID != "" {
		scan(channelID)
		return
	}
	for ch := range e.channels {
		if scan(ch) {
			return
		}
	}
}

func (e *Engine) stopTimerLocked(tempID string) {
	if t, ok := e.timers[tempID]; ok {
		t.Stop()
		delete(e.timers, tempID)
	}
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}
