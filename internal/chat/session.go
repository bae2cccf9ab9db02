package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/auth"
	"github.com/vovakirdan/wirechat-client/internal/config"
	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/rest"
	"github.com/vovakirdan/wirechat-client/internal/transport/ws"
)

// ErrNoActiveChannel is returned by operations that need a channel selected.
var ErrNoActiveChannel = errors.New("no active channel")

// Connection is the websocket lifecycle the session drives. *ws.Conn is the
// production implementation.
type Connection interface {
	Transport
	OnEvent(fn func(*proto.Event))
	Connect(ctx context.Context) error
	Disconnect(reason string)
	ReconnectWithNewToken(ctx context.Context, token string) error
	SubscribeState(fn func(ws.Status)) func()
	Halt(reason string)
	Resume()
	State() ws.State
}

// API is the REST surface the session consumes. *rest.Client is the
// production implementation.
type API interface {
	History
	ChannelMessages(ctx context.Context, channelID string, opts rest.HistoryOptions) ([]proto.MessagePayload, error)
	SendMessageWithAttachment(ctx context.Context, channelID, content string, upload rest.Upload, opts rest.SendOptions) (*proto.MessagePayload, error)
	EditMessage(ctx context.Context, messageID proto.ID, content string) (*proto.MessagePayload, error)
	DeleteMessage(ctx context.Context, messageID proto.ID) error
	ToggleReaction(ctx context.Context, messageID proto.ID, emoji string) (*proto.MessagePayload, error)
	CurrentUser(ctx context.Context) (*proto.UserRef, error)
	RefreshTokens(ctx context.Context) (auth.Tokens, error)
}

type typingEntry struct {
	username string
	timer    *time.Timer
}

// Session wires the engine, router, typing controller, transport and REST
// client into one chat session. It owns the active channel, replays the
// channel join after every reconnect, tracks who is typing and online, and
// halts reconnection when the chat token expires.
type Session struct {
	cfg config.Config
	log *zerolog.Logger

	conn   Connection
	api    API
	tokens *auth.Manager

	router *Router
	engine *Engine
	typing *TypingController

	stateOff  func()
	expiryOff func()

	mu          sync.Mutex
	user        Sender
	active      *Channel
	activeOff   func()
	typingUsers map[proto.ID]map[proto.ID]*typingEntry
	online      map[proto.ID]struct{}
	lastErr     string
	onChange    func()
}

// NewSession assembles a session. Call Start to authenticate and connect.
func NewSession(cfg config.Config, conn Connection, api API, tokens *auth.Manager, expiry *auth.ExpiryNotifier, logger *zerolog.Logger) *Session {
	s := &Session{
		cfg:         cfg,
		log:         logger,
		conn:        conn,
		api:         api,
		tokens:      tokens,
		router:      NewRouter(logger),
		typingUsers: make(map[proto.ID]map[proto.ID]*typingEntry),
		online:      make(map[proto.ID]struct{}),
		onChange:    func() {},
	}
	s.engine = NewEngine(conn, api, EngineConfig{
		ConfirmTimeout: cfg.ConfirmTimeout,
		VerifyLimit:    cfg.VerifyLimit,
		VerifyWindow:   cfg.VerifyWindow,
	}, logger)
	s.typing = NewTypingController(conn, cfg.TypingIdle, logger)

	conn.OnEvent(s.router.Dispatch)
	s.router.Subscribe(proto.GlobalTopic, s.handleGlobalEvent)
	s.stateOff = conn.SubscribeState(s.handleConnState)
	s.expiryOff = expiry.Subscribe(s.handleTokenExpired)
	return s
}

// SetOnChange registers a callback invoked after any observable state change.
// The UI layer uses it to re-render.
func (s *Session) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Start resolves the current user and opens the connection.
func (s *Session) Start(ctx context.Context) error {
	if !s.tokens.HasChatAuth(ctx) {
		return auth.ErrNoToken
	}

	user, err := s.api.CurrentUser(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.user = Sender{ID: user.ID, Username: user.Username}
	s.mu.Unlock()

	return s.conn.Connect(ctx)
}

// User returns the authenticated user.
func (s *Session) User() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// SetActiveChannel leaves the previous channel, joins the new one, and loads
// its recent history. The subscription registry outlives reconnects; only the
// server-side join is replayed by the connection state handler.
func (s *Session) SetActiveChannel(ctx context.Context, ch Channel) error {
	s.mu.Lock()
	prev := s.active
	prevOff := s.activeOff
	s.active = &ch
	s.activeOff = s.router.Subscribe(ch.ID, s.handleChannelEvent)
	s.mu.Unlock()

	if prev != nil {
		s.typing.Stop(ctx, prev.ID)
		if prevOff != nil {
			prevOff()
		}
		// best effort; the server also drops membership on disconnect
		_ = s.conn.Transmit(ctx, proto.Command{Type: proto.CmdLeaveChannel, ChannelID: prev.ID})
	}

	if err := s.conn.Transmit(ctx, proto.Command{Type: proto.CmdJoinChannel, ChannelID: ch.ID}); err != nil {
		s.log.Debug().Err(err).Msg("join deferred until connected")
	}

	if err := s.LoadHistory(ctx, ch.ID); err != nil {
		return err
	}
	s.notify()
	return nil
}

// ActiveChannel returns the selected channel, or nil.
func (s *Session) ActiveChannel() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadHistory fetches the channel's recent messages into the engine. Local
// optimistic messages survive the reload.
func (s *Session) LoadHistory(ctx context.Context, channelID proto.ID) error {
	payloads, err := s.api.ChannelMessages(ctx, string(channelID), rest.HistoryOptions{Limit: s.cfg.VerifyLimit})
	if err != nil {
		return err
	}
	msgs := make([]Message, 0, len(payloads))
	for i := range payloads {
		m := Normalize(&payloads[i])
		if m.ChannelID == "" {
			m.ChannelID = channelID
		}
		msgs = append(msgs, m)
	}
	s.engine.SetMessages(channelID, msgs)
	return nil
}

// Send transmits a message to the active channel and ends the local typing
// indicator, since sending implies the user stopped composing.
func (s *Session) Send(ctx context.Context, content string) (Message, error) {
	s.mu.Lock()
	active := s.active
	user := s.user
	s.mu.Unlock()
	if active == nil {
		return Message{}, ErrNoActiveChannel
	}

	s.typing.Stop(ctx, active.ID)
	msg, err := s.engine.Send(ctx, SendRequest{
		ChannelID: active.ID,
		Content:   content,
		Sender:    user,
	})
	s.notify()
	return msg, err
}

// SendWithAttachment uploads a file alongside the message over REST; the
// server record lands in the engine as authoritative.
func (s *Session) SendWithAttachment(ctx context.Context, content string, upload rest.Upload) (Message, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return Message{}, ErrNoActiveChannel
	}

	s.typing.Stop(ctx, active.ID)
	payload, err := s.api.SendMessageWithAttachment(ctx, string(active.ID), content, upload, rest.SendOptions{
		TempID: NewTempID(),
	})
	if err != nil {
		return Message{}, err
	}
	msg := s.engine.ApplyAuthoritative(payload)
	s.notify()
	return msg, nil
}

// RetryMessage re-sends a failed message under its original temp id.
func (s *Session) RetryMessage(ctx context.Context, tempID string) (Message, error) {
	msg, err := s.engine.Retry(ctx, tempID)
	s.notify()
	return msg, err
}

// VerifyMessage runs the history fallback for a stuck message.
func (s *Session) VerifyMessage(ctx context.Context, tempID string) (Message, error) {
	msg, err := s.engine.Verify(ctx, tempID)
	s.notify()
	return msg, err
}

// Edit updates a message's content over REST.
func (s *Session) Edit(ctx context.Context, messageID proto.ID, content string) (Message, error) {
	payload, err := s.api.EditMessage(ctx, messageID, content)
	if err != nil {
		return Message{}, err
	}
	s.scopeToActive(payload)
	msg := s.engine.ApplyAuthoritative(payload)
	s.notify()
	return msg, nil
}

// Delete removes a message over REST and drops the local copy.
func (s *Session) Delete(ctx context.Context, messageID proto.ID) error {
	if err := s.api.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	var channelID proto.ID
	if active != nil {
		channelID = active.ID
	}
	s.engine.Remove(channelID, messageID)
	s.notify()
	return nil
}

// React toggles an emoji reaction.
func (s *Session) React(ctx context.Context, messageID proto.ID, emoji string) error {
	payload, err := s.api.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return err
	}
	if payload != nil {
		s.scopeToActive(payload)
		s.engine.ApplyAuthoritative(payload)
	}
	s.notify()
	return nil
}

// scopeToActive fills in the channel id on REST responses that omit it; the
// message routes stay keyed by channel.
func (s *Session) scopeToActive(p *proto.MessagePayload) {
	if p.Channel() != "" {
		return
	}
	s.mu.Lock()
	if s.active != nil {
		p.ChannelID = s.active.ID
	}
	s.mu.Unlock()
}

// MarkRead reports the given messages as read.
func (s *Session) MarkRead(ctx context.Context, messageIDs []proto.ID) error {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return ErrNoActiveChannel
	}
	return s.conn.Transmit(ctx, proto.Command{
		Type:       proto.CmdMarkMessagesRead,
		ChannelID:  active.ID,
		MessageIDs: messageIDs,
	})
}

// Keystroke feeds the typing debouncer for the active channel.
func (s *Session) Keystroke(ctx context.Context) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		s.typing.Keystroke(ctx, active.ID)
	}
}

// StopTyping explicitly ends the local typing indicator.
func (s *Session) StopTyping(ctx context.Context) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		s.typing.Stop(ctx, active.ID)
	}
}

// Messages returns the active channel's messages.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return nil
	}
	return s.engine.Messages(active.ID)
}

// TypingUsers lists who is currently typing in the active channel.
func (s *Session) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	names := make([]string, 0, len(s.typingUsers[s.active.ID]))
	for _, entry := range s.typingUsers[s.active.ID] {
		names = append(names, entry.username)
	}
	sort.Strings(names)
	return names
}

// OnlineUsers lists the ids currently reported online.
func (s *Session) OnlineUsers() []proto.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]proto.ID, 0, len(s.online))
	for id := range s.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ConnState returns the current transport state.
func (s *Session) ConnState() ws.State { return s.conn.State() }

// LastError returns the most recent connection or auth failure reason.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// RetryConnection clears a terminal connection or auth failure and dials
// again with a fresh attempt budget.
func (s *Session) RetryConnection(ctx context.Context) error {
	s.mu.Lock()
	s.lastErr = ""
	s.mu.Unlock()

	s.conn.Resume()
	return s.conn.Connect(ctx)
}

// RefreshAuth exchanges the refresh token for a new chat token and rotates
// the connection onto it.
func (s *Session) RefreshAuth(ctx context.Context) error {
	tokens, err := s.api.RefreshTokens(ctx)
	if err != nil {
		return err
	}
	return s.conn.ReconnectWithNewToken(ctx, tokens.Chat)
}

// Close tears the session down.
func (s *Session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	s.typing.StopAll(ctx)
	s.engine.Close()
	if s.stateOff != nil {
		s.stateOff()
	}
	if s.expiryOff != nil {
		s.expiryOff()
	}
	s.conn.Disconnect("session closed")
}

// handleConnState reacts to transport transitions: every entry into Connected
// replays the active channel's join, a terminal error is surfaced to the UI.
func (s *Session) handleConnState(st ws.Status) {
	switch st.State {
	case ws.StateConnected:
		s.mu.Lock()
		active := s.active
		s.lastErr = ""
		s.mu.Unlock()

		if active != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			cmd := proto.Command{Type: proto.CmdJoinChannel, ChannelID: active.ID}
			if err := s.conn.Transmit(ctx, cmd); err != nil {
				s.log.Warn().Err(err).Msg("channel join replay failed")
			}
			cancel()
		}
	case ws.StateError:
		s.mu.Lock()
		s.lastErr = st.Reason
		s.mu.Unlock()
		s.log.Error().Str("reason", st.Reason).Msg("connection gave up")
	case ws.StateDisconnected, ws.StateReconnecting:
		// remote typing indicators are meaningless across a gap
		s.clearTypingUsers()
	}
	s.notify()
}

// handleTokenExpired runs on the process-wide chat-token-expired signal:
// reconnecting with a dead token would loop through 401s, so automatic
// reconnection halts until the user re-authenticates.
func (s *Session) handleTokenExpired() {
	s.mu.Lock()
	s.lastErr = "chat session expired"
	s.mu.Unlock()

	s.conn.Halt("chat token expired")
	s.log.Warn().Msg("chat token expired, reconnect halted")
	s.notify()
}

// handleGlobalEvent consumes cross-channel traffic: all message events feed
// the engine regardless of the active channel, presence events maintain the
// online set.
func (s *Session) handleGlobalEvent(ev *proto.Event) {
	switch ev.Type {
	case proto.EventUserOnline:
		s.mu.Lock()
		s.online[ev.UserID] = struct{}{}
		s.mu.Unlock()
	case proto.EventUserOffline:
		s.mu.Lock()
		delete(s.online, ev.UserID)
		s.mu.Unlock()
	case proto.EventOnlineUsersInitial, proto.EventOnlineUsersUpdate:
		s.mu.Lock()
		s.online = make(map[proto.ID]struct{}, len(ev.UserIDs))
		for _, id := range ev.UserIDs {
			s.online[id] = struct{}{}
		}
		s.mu.Unlock()
	default:
		s.engine.HandleEvent(ev)
	}
	s.notify()
}

// handleChannelEvent consumes events scoped to the active channel. Message
// events are already handled globally; only typing lands here.
func (s *Session) handleChannelEvent(ev *proto.Event) {
	if ev.Type != proto.EventUserTyping {
		return
	}

	s.mu.Lock()
	if ev.UserID == s.user.ID {
		s.mu.Unlock()
		return
	}
	channelID := ev.Channel()
	entries, ok := s.typingUsers[channelID]
	if !ok {
		entries = make(map[proto.ID]*typingEntry)
		s.typingUsers[channelID] = entries
	}

	if !ev.IsTyping {
		if entry, ok := entries[ev.UserID]; ok {
			entry.timer.Stop()
			delete(entries, ev.UserID)
		}
		s.mu.Unlock()
		s.notify()
		return
	}

	username := ev.Username
	if username == "" {
		username = unknownUsername
	}
	if entry, ok := entries[ev.UserID]; ok {
		entry.username = username
		entry.timer.Reset(s.cfg.TypingIdle)
	} else {
		userID := ev.UserID
		entries[ev.UserID] = &typingEntry{
			username: username,
			// remote stop events can get lost; expire the indicator
			// on the same idle window the sender uses
			timer: time.AfterFunc(s.cfg.TypingIdle, func() {
				s.expireTypingUser(channelID, userID)
			}),
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) expireTypingUser(channelID, userID proto.ID) {
	s.mu.Lock()
	if entries, ok := s.typingUsers[channelID]; ok {
		delete(entries, userID)
		if len(entries) == 0 {
			delete(s.typingUsers, channelID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) clearTypingUsers() {
	s.mu.Lock()
	for _, entries := range s.typingUsers {
		for _, entry := range entries {
			entry.timer.Stop()
		}
	}
	s.typingUsers = make(map[proto.ID]map[proto.ID]*typingEntry)
	s.mu.Unlock()
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	fn()
}
