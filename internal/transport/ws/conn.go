// Package ws manages the client's websocket connection: dialing with the
// stored chat token, heartbeats, bounded exponential reconnect, and decoding
// server events into the proto envelope.
package ws

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/auth"
	"github.com/vovakirdan/wirechat-client/internal/config"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// ErrNotConnected is returned by Transmit when no socket is open.
var ErrNotConnected = errors.New("websocket is not connected")

// ErrTerminal is returned by Connect after the retry budget is exhausted.
// RetryConnection (via Resume) clears the terminal state.
var ErrTerminal = errors.New("reconnect attempts exhausted")

// socket is one established websocket. Production sockets wrap
// coder/websocket; tests substitute in-memory fakes.
type socket interface {
	ReadEvent(ctx context.Context) (*proto.Event, error)
	WriteCommand(ctx context.Context, cmd proto.Command) error
	Close(reason string) error
}

// dialer establishes a socket against the given ws URL.
type dialer func(ctx context.Context, wsURL string) (socket, error)

type coderSocket struct {
	c *websocket.Conn
}

func (s *coderSocket) ReadEvent(ctx context.Context) (*proto.Event, error) {
	ev := &proto.Event{}
	if err := wsjson.Read(ctx, s.c, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *coderSocket) WriteCommand(ctx context.Context, cmd proto.Command) error {
	return wsjson.Write(ctx, s.c, cmd)
}

func (s *coderSocket) Close(reason string) error {
	return s.c.Close(websocket.StatusNormalClosure, reason)
}

func coderDial(ctx context.Context, wsURL string) (socket, error) {
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &coderSocket{c: c}, nil
}

// Conn owns the websocket lifecycle. All state transitions go through
// setState so subscribers observe a single consistent sequence.
type Conn struct {
	cfg    config.Config
	log    *zerolog.Logger
	tokens *auth.Manager
	dial   dialer

	// handler receives every decoded event except pong. Set once before
	// Connect.
	handler func(*proto.Event)

	mu          sync.Mutex
	state       State
	sock        socket
	gen         int
	attempts    int
	intentional bool
	halted      bool

	cancelRead context.CancelFunc
	pongC      chan struct{}

	reconnectTimer *time.Timer

	nextSub   int
	stateSubs map[int]func(Status)
}

// New builds a connection manager. The socket is not dialed until Connect.
func New(cfg config.Config, tokens *auth.Manager, logger *zerolog.Logger) *Conn {
	return &Conn{
		cfg:       cfg,
		log:       logger,
		tokens:    tokens,
		dial:      coderDial,
		handler:   func(*proto.Event) {},
		stateSubs: make(map[int]func(Status)),
	}
}

// OnEvent sets the handler invoked for every inbound event. Call before
// Connect; the read loop captures it at dial time.
func (c *Conn) OnEvent(fn func(*proto.Event)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// SubscribeState registers fn for state change notifications and returns its
// disposer. fn is called outside the connection lock.
func (c *Conn) SubscribeState(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server with the stored chat token. It is a no-op when a
// connection or dial attempt is already live. Without a token the state stays
// Disconnected and ErrNoToken is returned; the caller decides when to retry.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting:
		c.mu.Unlock()
		return nil
	case StateError:
		c.mu.Unlock()
		return ErrTerminal
	}
	c.intentional = false
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	token, err := c.tokens.ChatToken(ctx)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.setStateLocked(StateDisconnected, "no chat token")
		}
		c.mu.Unlock()
		return err
	}

	wsURL, err := authURL(c.cfg.WSURL, token)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.setStateLocked(StateDisconnected, err.Error())
		}
		c.mu.Unlock()
		return err
	}

	sock, err := c.dial(ctx, wsURL)
	if err != nil {
		c.log.Warn().Err(err).Msg("websocket dial failed")
		c.connectionLost(gen, err)
		return err
	}

	c.mu.Lock()
	if c.gen != gen || c.intentional {
		c.mu.Unlock()
		_ = sock.Close("superseded")
		return nil
	}
	c.sock = sock
	c.attempts = 0
	readCtx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	c.pongC = make(chan struct{}, 1)
	c.setStateLocked(StateConnected, "")
	handler := c.handler
	c.mu.Unlock()

	go c.readLoop(readCtx, gen, sock, handler)
	go c.heartbeat(readCtx, gen, sock)

	c.log.Info().Str("url", c.cfg.WSURL).Msg("websocket connected")
	return nil
}

// Disconnect closes the socket intentionally. No reconnect is scheduled and
// the attempt counter resets.
func (c *Conn) Disconnect(reason string) {
	c.mu.Lock()
	c.intentional = true
	c.gen++
	c.attempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	sock := c.sock
	c.sock = nil
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	changed := c.state != StateDisconnected
	if changed {
		c.setStateLocked(StateDisconnected, reason)
	}
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close(reason)
	}
	if changed {
		c.log.Info().Str("reason", reason).Msg("websocket disconnected")
	}
}

// ReconnectWithNewToken stores the rotated token, tears the connection down,
// and dials again after a short settle delay so the server never sees the old
// and new sessions overlap.
func (c *Conn) ReconnectWithNewToken(ctx context.Context, token string) error {
	if token != "" {
		if err := c.tokens.Store(ctx, auth.Tokens{Chat: token}); err != nil {
			return fmt.Errorf("store rotated token: %w", err)
		}
	}
	// a fresh token clears any halt or terminal state from the old one
	c.Resume()
	c.Disconnect("token rotation")

	select {
	case <-time.After(c.cfg.TokenRotationDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Connect(ctx)
}

// Transmit sends one command over the open socket.
func (c *Conn) Transmit(ctx context.Context, cmd proto.Command) error {
	c.mu.Lock()
	sock := c.sock
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || sock == nil {
		return ErrNotConnected
	}
	if err := sock.WriteCommand(ctx, cmd); err != nil {
		return fmt.Errorf("transmit %s: %w", cmd.Type, err)
	}
	return nil
}

// Halt stops automatic reconnection, e.g. after the chat token expired.
// An in-flight socket is closed.
func (c *Conn) Halt(reason string) {
	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()
	c.Disconnect(reason)
}

// Resume re-enables automatic reconnection and clears a terminal Error state
// so the next Connect starts a fresh attempt budget.
func (c *Conn) Resume() {
	c.mu.Lock()
	c.halted = false
	c.attempts = 0
	if c.state == StateError {
		c.setStateLocked(StateDisconnected, "retry requested")
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ctx context.Context, gen int, sock socket, handler func(*proto.Event)) {
	for {
		ev, err := sock.ReadEvent(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("websocket read failed")
				c.connectionLost(gen, err)
			}
			return
		}
		if ev.Type == proto.EventPong {
			c.mu.Lock()
			pongC := c.pongC
			c.mu.Unlock()
			if pongC != nil {
				select {
				case pongC <- struct{}{}:
				default:
				}
			}
			continue
		}
		handler(ev)
	}
}

// heartbeat pings on a fixed interval and treats a missing pong within the
// timeout as a dead connection.
func (c *Conn) heartbeat(ctx context.Context, gen int, sock socket) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ping := proto.Command{Type: proto.CmdPing, Timestamp: time.Now().UnixMilli()}
		if err := sock.WriteCommand(ctx, ping); err != nil {
			if ctx.Err() == nil {
				c.connectionLost(gen, fmt.Errorf("ping: %w", err))
			}
			return
		}

		c.mu.Lock()
		pongC := c.pongC
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-pongC:
		case <-time.After(c.cfg.HeartbeatTimeout):
			c.log.Warn().Msg("heartbeat timed out, dropping connection")
			_ = sock.Close("heartbeat timeout")
			c.connectionLost(gen, errors.New("heartbeat timeout"))
			return
		}
	}
}

// connectionLost handles an unexpected drop for the given connection
// generation: it tears down the socket and schedules the next bounded
// reconnect attempt, or goes terminal once the budget is spent.
func (c *Conn) connectionLost(gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.intentional {
		c.mu.Unlock()
		return
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	sock := c.sock
	c.sock = nil

	if c.halted {
		c.setStateLocked(StateDisconnected, cause.Error())
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close("halted")
		}
		return
	}

	c.attempts++
	if c.attempts > c.cfg.ReconnectMaxAttempts {
		c.log.Error().Int("attempts", c.attempts-1).Msg("reconnect attempts exhausted")
		c.setStateLocked(StateError, cause.Error())
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close("gave up")
		}
		return
	}

	delay := c.backoffDelay(c.attempts)
	c.log.Info().
		Int("attempt", c.attempts).
		Dur("delay", delay).
		Msg("scheduling reconnect")
	c.setStateLocked(StateReconnecting, cause.Error())
	c.gen++
	nextGen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.retryDial(nextGen)
	})
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close("connection lost")
	}
}

// retryDial runs one scheduled reconnect attempt.
func (c *Conn) retryDial(gen int) {
	c.mu.Lock()
	if c.gen != gen || c.intentional || c.halted || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	// Drop back so Connect's no-op guard does not swallow the attempt.
	c.state = StateDisconnected
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()
	_ = c.Connect(ctx)
}

func (c *Conn) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.ReconnectInterval) * math.Pow(c.cfg.ReconnectBackoff, float64(attempt-1)))
	if d > c.cfg.ReconnectMaxInterval {
		d = c.cfg.ReconnectMaxInterval
	}
	return d
}

// setStateLocked transitions state and notifies subscribers. The caller holds
// c.mu; subscriber callbacks run on a separate goroutine so they may call back
// into Conn.
func (c *Conn) setStateLocked(s State, reason string) {
	if c.state == s && reason == "" {
		return
	}
	c.state = s
	status := Status{State: s, Attempts: c.attempts, Reason: reason}
	subs := make([]func(Status), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	go func() {
		for _, fn := range subs {
			fn(status)
		}
	}()
}

// authURL appends the chat token as a query parameter.
func authURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
