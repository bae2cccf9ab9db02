package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// TypingController debounces the local typing indicator. The first keystroke
// in a channel sends typing_start; further keystrokes only push the idle
// deadline out. When the deadline passes, or the user sends or leaves, one
// typing_stop goes out. At most one timer exists per channel.
type TypingController struct {
	transport Transport
	log       *zerolog.Logger
	idle      time.Duration

	mu     sync.Mutex
	timers map[proto.ID]*time.Timer
}

// NewTypingController builds a controller with the given idle window.
func NewTypingController(transport Transport, idle time.Duration, logger *zerolog.Logger) *TypingController {
	if idle <= 0 {
		idle = 3 * time.Second
	}
	return &TypingController{
		transport: transport,
		log:       logger,
		idle:      idle,
		timers:    make(map[proto.ID]*time.Timer),
	}
}

// Keystroke records typing activity in a channel. Only the transition from
// idle to typing transmits; a live indicator is just extended.
func (t *TypingController) Keystroke(ctx context.Context, channelID proto.ID) {
	t.mu.Lock()
	if timer, ok := t.timers[channelID]; ok {
		timer.Reset(t.idle)
		t.mu.Unlock()
		return
	}
	t.timers[channelID] = time.AfterFunc(t.idle, func() {
		t.expire(channelID)
	})
	t.mu.Unlock()

	t.send(ctx, proto.CmdTypingStart, channelID)
}

// Stop ends the typing indicator for a channel. Safe to call when no
// indicator is active; nothing is sent in that case.
func (t *TypingController) Stop(ctx context.Context, channelID proto.ID) {
	t.mu.Lock()
	timer, ok := t.timers[channelID]
	if ok {
		timer.Stop()
		delete(t.timers, channelID)
	}
	t.mu.Unlock()

	if ok {
		t.send(ctx, proto.CmdTypingStop, channelID)
	}
}

// StopAll ends every active indicator, e.g. on disconnect or teardown.
func (t *TypingController) StopAll(ctx context.Context) {
	t.mu.Lock()
	channels := make([]proto.ID, 0, len(t.timers))
	for ch, timer := range t.timers {
		timer.Stop()
		channels = append(channels, ch)
	}
	t.timers = make(map[proto.ID]*time.Timer)
	t.mu.Unlock()

	for _, ch := range channels {
		t.send(ctx, proto.CmdTypingStop, ch)
	}
}

func (t *TypingController) expire(channelID proto.ID) {
	t.mu.Lock()
	_, ok := t.timers[channelID]
	delete(t.timers, channelID)
	t.mu.Unlock()

	if ok {
		t.send(context.Background(), proto.CmdTypingStop, channelID)
	}
}

func (t *TypingController) send(ctx context.Context, cmdType string, channelID proto.ID) {
	cmd := proto.Command{Type: cmdType, ChannelID: channelID}
	if err := t.transport.Transmit(ctx, cmd); err != nil {
		// Typing indicators are best effort; a drop here is invisible to
		// the user and never retried.
		t.log.Debug().Str("channel", string(channelID)).Err(err).Msg("typing signal not sent")
	}
}
