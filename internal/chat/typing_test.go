package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

func typingCmds(tr *fakeTransport) []string {
	var out []string
	for _, cmd := range tr.sent() {
		out = append(out, cmd.Type)
	}
	return out
}

func TestTypingBurstSendsOneStart(t *testing.T) {
	tr := &fakeTransport{}
	tc := NewTypingController(tr, 50*time.Millisecond, log.Nop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tc.Keystroke(ctx, "4")
	}

	assert.Equal(t, []string{proto.CmdTypingStart}, typingCmds(tr))
}

func TestTypingStopsAfterIdle(t *testing.T) {
	tr := &fakeTransport{}
	tc := NewTypingController(tr, 20*time.Millisecond, log.Nop())

	tc.Keystroke(context.Background(), "4")

	assert.Eventually(t, func() bool {
		cmds := typingCmds(tr)
		return len(cmds) == 2 && cmds[1] == proto.CmdTypingStop
	}, time.Second, 5*time.Millisecond)

	// a fresh keystroke after idling starts a new indicator
	tc.Keystroke(context.Background(), "4")
	assert.Equal(t, proto.CmdTypingStart, typingCmds(tr)[2])
}

func TestTypingKeystrokeExtendsDeadline(t *testing.T) {
	tr := &fakeTransport{}
	tc := NewTypingController(tr, 60*time.Millisecond, log.Nop())
	ctx := context.Background()

	tc.Keystroke(ctx, "4")
	for i := 0; i < 3; i++ {
		time.Sleep(30 * time.Millisecond)
		tc.Keystroke(ctx, "4")
	}
	// deadline kept moving: still typing, no stop yet
	assert.Equal(t, []string{proto.CmdTypingStart}, typingCmds(tr))
}

func TestTypingStopIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	tc := NewTypingController(tr, time.Hour, log.Nop())
	ctx := context.Background()

	tc.Stop(ctx, "4")
	assert.Empty(t, typingCmds(tr))

	tc.Keystroke(ctx, "4")
	tc.Stop(ctx, "4")
	tc.Stop(ctx, "4")

	require.Equal(t, []string{proto.CmdTypingStart, proto.CmdTypingStop}, typingCmds(tr))
}

func TestTypingStopAll(t *testing.T) {
	tr := &fakeTransport{}
	tc := NewTypingController(tr, time.Hour, log.Nop())
	ctx := context.Background()

	tc.Keystroke(ctx, "4")
	tc.Keystroke(ctx, "5")
	tc.StopAll(ctx)

	stops := 0
	for _, typ := range typingCmds(tr) {
		if typ == proto.CmdTypingStop {
			stops++
		}
	}
	assert.Equal(t, 2, stops)
}
