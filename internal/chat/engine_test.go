package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

type fakeTransport struct {
	mu   sync.Mutex
	cmds []proto.Command
	err  error
}

func (f *fakeTransport) Transmit(_ context.Context, cmd proto.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeTransport) sent() []proto.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proto.Command(nil), f.cmds...)
}

type fakeHistory struct {
	payloads []proto.MessagePayload
	err      error
}

func (f *fakeHistory) RecentMessages(context.Context, string, int) ([]proto.MessagePayload, error) {
	return f.payloads, f.err
}

func newTestEngine(t *testing.T, tr Transport, h History) *Engine {
	t.Helper()
	if tr == nil {
		tr = &fakeTransport{}
	}
	if h == nil {
		h = &fakeHistory{}
	}
	e := NewEngine(tr, h, EngineConfig{ConfirmTimeout: time.Hour}, log.Nop())
	t.Cleanup(e.Close)
	return e
}

func TestSendAndConfirm(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, tr, nil)
	ctx := context.Background()

	sent, err := e.Send(ctx, SendRequest{
		ChannelID: "4",
		Content:   "  hello  ",
		Sender:    Sender{ID: "1", Username: "ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, sent.State)
	assert.Equal(t, "hello", sent.Content)
	assert.True(t, IsTempID(sent.TempID))

	cmds := tr.sent()
	require.Len(t, cmds, 1)
	assert.Equal(t, proto.CmdSendMessage, cmds[0].Type)
	assert.Equal(t, sent.TempID, cmds[0].TempID)

	e.HandleEvent(&proto.Event{
		Type:      proto.EventMessageSent,
		TempID:    sent.TempID,
		MessageID: "42",
		ChannelID: "4",
	})

	msgs := e.Messages("4")
	require.Len(t, msgs, 1)
	assert.Equal(t, StateConfirmed, msgs[0].State)
	assert.Equal(t, proto.ID("42"), msgs[0].ID)
	assert.Equal(t, sent.TempID, msgs[0].TempID)
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi"})
	require.NoError(t, err)

	ack := &proto.Event{Type: proto.EventMessageSent, TempID: sent.TempID, MessageID: "42", ChannelID: "4"}
	e.HandleEvent(ack)
	e.HandleEvent(ack)
	e.HandleEvent(&proto.Event{Type: proto.EventMessageSent, TempID: sent.TempID, MessageID: "43", ChannelID: "4"})

	msgs := e.Messages("4")
	require.Len(t, msgs, 1)
	// the first ack wins, later ones change nothing
	assert.Equal(t, proto.ID("42"), msgs[0].ID)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	_, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDuplicateSendSuppressed(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	now := time.Now()
	e.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := e.Send(ctx, SendRequest{ChannelID: "4", Content: "hi"})
	require.NoError(t, err)

	_, err = e.Send(ctx, SendRequest{ChannelID: "4", Content: "hi"})
	assert.ErrorIs(t, err, ErrDuplicateSend)

	// a different channel is unaffected
	_, err = e.Send(ctx, SendRequest{ChannelID: "5", Content: "hi"})
	assert.NoError(t, err)

	// outside the window the same content goes through again
	e.now = func() time.Time { return now.Add(3 * time.Second) }
	_, err = e.Send(ctx, SendRequest{ChannelID: "4", Content: "hi"})
	assert.NoError(t, err)
}

func TestSendWhileDisconnectedThenRetry(t *testing.T) {
	tr := &fakeTransport{}
	tr.setErr(errors.New("websocket is not connected"))
	e := newTestEngine(t, tr, nil)
	ctx := context.Background()

	sent, err := e.Send(ctx, SendRequest{ChannelID: "4", Content: "hi", Sender: Sender{ID: "1"}})
	require.Error(t, err)
	assert.Equal(t, StateFailed, sent.State)
	assert.Contains(t, sent.FailReason, "not delivered")

	// the connection comes back, the user retries
	tr.setErr(nil)
	retried, err := e.Retry(ctx, sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, retried.State)
	assert.Equal(t, sent.TempID, retried.TempID)

	// the retry reuses the slot: still exactly one tracked message
	require.Len(t, e.Messages("4"), 1)

	e.HandleEvent(&proto.Event{Type: proto.EventMessageSent, TempID: sent.TempID, MessageID: "7", ChannelID: "4"})
	msgs := e.Messages("4")
	require.Len(t, msgs, 1)
	assert.Equal(t, StateConfirmed, msgs[0].State)
}

func TestRetryRequiresFailedState(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi"})
	require.NoError(t, err)

	_, err = e.Retry(context.Background(), sent.TempID)
	assert.ErrorIs(t, err, ErrNotRetryable)

	_, err = e.Retry(context.Background(), "temp-0-missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestConfirmTimeoutFailsMessage(t *testing.T) {
	tr := &fakeTransport{}
	e := NewEngine(tr, &fakeHistory{}, EngineConfig{ConfirmTimeout: 10 * time.Millisecond}, log.Nop())
	t.Cleanup(e.Close)

	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		m, ok := e.Message("4", sent.TempID)
		return ok && m.State == StateFailed
	}, time.Second, 5*time.Millisecond)

	m, _ := e.Message("4", sent.TempID)
	assert.Equal(t, "confirmation timed out", m.FailReason)
}

func TestEchoWithoutTempIDMatchesFuzzily(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	sent, err := e.Send(context.Background(), SendRequest{
		ChannelID: "4",
		Content:   "hello",
		Sender:    Sender{ID: "1", Username: "ada"},
	})
	require.NoError(t, err)

	// the broadcast echo lost its temp id on a gateway hop
	e.HandleEvent(&proto.Event{
		Type: proto.EventNewMessage,
		Message: &proto.MessagePayload{
			ID:        "42",
			ChannelID: "4",
			Content:   "hello",
			Sender:    &proto.UserRef{ID: "1", Username: "ada"},
			CreatedAt: time.Now().Format(time.RFC3339Nano),
		},
	})

	msgs := e.Messages("4")
	require.Len(t, msgs, 1)
	assert.Equal(t, StateConfirmed, msgs[0].State)
	assert.Equal(t, proto.ID("42"), msgs[0].ID)
	assert.Equal(t, sent.TempID, msgs[0].TempID)
}

func TestBroadcastFromOtherUserAppends(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ev := &proto.Event{
		Type: proto.EventNewMessage,
		Message: &proto.MessagePayload{
			ID:        "9",
			ChannelID: "4",
			Content:   "hey",
			Sender:    &proto.UserRef{ID: "2", Username: "bob"},
		},
	}
	e.HandleEvent(ev)
	// the same broadcast delivered twice inserts once
	e.HandleEvent(ev)

	msgs := e.Messages("4")
	require.Len(t, msgs, 1)
	assert.Equal(t, StateConfirmed, msgs[0].State)
	assert.Equal(t, "bob", msgs[0].Sender.Username)
}

func TestMessageErrorEventFailsSend(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi"})
	require.NoError(t, err)

	e.HandleEvent(&proto.Event{
		Type:   proto.EventMessageError,
		TempID: sent.TempID,
		Error:  "you are muted",
	})

	m, ok := e.Message("4", sent.TempID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, m.State)
	assert.Equal(t, "you are muted", m.FailReason)
}

func TestUpdateAndDelete(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	e.HandleEvent(&proto.Event{
		Type: proto.EventNewMessage,
		Message: &proto.MessagePayload{
			ID: "9", ChannelID: "4", Content: "first",
			Sender: &proto.UserRef{ID: "2", Username: "bob"},
		},
	})

	e.HandleEvent(&proto.Event{
		Type: proto.EventMessageEdited,
		Message: &proto.MessagePayload{
			ID: "9", ChannelID: "4", Content: "first, edited", IsEdited: true,
		},
	})
	msgs := e.Messages("4")
	require.Len(t, msgs, 1)
	assert.Equal(t, "first, edited", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)

	e.HandleEvent(&proto.Event{Type: proto.EventMessageDeleted, MessageID: "9", ChannelID: "4"})
	assert.Empty(t, e.Messages("4"))
}

func TestVerifyFindsRecordByTempID(t *testing.T) {
	hist := &fakeHistory{}
	e := newTestEngine(t, nil, hist)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi", Sender: Sender{ID: "1"}})
	require.NoError(t, err)

	hist.payloads = []proto.MessagePayload{
		{ID: "50", ChannelID: "4", Content: "later message"},
		{ID: "42", ChannelID: "4", Content: "hi", TempID: sent.TempID},
	}

	got, err := e.Verify(context.Background(), sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, got.State)
	assert.Equal(t, proto.ID("42"), got.ID)
}

func TestVerifyFindsRecordByContent(t *testing.T) {
	hist := &fakeHistory{}
	e := newTestEngine(t, nil, hist)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi", Sender: Sender{ID: "1"}})
	require.NoError(t, err)

	hist.payloads = []proto.MessagePayload{
		{
			ID: "42", ChannelID: "4", Content: " hi ",
			Sender:    &proto.UserRef{ID: "1"},
			CreatedAt: time.Now().Format(time.RFC3339Nano),
		},
	}

	got, err := e.Verify(context.Background(), sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, got.State)
	assert.Equal(t, proto.ID("42"), got.ID)
}

func TestVerifyRejectsCandidateOutsideWindow(t *testing.T) {
	hist := &fakeHistory{}
	e := newTestEngine(t, nil, hist)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi", Sender: Sender{ID: "1"}})
	require.NoError(t, err)

	// same content and sender, but fifteen seconds away: not the same message
	hist.payloads = []proto.MessagePayload{
		{
			ID: "42", ChannelID: "4", Content: "hi",
			Sender:    &proto.UserRef{ID: "1"},
			CreatedAt: time.Now().Add(15 * time.Second).Format(time.RFC3339Nano),
		},
	}

	got, err := e.Verify(context.Background(), sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, StateDiscarded, got.State)
}

func TestVerifyDiscardsWhenAbsent(t *testing.T) {
	hist := &fakeHistory{payloads: []proto.MessagePayload{
		{ID: "50", ChannelID: "4", Content: "unrelated", Sender: &proto.UserRef{ID: "2"}},
	}}
	e := newTestEngine(t, nil, hist)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi", Sender: Sender{ID: "1"}})
	require.NoError(t, err)

	got, err := e.Verify(context.Background(), sent.TempID)
	require.NoError(t, err)
	assert.Equal(t, StateDiscarded, got.State)
	assert.Equal(t, "no matching server record", got.FailReason)

	// discarded messages can be re-sent under the same identity
	_, err = e.Retry(context.Background(), sent.TempID)
	assert.NoError(t, err)
}

func TestVerifyKeepsStateOnHistoryError(t *testing.T) {
	hist := &fakeHistory{err: errors.New("api down")}
	e := newTestEngine(t, nil, hist)
	sent, err := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "hi"})
	require.NoError(t, err)

	_, err = e.Verify(context.Background(), sent.TempID)
	require.Error(t, err)

	m, _ := e.Message("4", sent.TempID)
	assert.Equal(t, StatePending, m.State)
}

func TestSetMessagesKeepsLocalOptimistic(t *testing.T) {
	tr := &fakeTransport{}
	tr.setErr(errors.New("offline"))
	e := newTestEngine(t, tr, nil)

	failed, _ := e.Send(context.Background(), SendRequest{ChannelID: "4", Content: "draft"})

	e.SetMessages("4", []Message{
		{ID: "1", ChannelID: "4", Content: "old", State: StateConfirmed},
		{ID: "2", ChannelID: "4", Content: "older", State: StateConfirmed},
	})

	msgs := e.Messages("4")
	require.Len(t, msgs, 3)
	assert.Equal(t, failed.TempID, msgs[2].TempID)
	assert.Equal(t, StateFailed, msgs[2].State)
}
