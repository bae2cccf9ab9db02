package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/proto"
)

func TestRouterDispatchByChannel(t *testing.T) {
	r := NewRouter(log.Nop())

	var a, b int
	r.Subscribe("1", func(*proto.Event) { a++ })
	r.Subscribe("2", func(*proto.Event) { b++ })

	r.Dispatch(&proto.Event{Type: proto.EventUserTyping, ChannelID: "1"})
	r.Dispatch(&proto.Event{Type: proto.EventUserTyping, ChannelID: "1"})
	r.Dispatch(&proto.Event{Type: proto.EventUserTyping, ChannelID: "2"})

	assert.Equal(t, 2, a)
	assert.Equal(t, 1, b)
}

func TestRouterGlobalFanout(t *testing.T) {
	r := NewRouter(log.Nop())

	var channel, global int
	r.Subscribe("1", func(*proto.Event) { channel++ })
	r.Subscribe(proto.GlobalTopic, func(*proto.Event) { global++ })

	// message events reach both the channel and the global set
	r.Dispatch(&proto.Event{Type: proto.EventNewMessage, ChannelID: "1"})
	assert.Equal(t, 1, channel)
	assert.Equal(t, 1, global)

	// non-message channel events stay on their channel
	r.Dispatch(&proto.Event{Type: proto.EventUserTyping, ChannelID: "1"})
	assert.Equal(t, 2, channel)
	assert.Equal(t, 1, global)

	// channel-less events go global only
	r.Dispatch(&proto.Event{Type: proto.EventUserOnline, UserID: "9"})
	assert.Equal(t, 2, channel)
	assert.Equal(t, 2, global)
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(log.Nop())

	var n int
	off := r.Subscribe("1", func(*proto.Event) { n++ })
	r.Dispatch(&proto.Event{Type: proto.EventUserTyping, ChannelID: "1"})
	off()
	off() // disposal is idempotent
	r.Dispatch(&proto.Event{Type: proto.EventUserTyping, ChannelID: "1"})

	assert.Equal(t, 1, n)
}

func TestRouterPanicIsolation(t *testing.T) {
	r := NewRouter(log.Nop())

	var survived int
	r.Subscribe("1", func(*proto.Event) { panic("boom") })
	r.Subscribe("1", func(*proto.Event) { survived++ })

	assert.NotPanics(t, func() {
		r.Dispatch(&proto.Event{Type: proto.EventNewMessage, ChannelID: "1"})
	})
	assert.Equal(t, 1, survived)
}
