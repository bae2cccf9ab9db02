package chat

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-client/internal/proto"
)

// Handler consumes one dispatched event.
type Handler func(*proto.Event)

// Router fans server events out to per-channel subscribers. The registry is
// independent of the connection lifecycle: subscriptions survive reconnects,
// only the server-side join has to be replayed by the session.
type Router struct {
	log *zerolog.Logger

	mu   sync.Mutex
	next int
	subs map[proto.ID]map[int]Handler
}

// NewRouter builds an empty router.
func NewRouter(logger *zerolog.Logger) *Router {
	return &Router{
		log:  logger,
		subs: make(map[proto.ID]map[int]Handler),
	}
}

// Subscribe registers h for events on channelID and returns its disposer.
// Use proto.GlobalTopic for cross-channel presence and system events.
func (r *Router) Subscribe(channelID proto.ID, h Handler) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	set, ok := r.subs[channelID]
	if !ok {
		set = make(map[int]Handler)
		r.subs[channelID] = set
	}
	set[id] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if set, ok := r.subs[channelID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subs, channelID)
			}
		}
		r.mu.Unlock()
	}
}

// Dispatch routes ev to every subscriber of its channel. Message events also
// reach the global set so cross-channel consumers (unread counters, notifiers)
// see them; events without a channel go to the global set only.
func (r *Router) Dispatch(ev *proto.Event) {
	channel := ev.Channel()

	r.mu.Lock()
	handlers := make([]Handler, 0, 4)
	if channel != "" {
		for _, h := range r.subs[channel] {
			handlers = append(handlers, h)
		}
	}
	if channel == "" || isMessageEvent(ev.Type) {
		for _, h := range r.subs[proto.GlobalTopic] {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		r.invoke(h, ev)
	}
}

// invoke shields the dispatch loop from a panicking subscriber: one broken
// callback must not take down the read loop or starve its siblings.
func (r *Router) invoke(h Handler, ev *proto.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().
				Str("event", ev.Type).
				Interface("panic", rec).
				Msg("subscriber panicked")
		}
	}()
	h(ev)
}

func isMessageEvent(t string) bool {
	switch t {
	case proto.EventNewMessage,
		proto.EventMessageSent,
		proto.EventMessageError,
		proto.EventMessageUpdated,
		proto.EventMessageEdited,
		proto.EventMessageReactionUpdated,
		proto.EventMessageDeleted:
		return true
	default:
		return false
	}
}
