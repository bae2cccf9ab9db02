package auth

import "sync"

// ExpiryNotifier is the process-wide chat-token-expired signal. Any REST call
// that sees a 401 raises it; the connection manager and session react by
// clearing tokens and halting automatic reconnect. It is an explicit injected
// dependency rather than a package-level global so tests can run several
// isolated instances.
type ExpiryNotifier struct {
	mu   sync.Mutex
	next int
	subs map[int]func()
}

// NewExpiryNotifier builds an empty notifier.
func NewExpiryNotifier() *ExpiryNotifier {
	return &ExpiryNotifier{subs: make(map[int]func())}
}

// Subscribe registers fn and returns its disposer. Disposal is idempotent.
func (n *ExpiryNotifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Raise invokes every subscriber. Subscribers run outside the lock so they
// may subscribe or unsubscribe reentrantly.
func (n *ExpiryNotifier) Raise() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
