package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vovakirdan/wirechat-client/internal/chat"
)

// printer renders session changes to stdout. It remembers what it already
// printed so a refresh only emits the delta.
type printer struct {
	session *chat.Session

	mu        sync.Mutex
	seen      map[string]chat.DeliveryState
	lastTyped string
}

func newPrinter(session *chat.Session) *printer {
	return &printer{
		session: session,
		seen:    make(map[string]chat.DeliveryState),
	}
}

// refresh runs on every observable session change.
func (p *printer) refresh() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, msg := range p.session.Messages() {
		key := msg.Key()
		prev, ok := p.seen[key]
		if ok && prev == msg.State {
			continue
		}
		p.seen[key] = msg.State
		p.printMessage(msg, ok)
	}

	typed := strings.Join(p.session.TypingUsers(), ", ")
	if typed != p.lastTyped {
		p.lastTyped = typed
		if typed != "" {
			fmt.Printf("... %s typing\n", typed)
		}
	}
}

func (p *printer) printMessage(msg chat.Message, update bool) {
	switch {
	case msg.State == chat.StateFailed || msg.State == chat.StateDiscarded:
		fmt.Printf("! [%s] %s: %s (%s: %s)\n",
			msg.CreatedAt.Format("15:04:05"), msg.Sender.Username, msg.Content, msg.State, msg.FailReason)
	case update:
		// state change on a message already shown, keep it to one line
		fmt.Printf("  (%s is now %s)\n", msg.Key(), msg.State)
	default:
		marker := ""
		if msg.State == chat.StatePending {
			marker = " …"
		}
		fmt.Printf("[%s] %s: %s%s\n",
			msg.CreatedAt.Format("15:04:05"), msg.Sender.Username, msg.Content, marker)
	}
}
