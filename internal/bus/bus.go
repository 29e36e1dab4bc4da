// Package bus fans unsolicited server pushes out to subscribers. Every
// inbound frame is emitted here in addition to resolving at most one
// correlation waiter, so clients that did not initiate a request still see
// the change.
package bus

import (
	"log"
	"sync"

	"github.com/jmtg/boardd/internal/model"
)

// Handler receives one message for an action it subscribed to.
type Handler func(*model.Message)

// Bus is a per-action subscriber registry. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[model.Action]map[int]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[model.Action]map[int]Handler)}
}

// On registers fn for the given action and returns its unsubscribe handle.
func (b *Bus) On(action model.Action, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[action] == nil {
		b.subs[action] = make(map[int]Handler)
	}
	b.subs[action][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[action], id)
		if len(b.subs[action]) == 0 {
			delete(b.subs, action)
		}
	}
}

// Emit invokes every currently registered handler for the action
// synchronously. A panicking handler must not keep the rest from being
// notified, so each call is isolated.
func (b *Bus) Emit(action model.Action, msg *model.Message) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[action]))
	for _, fn := range b.subs[action] {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		safeCall(action, fn, msg)
	}
}

func safeCall(action model.Action, fn Handler, msg *model.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] subscriber for %q panicked: %v", action, r)
		}
	}()
	fn(msg)
}
