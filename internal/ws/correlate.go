package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmtg/boardd/internal/model"
)

// ErrNoResponse is returned when the expected reply never arrived within
// the waiter's timeout.
var ErrNoResponse = errors.New("server did not respond")

// ServerError carries a failure status reported inside an otherwise
// well-formed reply.
type ServerError struct {
	Action model.Action
	Text   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server rejected %s: %s", e.Action, e.Text)
}

// waiter is one outstanding request awaiting a reply keyed by an expected
// action. Waiters for the same key are served strictly FIFO: the first
// matching inbound frame satisfies the oldest waiter only.
type waiter struct {
	ch chan *model.Message
}

// waiterTable holds the per-action FIFO queues. All access is serialized by
// the mutex; resolution order within a key follows registration order.
type waiterTable struct {
	mu     sync.Mutex
	queues map[model.Action][]*waiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{queues: make(map[model.Action][]*waiter)}
}

func (t *waiterTable) add(action model.Action) *waiter {
	w := &waiter{ch: make(chan *model.Message, 1)}
	t.mu.Lock()
	t.queues[action] = append(t.queues[action], w)
	t.mu.Unlock()
	return w
}

// remove drops w from its queue. Returns false when w was already popped by
// a resolution, in which case the reply is sitting in w.ch.
func (t *waiterTable) remove(action model.Action, w *waiter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queues[action]
	for i, cand := range q {
		if cand == w {
			t.queues[action] = append(q[:i], q[i+1:]...)
			if len(t.queues[action]) == 0 {
				delete(t.queues, action)
			}
			return true
		}
	}
	return false
}

// resolve pops the oldest waiter for the action and hands it the message.
// Siblings stay queued; a frame satisfies at most one waiter.
func (t *waiterTable) resolve(action model.Action, msg *model.Message) bool {
	t.mu.Lock()
	q := t.queues[action]
	if len(q) == 0 {
		t.mu.Unlock()
		return false
	}
	w := q[0]
	if len(q) == 1 {
		delete(t.queues, action)
	} else {
		t.queues[action] = q[1:]
	}
	t.mu.Unlock()

	w.ch <- msg
	return true
}

// Do sends the request and blocks until the matching reply, the timeout, or
// ctx cancellation. The expected reply action is derived from the static
// request→response mapping.
func (c *Client) Do(ctx context.Context, req model.Request) (*model.Message, error) {
	return c.DoExpect(ctx, req, model.ResponseAction(req.WireAction()))
}

// DoExpect is Do with an explicit expected reply action.
func (c *Client) DoExpect(ctx context.Context, req model.Request, want model.Action) (*model.Message, error) {
	timeout := c.requestTimeout
	if want == model.ActionResumeSession {
		timeout = c.resumeTimeout
	}

	w := c.waiters.add(want)
	if err := c.Send(req); err != nil {
		c.waiters.remove(want, w)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return checkReply(want, msg)

	case <-timer.C:
		if !c.waiters.remove(want, w) {
			// Resolved in the instant before the timeout fired; the reply
			// is already buffered.
			return checkReply(want, <-w.ch)
		}
		return nil, fmt.Errorf("%w to %s", ErrNoResponse, req.WireAction())

	case <-ctx.Done():
		if !c.waiters.remove(want, w) {
			return checkReply(want, <-w.ch)
		}
		return nil, ctx.Err()
	}
}

func checkReply(want model.Action, msg *model.Message) (*model.Message, error) {
	if msg.Failed() {
		return msg, &ServerError{Action: want, Text: msg.FailureText()}
	}
	return msg, nil
}
