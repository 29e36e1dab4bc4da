// Package alert rings a periodic reminder while priority announcements
// still have live countdowns. Rings are aligned to wall-clock half-hour
// boundaries so every connected client rings in unison, and the schedule is
// fully suspended while the page is hidden.
package alert

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Interval between rings once aligned.
const Interval = 30 * time.Minute

// minAlignDelay keeps a small gap when we are already sitting on a
// boundary.
const minAlignDelay = time.Second

// NextBoundaryDelay returns how long to wait until the next :00 or :30
// wall-clock mark, never less than minAlignDelay.
func NextBoundaryDelay(now time.Time) time.Duration {
	elapsed := time.Duration(now.Minute()%30)*time.Minute +
		time.Duration(now.Second())*time.Second +
		time.Duration(now.Nanosecond())
	delay := (Interval - elapsed) % Interval
	if delay < minAlignDelay {
		delay = minAlignDelay
	}
	return delay
}

// Ringer maintains the priority membership set and the aligned schedule.
type Ringer struct {
	now func() time.Time
	// ring is the audible/visual hook.
	ring func()
	// eligible gates the ring: at least one member must have an actively
	// counting-down timer. A priority announcement already frozen at zero
	// does not ring.
	eligible func() bool

	mu         sync.Mutex
	ids        map[string]struct{}
	visible    bool
	alignTimer *time.Timer
	tickCancel context.CancelFunc
	lastRing   time.Time
}

// Option configures a Ringer.
type Option func(*Ringer)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Ringer) { r.now = now }
}

// New creates a ringer. Both hooks may be nil: a nil eligible gate always
// passes, a nil ring hook only records the ring time.
func New(ring func(), eligible func() bool, opts ...Option) *Ringer {
	r := &Ringer{
		now:      time.Now,
		ring:     ring,
		eligible: eligible,
		ids:      make(map[string]struct{}),
		visible:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPriorityIDs replaces the membership set wholesale (full sync).
func (r *Ringer) SetPriorityIDs(ids []string) {
	r.mu.Lock()
	r.ids = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			r.ids[id] = struct{}{}
		}
	}
	r.adjustLocked()
	r.mu.Unlock()
}

// AddPriority adds one id (point update).
func (r *Ringer) AddPriority(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.adjustLocked()
	r.mu.Unlock()
}

// RemovePriority removes one id (point update).
func (r *Ringer) RemovePriority(id string) {
	r.mu.Lock()
	delete(r.ids, id)
	r.adjustLocked()
	r.mu.Unlock()
}

// IDs returns the current membership, sorted.
func (r *Ringer) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetVisible mirrors page visibility. Hidden suspends the schedule with no
// catch-up ring; visible re-aligns to the next boundary without firing
// immediately.
func (r *Ringer) SetVisible(visible bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.visible == visible {
		return
	}
	r.visible = visible

	r.cancelLocked()
	if visible && len(r.ids) > 0 {
		r.scheduleLocked()
	}
}

// Stop cancels all scheduling.
func (r *Ringer) Stop() {
	r.mu.Lock()
	r.cancelLocked()
	r.mu.Unlock()
}

// LastRing returns when the ringer last fired.
func (r *Ringer) LastRing() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRing
}

// Scheduled reports whether an alignment or interval schedule is armed.
func (r *Ringer) Scheduled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alignTimer != nil || r.tickCancel != nil
}

// adjustLocked starts the schedule when members appear and tears it down
// when the set empties. An already armed schedule is left alone.
func (r *Ringer) adjustLocked() {
	if len(r.ids) == 0 {
		r.cancelLocked()
		return
	}
	if !r.visible || r.alignTimer != nil || r.tickCancel != nil {
		return
	}
	r.scheduleLocked()
}

func (r *Ringer) scheduleLocked() {
	delay := NextBoundaryDelay(r.now())
	r.alignTimer = time.AfterFunc(delay, r.onAligned)
}

func (r *Ringer) cancelLocked() {
	if r.alignTimer != nil {
		r.alignTimer.Stop()
		r.alignTimer = nil
	}
	if r.tickCancel != nil {
		r.tickCancel()
		r.tickCancel = nil
	}
}

// onAligned fires exactly on the boundary, then hands over to the interval
// ticker.
func (r *Ringer) onAligned() {
	r.ringOnce()

	r.mu.Lock()
	r.alignTimer = nil
	if !r.visible || len(r.ids) == 0 {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.tickCancel = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ringOnce()
			}
		}
	}()
}

func (r *Ringer) ringOnce() {
	r.mu.Lock()
	empty := len(r.ids) == 0
	visible := r.visible
	r.mu.Unlock()

	if empty || !visible {
		return
	}
	if r.eligible != nil && !r.eligible() {
		return
	}

	r.mu.Lock()
	r.lastRing = r.now()
	r.mu.Unlock()

	log.Printf("[alert] priority reminder")
	if r.ring != nil {
		r.ring()
	}
}
