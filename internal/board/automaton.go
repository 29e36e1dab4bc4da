// Package board derives and mutates announcement lifecycle state from
// wall-clock deadlines and observed resource counts. It issues status
// changes on its own initiative (auto-transitions), each fired at most once
// per announcement until its guards are reset.
package board

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jmtg/boardd/internal/model"
)

const (
	// ActivationWindow is how long before the deadline the countdown
	// becomes live; earlier than that the display stays static.
	ActivationWindow = 32 * time.Hour

	// PriorityThreshold is the remaining time at which an announcement is
	// escalated to priority.
	PriorityThreshold = 24 * time.Hour

	tickInterval = time.Second
)

// ErrUnknownEntity is returned for operations on ids the automaton has
// never seen.
var ErrUnknownEntity = errors.New("unknown announcement")

// guardTag marks one auto-transition as already applied for an id.
type guardTag string

const (
	guardAutoPriority  guardTag = "auto-priority"  // remaining ≤ 24h
	guardAutoCurrent   guardTag = "auto-current"   // truck capacity exhausted
	guardReadyPriority guardTag = "ready-priority" // cargo ready, no drivers
	guardReadyCurrent  guardTag = "ready-current"  // cargo ready, drivers assigned
)

// CountdownMode classifies an announcement's timer.
type CountdownMode int

const (
	// NoTarget: no deadline applies (no schedule, or status outside the
	// countdown-enabled set).
	NoTarget CountdownMode = iota
	// Waiting: a deadline exists but is beyond the activation window.
	Waiting
	// Counting: the timer is live and ticking down.
	Counting
	// FrozenZero: the timer reached (or was forced to) zero and holds there.
	FrozenZero
)

// Countdown is the derived timer state of one announcement.
type Countdown struct {
	Mode      CountdownMode
	Remaining time.Duration
	Deadline  time.Time
}

// Running reports whether the timer is actively ticking.
func (c Countdown) Running() bool { return c.Mode == Counting }

// StatusPusher sends a status-change request to the server and waits for
// the confirmation. Implemented by the correlation layer wrapper.
type StatusPusher interface {
	PushStatus(id string, status model.Status) error
}

// Automaton holds the announcement set and drives auto-transitions.
type Automaton struct {
	pusher StatusPusher
	now    func() time.Time

	// onStatus is invoked after any status write (auto or applied) so the
	// alert scheduler's membership set can follow.
	onStatus func(id string, status model.Status)
	// onError surfaces failed pushes; local state is not rolled back.
	onError func(id string, err error)

	mu       sync.Mutex
	entities map[string]*model.Announcement
	guards   map[string]map[guardTag]bool
}

// Option configures an Automaton.
type Option func(*Automaton)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Automaton) { a.now = now }
}

// WithStatusHook registers the post-write status callback.
func WithStatusHook(fn func(id string, status model.Status)) Option {
	return func(a *Automaton) { a.onStatus = fn }
}

// WithErrorHook registers the push-failure callback.
func WithErrorHook(fn func(id string, err error)) Option {
	return func(a *Automaton) { a.onError = fn }
}

func New(pusher StatusPusher, opts ...Option) *Automaton {
	a := &Automaton{
		pusher:   pusher,
		now:      time.Now,
		entities: make(map[string]*model.Announcement),
		guards:   make(map[string]map[guardTag]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run evaluates every announcement once per tick until ctx is done. The
// tick only matters for countdown-threshold transitions; structural changes
// are evaluated eagerly on upsert.
func (a *Automaton) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.EvaluateAll()
		}
	}
}

// SyncAll replaces the whole announcement set and resets every guard: a
// fresh load re-arms the one-shot transitions.
func (a *Automaton) SyncAll(list []*model.Announcement) {
	a.mu.Lock()
	a.entities = make(map[string]*model.Announcement, len(list))
	a.guards = make(map[string]map[guardTag]bool)
	for _, ann := range list {
		if ann == nil || ann.ID == "" {
			continue
		}
		ann.Status = ann.Status.Normalize()
		a.entities[ann.ID] = ann
	}
	ids := a.idsLocked()
	a.mu.Unlock()

	for _, id := range ids {
		a.Evaluate(id)
	}
}

// Upsert applies one server push or local optimistic insert, then
// re-evaluates the announcement. An authoritative write always lands before
// further auto-transition logic runs against the entity.
func (a *Automaton) Upsert(ann *model.Announcement) {
	if ann == nil || ann.ID == "" {
		return
	}
	ann.Status = ann.Status.Normalize()

	a.mu.Lock()
	a.entities[ann.ID] = ann
	a.mu.Unlock()

	if a.onStatus != nil {
		a.onStatus(ann.ID, ann.Status)
	}
	a.Evaluate(ann.ID)
}

// Get returns a copy of the announcement.
func (a *Automaton) Get(id string) (*model.Announcement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ann, ok := a.entities[id]
	if !ok {
		return nil, false
	}
	cp := *ann
	return &cp, true
}

// All returns copies of every announcement, ordered by id.
func (a *Automaton) All() []*model.Announcement {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*model.Announcement, 0, len(a.entities))
	for _, ann := range a.entities {
		cp := *ann
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PriorityIDs returns the ids currently classified priority.
func (a *Automaton) PriorityIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for id, ann := range a.entities {
		if ann.Status.Normalize() == model.StatusPriority {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (a *Automaton) idsLocked() []string {
	ids := make([]string, 0, len(a.entities))
	for id := range a.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CountdownFor derives the timer state of one announcement.
func (a *Automaton) CountdownFor(id string) Countdown {
	a.mu.Lock()
	defer a.mu.Unlock()
	ann, ok := a.entities[id]
	if !ok {
		return Countdown{Mode: NoTarget}
	}
	return a.countdownLocked(ann)
}

func (a *Automaton) countdownLocked(ann *model.Announcement) Countdown {
	status := ann.Status.Normalize()
	if status.Terminal() {
		return Countdown{Mode: NoTarget}
	}
	// Current announcements hold at zero regardless of schedule.
	if status == model.StatusCurrent {
		return Countdown{Mode: FrozenZero}
	}
	// Exhausted capacity freezes the timer.
	if ann.RemainingTrucks() == 0 {
		return Countdown{Mode: FrozenZero}
	}
	// Cargo already loaded collapses the countdown unless a manual target
	// overrides it.
	if ann.Ready && ann.TimerTarget == "" {
		return Countdown{Mode: FrozenZero}
	}

	deadline, ok := ann.EffectiveDeadline()
	if !ok {
		return Countdown{Mode: NoTarget}
	}
	if status != model.StatusActive && status != model.StatusPriority {
		return Countdown{Mode: NoTarget}
	}

	remaining := deadline.Sub(a.now())
	switch {
	case remaining <= 0:
		return Countdown{Mode: FrozenZero, Deadline: deadline}
	case remaining > ActivationWindow:
		return Countdown{Mode: Waiting, Remaining: remaining, Deadline: deadline}
	default:
		return Countdown{Mode: Counting, Remaining: remaining, Deadline: deadline}
	}
}

// HasRunningPriorityCountdown reports whether any priority announcement has
// an actively ticking timer. The alert scheduler's ring predicate.
func (a *Automaton) HasRunningPriorityCountdown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ann := range a.entities {
		if ann.Status.Normalize() != model.StatusPriority {
			continue
		}
		if a.countdownLocked(ann).Running() {
			return true
		}
	}
	return false
}

// CountdownRunning reports whether the given announcement's timer is
// actively ticking.
func (a *Automaton) CountdownRunning(id string) bool {
	return a.CountdownFor(id).Running()
}

// EvaluateAll runs the auto-transition rules over every announcement.
func (a *Automaton) EvaluateAll() {
	a.mu.Lock()
	ids := a.idsLocked()
	a.mu.Unlock()
	for _, id := range ids {
		a.Evaluate(id)
	}
}

// Evaluate applies the auto-transition rules to one announcement. Each rule
// fires at most once per id until the guards are reset; terminal statuses
// are never touched.
func (a *Automaton) Evaluate(id string) {
	a.mu.Lock()
	ann, ok := a.entities[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	status := ann.Status.Normalize()
	if status.Terminal() {
		a.mu.Unlock()
		return
	}

	type transition struct {
		tag    guardTag
		status model.Status
	}
	var fire *transition

	// Capacity exhaustion: all truck slots consumed, announcement becomes
	// current and its timer freezes.
	if ann.RemainingTrucks() == 0 && status != model.StatusCurrent && !a.guardedLocked(id, guardAutoCurrent) {
		fire = &transition{guardAutoCurrent, model.StatusCurrent}
	}

	// Cargo-ready rules: no drivers yet means the slot needs attention
	// (priority); once somebody is assigned the load is in progress
	// (current).
	if fire == nil && ann.Ready {
		drivers := ann.AssignedDrivers()
		switch {
		case drivers == 0 && status != model.StatusPriority && !a.guardedLocked(id, guardReadyPriority):
			fire = &transition{guardReadyPriority, model.StatusPriority}
		case drivers > 0 && status != model.StatusCurrent && !a.guardedLocked(id, guardReadyCurrent):
			fire = &transition{guardReadyCurrent, model.StatusCurrent}
		}
	}

	// Deadline pressure: a live countdown under 24h escalates to priority.
	if fire == nil && status != model.StatusPriority && !a.guardedLocked(id, guardAutoPriority) {
		cd := a.countdownLocked(ann)
		if cd.Mode == Counting && cd.Remaining <= PriorityThreshold {
			fire = &transition{guardAutoPriority, model.StatusPriority}
		}
	}

	if fire == nil {
		a.mu.Unlock()
		return
	}

	a.setGuardLocked(id, fire.tag)
	a.mu.Unlock()

	log.Printf("[board] auto-transition %s → %s (%s)", id, fire.status, fire.tag)
	go a.push(id, fire.status)
}

// push sends the status change and applies it locally on confirmation.
// A failed push is surfaced but never rolled back; the next full sync or
// server push corrects any divergence.
func (a *Automaton) push(id string, status model.Status) {
	if a.pusher == nil {
		a.ApplyStatus(id, status)
		return
	}
	if err := a.pusher.PushStatus(id, status); err != nil {
		log.Printf("[board] status push %s → %s failed: %v", id, status, err)
		if a.onError != nil {
			a.onError(id, fmt.Errorf("set status %s: %w", status, err))
		}
		return
	}
	a.ApplyStatus(id, status)
}

// ApplyStatus is an authoritative local status write: operator overrides
// and confirmed pushes land here, bypassing guards.
func (a *Automaton) ApplyStatus(id string, status model.Status) error {
	status = status.Normalize()

	a.mu.Lock()
	ann, ok := a.entities[id]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	ann.Status = status
	a.mu.Unlock()

	if a.onStatus != nil {
		a.onStatus(id, status)
	}
	return nil
}

func (a *Automaton) guardedLocked(id string, tag guardTag) bool {
	return a.guards[id][tag]
}

func (a *Automaton) setGuardLocked(id string, tag guardTag) {
	if a.guards[id] == nil {
		a.guards[id] = make(map[guardTag]bool)
	}
	a.guards[id][tag] = true
}

// ResetGuards re-arms every one-shot transition for the id. Called when the
// entity's effective state materially changed (manual timer adjustment).
func (a *Automaton) ResetGuards(id string) {
	a.mu.Lock()
	delete(a.guards, id)
	a.mu.Unlock()
}
