package board

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmtg/boardd/internal/model"
)

type pushRecord struct {
	id     string
	status model.Status
}

// fakePusher records status pushes. A non-nil err simulates a server that
// rejects every push, which keeps local statuses untouched.
type fakePusher struct {
	mu    sync.Mutex
	calls []pushRecord
	err   error
}

func (p *fakePusher) PushStatus(id string, status model.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushRecord{id, status})
	return p.err
}

func (p *fakePusher) snapshot() []pushRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushRecord(nil), p.calls...)
}

// waitStatus polls until the announcement reaches the wanted status. Status
// pushes are asynchronous, so tests observe them eventually.
func waitStatus(t *testing.T, a *Automaton, id string, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ann, ok := a.Get(id); ok && ann.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	ann, _ := a.Get(id)
	t.Fatalf("announcement %s never reached %q (now %+v)", id, want, ann)
}

func waitPushes(t *testing.T, p *fakePusher, n int) []pushRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls := p.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d pushes, got %d", n, len(p.snapshot()))
	return nil
}

// settle gives any in-flight push goroutine time to land before asserting
// that nothing more happened.
func settle() { time.Sleep(50 * time.Millisecond) }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func wireTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}

func TestCapacityExhaustionFiresOnce(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	pusher := &fakePusher{}
	a := New(pusher, WithClock(fixedClock(now)))

	a.Upsert(&model.Announcement{
		ID:           "a1",
		Status:       model.StatusActive,
		LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(48 * time.Hour)), TruckCount: 0}},
	})

	waitStatus(t, a, "a1", model.StatusCurrent)
	calls := waitPushes(t, pusher, 1)
	if calls[0] != (pushRecord{"a1", model.StatusCurrent}) {
		t.Errorf("push = %+v", calls[0])
	}

	// The operator overrides back to active; the guard keeps the rule from
	// re-firing on later evaluations.
	if err := a.ApplyStatus("a1", model.StatusActive); err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	a.EvaluateAll()
	settle()
	if calls := pusher.snapshot(); len(calls) != 1 {
		t.Errorf("guard did not hold: %d pushes", len(calls))
	}
}

func TestReadyRulesFireOnceEach(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	pusher := &fakePusher{}
	a := New(pusher, WithClock(fixedClock(now)))

	a.Upsert(&model.Announcement{
		ID:           "a1",
		Status:       model.StatusActive,
		Ready:        true,
		LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(48 * time.Hour)), TruckCount: 2}},
	})

	// Ready cargo with nobody assigned needs attention.
	waitStatus(t, a, "a1", model.StatusPriority)

	// First assignment puts the load in progress.
	if _, err := a.AssignDriver("a1", model.Driver{Name: "Jan"}, ""); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}
	waitStatus(t, a, "a1", model.StatusCurrent)

	calls := waitPushes(t, pusher, 2)
	want := []pushRecord{{"a1", model.StatusPriority}, {"a1", model.StatusCurrent}}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("push %d = %+v, want %+v", i, calls[i], want[i])
		}
	}

	a.EvaluateAll()
	settle()
	if calls := pusher.snapshot(); len(calls) != 2 {
		t.Errorf("ready rules re-fired: %d pushes", len(calls))
	}
}

func TestDeadlinePressureEscalates(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	pusher := &fakePusher{}
	a := New(pusher, WithClock(fixedClock(now)))

	a.Upsert(&model.Announcement{
		ID:           "close",
		Status:       model.StatusActive,
		LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(23 * time.Hour)), TruckCount: 3}},
	})
	a.Upsert(&model.Announcement{
		ID:           "far",
		Status:       model.StatusActive,
		LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(40 * time.Hour)), TruckCount: 3}},
	})

	waitStatus(t, a, "close", model.StatusPriority)
	settle()

	calls := pusher.snapshot()
	if len(calls) != 1 || calls[0].id != "close" {
		t.Errorf("pushes = %+v, want exactly one for %q", calls, "close")
	}
	if ann, _ := a.Get("far"); ann.Status != model.StatusActive {
		t.Errorf("far announcement escalated too early: %q", ann.Status)
	}
}

func TestTerminalNeverAutoTransitions(t *testing.T) {
	pusher := &fakePusher{}
	a := New(pusher)

	a.Upsert(&model.Announcement{
		ID:           "done",
		Status:       model.StatusDone,
		LoadingDates: []model.LoadingDate{{Date: "2026-01-01", TruckCount: 0}},
	})
	a.EvaluateAll()
	settle()

	if calls := pusher.snapshot(); len(calls) != 0 {
		t.Errorf("terminal announcement was pushed: %+v", calls)
	}
}

func TestFailedPushKeepsLocalStatus(t *testing.T) {
	pusher := &fakePusher{err: errors.New("offline")}
	var hookErr error
	var hookMu sync.Mutex
	a := New(pusher, WithErrorHook(func(id string, err error) {
		hookMu.Lock()
		hookErr = err
		hookMu.Unlock()
	}))

	a.Upsert(&model.Announcement{
		ID:           "a1",
		Status:       model.StatusActive,
		LoadingDates: []model.LoadingDate{{Date: "2099-01-01", TruckCount: 0}},
	})
	waitPushes(t, pusher, 1)
	settle()

	// The push failed, so the local status stays and no rollback happens.
	if ann, _ := a.Get("a1"); ann.Status != model.StatusActive {
		t.Errorf("status = %q, want active to remain", ann.Status)
	}
	hookMu.Lock()
	defer hookMu.Unlock()
	if hookErr == nil {
		t.Error("error hook was not invoked")
	}
}

func TestSyncAllResetsGuards(t *testing.T) {
	pusher := &fakePusher{}
	a := New(pusher)

	ann := func() *model.Announcement {
		return &model.Announcement{
			ID:           "a1",
			Status:       model.StatusActive,
			LoadingDates: []model.LoadingDate{{Date: "2099-01-01", TruckCount: 0}},
		}
	}

	a.Upsert(ann())
	waitPushes(t, pusher, 1)

	// A fresh full load re-arms every one-shot transition.
	a.SyncAll([]*model.Announcement{ann()})
	waitPushes(t, pusher, 2)
}

func TestCountdownModes(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	pusher := &fakePusher{err: errors.New("offline")} // keep statuses put
	a := New(pusher, WithClock(fixedClock(now)))

	anns := []*model.Announcement{
		{ID: "no-schedule", Status: model.StatusActive},
		{ID: "ready-no-target", Status: model.StatusActive, Ready: true,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 2}}},
		{ID: "current", Status: model.StatusCurrent,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 2}}},
		{ID: "exhausted", Status: model.StatusCurrent,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 0}}},
		{ID: "overdue", Status: model.StatusPriority,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(-time.Hour)), TruckCount: 2}}},
		{ID: "waiting", Status: model.StatusActive,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(40 * time.Hour)), TruckCount: 2}}},
		{ID: "counting", Status: model.StatusPriority,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 2}}},
		{ID: "closed", Status: model.StatusClosed,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 2}}},
	}
	a.SyncAll(anns)

	tests := []struct {
		id   string
		want CountdownMode
	}{
		{"no-schedule", NoTarget},
		{"ready-no-target", FrozenZero},
		{"current", FrozenZero},
		{"exhausted", FrozenZero},
		{"overdue", FrozenZero},
		{"waiting", Waiting},
		{"counting", Counting},
		{"closed", NoTarget},
	}
	for _, tt := range tests {
		if got := a.CountdownFor(tt.id).Mode; got != tt.want {
			t.Errorf("CountdownFor(%s).Mode = %v, want %v", tt.id, got, tt.want)
		}
	}

	if cd := a.CountdownFor("counting"); cd.Remaining != 10*time.Hour {
		t.Errorf("counting remaining = %v, want 10h", cd.Remaining)
	}
	if cd := a.CountdownFor("missing"); cd.Mode != NoTarget {
		t.Errorf("unknown id mode = %v, want NoTarget", cd.Mode)
	}
}

func TestHasRunningPriorityCountdown(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.Local)
	pusher := &fakePusher{err: errors.New("offline")}
	a := New(pusher, WithClock(fixedClock(now)))

	// A priority announcement frozen at zero must not count as running.
	a.SyncAll([]*model.Announcement{
		{ID: "frozen", Status: model.StatusPriority,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 0}}},
		{ID: "active-counting", Status: model.StatusActive,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(30 * time.Hour)), TruckCount: 2}}},
	})
	if a.HasRunningPriorityCountdown() {
		t.Error("no priority announcement is counting, predicate should be false")
	}

	a.SyncAll([]*model.Announcement{
		{ID: "ticking", Status: model.StatusPriority,
			LoadingDates: []model.LoadingDate{{Date: wireTime(now.Add(10 * time.Hour)), TruckCount: 2}}},
	})
	if !a.HasRunningPriorityCountdown() {
		t.Error("a priority announcement is counting, predicate should be true")
	}
}

func TestPriorityIDs(t *testing.T) {
	pusher := &fakePusher{err: errors.New("offline")}
	a := New(pusher)

	a.SyncAll([]*model.Announcement{
		{ID: "b", Status: model.StatusPriority},
		{ID: "a", Status: "PRIORITY"},
		{ID: "c", Status: model.StatusActive},
	})

	ids := a.PriorityIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("PriorityIDs() = %v, want [a b]", ids)
	}
}

func TestUpsertNormalizesStatus(t *testing.T) {
	a := New(&fakePusher{err: errors.New("offline")})
	a.Upsert(&model.Announcement{ID: "a1", Status: " Active "})

	ann, ok := a.Get("a1")
	if !ok || ann.Status != model.StatusActive {
		t.Errorf("status = %q, want normalized active", ann.Status)
	}
}
