package board

import (
	"fmt"
	"time"

	"github.com/jmtg/boardd/internal/model"
)

// AssignDriver appends an assignment record and consumes one truck slot on
// the chosen loading date (the single collapsed slot when the cargo is
// ready). The count clamps at zero. When the total remaining capacity hits
// zero the exhaustion rule transitions the announcement to current, once.
// Returns a copy of the updated record for the caller to push.
func (a *Automaton) AssignDriver(id string, driver model.Driver, date string) (*model.Announcement, error) {
	a.mu.Lock()
	ann, ok := a.entities[id]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}

	if driver.AssignedAt == "" {
		driver.AssignedAt = a.now().Format(time.RFC3339)
	}
	driver.Date = date
	ann.Drivers = append(ann.Drivers, driver)

	if ann.Ready {
		if len(ann.LoadingDates) > 0 {
			ann.LoadingDates[0].TruckCount = clampZero(ann.LoadingDates[0].TruckCount - 1)
		}
	} else {
		for i := range ann.LoadingDates {
			if ann.LoadingDates[i].Date == date {
				ann.LoadingDates[i].TruckCount = clampZero(ann.LoadingDates[i].TruckCount - 1)
				break
			}
		}
	}

	cp := *ann
	a.mu.Unlock()

	a.Evaluate(id)
	return &cp, nil
}

// RemoveDriver deletes an assignment by index and returns its truck slot to
// the schedule. Freed capacity flips the announcement back to priority so
// the slot gets attention again; that is an authoritative write, not a
// guarded auto-transition.
func (a *Automaton) RemoveDriver(id string, idx int) (*model.Announcement, error) {
	a.mu.Lock()
	ann, ok := a.entities[id]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if idx < 0 || idx >= len(ann.Drivers) {
		a.mu.Unlock()
		return nil, fmt.Errorf("driver index %d out of range", idx)
	}

	driver := ann.Drivers[idx]
	if driver.Date != "" {
		if ann.Ready {
			if len(ann.LoadingDates) > 0 {
				ann.LoadingDates[0].TruckCount++
			}
		} else {
			for i := range ann.LoadingDates {
				if ann.LoadingDates[i].Date == driver.Date {
					ann.LoadingDates[i].TruckCount++
					break
				}
			}
		}
	}
	ann.Drivers = append(ann.Drivers[:idx], ann.Drivers[idx+1:]...)

	freed := ann.RemainingTrucks() > 0
	if freed && !ann.Status.Terminal() {
		ann.Status = model.StatusPriority
	}
	status := ann.Status
	cp := *ann
	a.mu.Unlock()

	if freed && a.onStatus != nil {
		a.onStatus(id, status)
	}
	return &cp, nil
}

// TimerAdjustment is a relative deadline offset. Minutes are clamped to
// [-59, 59]; days and hours may be any sign.
type TimerAdjustment struct {
	Days    int
	Hours   int
	Minutes int
}

// Offset converts the adjustment to a duration.
func (adj TimerAdjustment) Offset() time.Duration {
	m := adj.Minutes
	if m > 59 {
		m = 59
	}
	if m < -59 {
		m = -59
	}
	total := (adj.Days*24+adj.Hours)*60 + m
	return time.Duration(total) * time.Minute
}

// AdjustTimer shifts the effective deadline by a relative offset and
// persists the result as the manual deadline; with no deadline to shift the
// offset applies from now. Negative components just subtract, they are not
// an error. An explicit manual target always beats the cargo ready
// collapse, so the ready flag is cleared; the announcement's one-shot
// guards are reset because its effective state materially changed.
// Returns the new target and a copy of the updated record.
func (a *Automaton) AdjustTimer(id string, adj TimerAdjustment) (time.Time, *model.Announcement, error) {
	a.mu.Lock()
	ann, ok := a.entities[id]
	if !ok {
		a.mu.Unlock()
		return time.Time{}, nil, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if ann.Status.Terminal() {
		a.mu.Unlock()
		return time.Time{}, nil, fmt.Errorf("announcement %s is %s, timer is locked", id, ann.Status)
	}

	base, ok := ann.EffectiveDeadline()
	if !ok {
		base = a.now()
	}
	target := base.Add(adj.Offset())
	ann.TimerTarget = target.Format(time.RFC3339)
	ann.Ready = false
	cp := *ann
	a.mu.Unlock()

	a.ResetGuards(id)
	a.Evaluate(id)
	return target, &cp, nil
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
