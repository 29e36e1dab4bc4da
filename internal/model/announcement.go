package model

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an announcement.
type Status string

const (
	StatusPriority Status = "priority"
	StatusActive   Status = "active"
	StatusCurrent  Status = "current"
	StatusClosed   Status = "closed"
	StatusDone     Status = "done"
)

// Normalize lowercases and trims a status received off the wire.
func (s Status) Normalize() Status {
	return Status(strings.ToLower(strings.TrimSpace(string(s))))
}

// Terminal reports whether the status is closed or done. Terminal
// announcements are never touched by auto-transitions.
func (s Status) Terminal() bool {
	n := s.Normalize()
	return n == StatusClosed || n == StatusDone
}

// Driver is one assignment record on an announcement.
type Driver struct {
	Name       string   `json:"name"`
	Surname    string   `json:"surname"`
	CarNumber  string   `json:"carNumber"`
	Date       string   `json:"date,omitempty"`
	Files      []string `json:"files,omitempty"`
	AssignedAt string   `json:"assignedAt,omitempty"`
	AddedBy    string   `json:"addedByNick,omitempty"`
}

// LoadingDate is one slot of the loading schedule. TruckCount is the
// remaining capacity for that date and never goes negative.
type LoadingDate struct {
	Date       string   `json:"date"`
	TruckCount int      `json:"truck_count"`
	Drivers    []Driver `json:"drivers,omitempty"`
}

// Comment is a free-text note attached to an announcement.
type Comment struct {
	User string `json:"user"`
	Text string `json:"text"`
	TS   string `json:"ts,omitempty"`
}

// Announcement is one freight-request record. The core reads and writes
// only the lifecycle fields; the rest travels opaquely between server and
// renderer.
type Announcement struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	LoadingDates []LoadingDate `json:"loading_dates,omitempty"`
	Ready        bool          `json:"ready,omitempty"`
	TimerTarget  string        `json:"timer_target,omitempty"`
	Drivers      []Driver      `json:"drivers,omitempty"`
	Comments     []Comment     `json:"comments,omitempty"`

	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Cargo       string `json:"cargo,omitempty"`
	Transport   string `json:"transport,omitempty"`
	Temperature string `json:"temperature,omitempty"`
	Weight      string `json:"weight,omitempty"`
	Price       string `json:"price,omitempty"`
	Note        string `json:"note,omitempty"`
	LastEditor  string `json:"last_editor,omitempty"`
	LastEditTS  string `json:"last_edit_ts,omitempty"`
	EditReason  string `json:"edit_reason,omitempty"`
}

// RemainingTrucks sums the remaining capacity across all loading dates.
// Returns -1 when no schedule is present, so "unknown" is distinguishable
// from "exhausted".
func (a *Announcement) RemainingTrucks() int {
	if len(a.LoadingDates) == 0 {
		return -1
	}
	total := 0
	for _, ld := range a.LoadingDates {
		if ld.TruckCount > 0 {
			total += ld.TruckCount
		}
	}
	return total
}

// AssignedDrivers counts assignment records both on the announcement and
// nested under individual loading dates.
func (a *Announcement) AssignedDrivers() int {
	n := len(a.Drivers)
	for _, ld := range a.LoadingDates {
		n += len(ld.Drivers)
	}
	return n
}

// EarliestLoadingDate returns the earliest parseable date of the schedule.
func (a *Announcement) EarliestLoadingDate() (time.Time, bool) {
	var best time.Time
	found := false
	for _, ld := range a.LoadingDates {
		t, ok := ParseWireTime(ld.Date)
		if !ok {
			continue
		}
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	return best, found
}

// EffectiveDeadline resolves the countdown target: a manual timer_target
// always wins; otherwise the earliest loading date. When the cargo is
// already loaded (ready) and no manual target exists there is no deadline.
func (a *Announcement) EffectiveDeadline() (time.Time, bool) {
	if a.TimerTarget != "" {
		if t, ok := ParseWireTime(a.TimerTarget); ok {
			return t, true
		}
	}
	if a.Ready {
		return time.Time{}, false
	}
	return a.EarliestLoadingDate()
}

// wireTimeLayouts are the timestamp shapes observed on the wire.
var wireTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseWireTime parses a timestamp in any accepted wire layout.
func ParseWireTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range wireTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
