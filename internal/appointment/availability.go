package appointment

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Checker answers whether a practitioner is free for an interval.
// It owns no state and never writes.
type Checker struct {
	finder  ActiveFinder
	observe func(result string, took time.Duration)
}

func NewChecker(finder ActiveFinder) *Checker {
	return &Checker{finder: finder}
}

// bind returns a checker reading through finder, e.g. a transaction.
func (c *Checker) bind(finder ActiveFinder) *Checker {
	return &Checker{finder: finder, observe: c.observe}
}

// IsAvailable reports whether [start, end) is free on the practitioner's
// calendar. Ordering of start and end is the caller's responsibility.
func (c *Checker) IsAvailable(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (bool, error) {
	conflicts, err := c.Conflicts(ctx, practitionerID, start, end, excludeID)
	if err != nil {
		return false, err
	}
	return len(conflicts) == 0, nil
}

// Conflicts returns the active appointments overlapping [start, end).
func (c *Checker) Conflicts(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]Appointment, error) {
	began := time.Now()
	candidate := Interval{Start: start, End: end}

	existing, err := c.finder.FindActiveInWindow(ctx, practitionerID, candidate, excludeID)
	if err != nil {
		c.record("error", began)
		return nil, storageErr("find active appointments", err)
	}

	var conflicts []Appointment
	for _, a := range existing {
		if !a.Status.Active() || a.PractitionerID != practitionerID {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if a.Interval().Overlaps(candidate) {
			conflicts = append(conflicts, a)
		}
	}

	if len(conflicts) == 0 {
		c.record("free", began)
	} else {
		c.record("busy", began)
	}
	return conflicts, nil
}

// freeGaps returns the parts of window not covered by busy, sorted and
// non-overlapping.
func freeGaps(window Interval, busy []Appointment) []Interval {
	sort.Slice(busy, func(i, j int) bool {
		return busy[i].StartTime.Before(busy[j].StartTime)
	})

	var free []Interval
	cursor := window.Start
	for _, a := range busy {
		if a.StartTime.After(cursor) {
			end := a.StartTime
			if end.After(window.End) {
				end = window.End
			}
			free = append(free, Interval{Start: cursor, End: end})
		}
		if a.EndTime.After(cursor) {
			cursor = a.EndTime
		}
		if !cursor.Before(window.End) {
			return free
		}
	}
	if cursor.Before(window.End) {
		free = append(free, Interval{Start: cursor, End: window.End})
	}
	return free
}

func (c *Checker) record(result string, began time.Time) {
	if c.observe != nil {
		c.observe(result, time.Since(began))
	}
}
