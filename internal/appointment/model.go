package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// State transitions:
//
//	pending -> confirmed -> in_progress -> completed
//	pending -> cancelled
//	confirmed -> cancelled
//	confirmed -> no_show
//
// cancelled -> pending is only reachable through Service.Reinstate, which
// re-runs the availability guard.
var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusNoShow:     {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active appointments occupy the practitioner's calendar.
func (s Status) Active() bool {
	return s != StatusCancelled
}

// Reschedulable reports whether the interval or practitioner may still change.
func (s Status) Reschedulable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func NewInterval(start, end time.Time) (Interval, error) {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return Interval{}, ErrInvalidInterval
	}
	return Interval{Start: start.UTC(), End: end.UTC()}, nil
}

// Overlaps reports whether two half-open intervals share any instant.
// Intervals that only touch at an endpoint do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && i.End.After(o.Start)
}

type Practitioner struct {
	ID          uuid.UUID
	Name        string
	Role        string
	Specialty   *string
	Schedulable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	PatientID      uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	Status         Status
	Type           string
	Reason         string
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (a *Appointment) Interval() Interval {
	return Interval{Start: a.StartTime, End: a.EndTime}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type CreateInput struct {
	PractitionerID uuid.UUID
	PatientID      uuid.UUID
	StartTime      time.Time
	EndTime        time.Time
	Type           string
	Reason         string
	Notes          string
}

// UpdateInput is a partial update; nil fields are left untouched.
type UpdateInput struct {
	PractitionerID *uuid.UUID
	StartTime      *time.Time
	EndTime        *time.Time
	Type           *string
	Reason         *string
	Notes          *string
}

// TouchesSchedule reports whether the update can move the appointment on a
// calendar, which is what triggers the availability guard.
func (u UpdateInput) TouchesSchedule() bool {
	return u.PractitionerID != nil || u.StartTime != nil || u.EndTime != nil
}

func (u UpdateInput) Empty() bool {
	return !u.TouchesSchedule() && u.Type == nil && u.Reason == nil && u.Notes == nil
}

type ListFilter struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         *Status
	From           *time.Time // appointments ending after From
	To             *time.Time // appointments starting before To
	Limit          int
	Offset         int
}

type Availability struct {
	Available bool
	Conflicts []Appointment
	Free      []Interval
}
