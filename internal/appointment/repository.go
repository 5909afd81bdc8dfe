package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActiveFinder is the single query the availability checker needs.
type ActiveFinder interface {
	// FindActiveInWindow returns the practitioner's non-cancelled appointments
	// with start_time < window.End and end_time > window.Start, skipping
	// excludeID when set.
	FindActiveInWindow(ctx context.Context, practitionerID uuid.UUID, window Interval, excludeID *uuid.UUID) ([]Appointment, error)
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	ActiveFinder

	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Creation and updates
	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	// RescheduleAppointment moves prev to next's practitioner and interval
	// only if the stored row still has prev's status and placement.
	RescheduleAppointment(ctx context.Context, prev, next Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// No-show worker
	FindStaleConfirmed(ctx context.Context, startedBefore time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error

	// WithTx runs fn against a repository bound to one transaction.
	WithTx(ctx context.Context, fn func(tx Repository) error) error
}
