package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-scheduling/internal/lock"
	"github.com/hackgods/clinic-appointment-scheduling/internal/metrics"
)

const (
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled   = "APPOINTMENT_RESCHEDULED"
	EventAppointmentUpdated       = "APPOINTMENT_UPDATED"
	EventAppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentReinstated    = "APPOINTMENT_REINSTATED"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	// attempts for a reschedule whose row changed under us
	maxLockAttempts = 3
)

// errCalendarMoved is returned inside the critical section when the
// appointment now belongs to a calendar other than the one we locked, or
// its placement changed between our read and the conditional write.
var errCalendarMoved = errors.New("appointment moved to another calendar")

type Options struct {
	NoShowGrace time.Duration
}

type Service struct {
	repo    Repository
	locker  lock.Locker
	checker *Checker
	opts    Options
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewService(repo Repository, locker lock.Locker, opts Options, log *zap.Logger, m *metrics.Collector) *Service {
	checker := NewChecker(repo)
	checker.observe = func(result string, took time.Duration) {
		m.AvailabilityChecks.WithLabelValues(result).Observe(took.Seconds())
	}

	return &Service{
		repo:    repo,
		locker:  locker,
		checker: checker,
		opts:    opts,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func calendarLockKey(practitionerID uuid.UUID) string {
	return "practitioner:" + practitionerID.String()
}

// withCalendar serializes fn with every other write to the practitioner's
// calendar and runs it in one storage transaction.
func (s *Service) withCalendar(ctx context.Context, practitionerID uuid.UUID, fn func(ctx context.Context, tx Repository) error) error {
	began := time.Now()
	acquired := false

	err := s.locker.WithLock(ctx, calendarLockKey(practitionerID), func(lockCtx context.Context) error {
		acquired = true
		s.metrics.LockWait.WithLabelValues("true").Observe(time.Since(began).Seconds())

		return s.repo.WithTx(lockCtx, func(tx Repository) error {
			return fn(lockCtx, tx)
		})
	})

	if !acquired {
		s.metrics.LockWait.WithLabelValues("false").Observe(time.Since(began).Seconds())
	}
	return err
}

// guard rejects the write when the target interval is taken on the
// practitioner's calendar. It reads through tx so that the check and the
// write share one transaction.
func (s *Service) guard(ctx context.Context, tx Repository, practitionerID uuid.UUID, interval Interval, self *uuid.UUID) error {
	ok, err := s.checker.bind(tx).IsAvailable(ctx, practitionerID, interval.Start, interval.End, self)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSchedulingConflict
	}
	return nil
}

func (s *Service) loadSchedulablePractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	p, err := s.repo.GetPractitionerByID(ctx, id)
	if err != nil {
		return nil, storageErr("load practitioner", err)
	}
	if !p.Schedulable {
		return nil, ErrPractitionerNotSchedulable
	}
	return p, nil
}

// CreateAppointment books a pending appointment. The availability check and
// the insert run under the practitioner's calendar lock and inside one
// transaction, so two concurrent bookings of the same slot cannot both land.
func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (*Appointment, error) {
	interval, err := NewInterval(in.StartTime, in.EndTime)
	if err != nil {
		s.recordWrite("create", err)
		return nil, err
	}

	if _, err := s.loadSchedulablePractitioner(ctx, in.PractitionerID); err != nil {
		s.recordWrite("create", err)
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, in.PatientID); err != nil {
		err = storageErr("load patient", err)
		s.recordWrite("create", err)
		return nil, err
	}

	var created *Appointment

	err = s.withCalendar(ctx, in.PractitionerID, func(ctx context.Context, tx Repository) error {
		if err := s.guard(ctx, tx, in.PractitionerID, interval, nil); err != nil {
			return err
		}

		appt, err := tx.InsertAppointment(ctx, Appointment{
			PractitionerID: in.PractitionerID,
			PatientID:      in.PatientID,
			StartTime:      interval.Start,
			EndTime:        interval.End,
			Status:         StatusPending,
			Type:           in.Type,
			Reason:         in.Reason,
			Notes:          in.Notes,
		})
		if err != nil {
			return storageErr("insert appointment", err)
		}

		created = appt
		return nil
	})

	s.recordWrite("create", err)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, created.ID, EventAppointmentCreated, map[string]any{
		"practitioner_id": created.PractitionerID.String(),
		"patient_id":      created.PatientID.String(),
		"start_time":      created.StartTime,
		"end_time":        created.EndTime,
	})

	return created, nil
}

// UpdateAppointment applies a partial update. When the practitioner or the
// interval is part of the payload the new placement is checked against the
// target calendar, excluding the appointment itself. On conflict nothing
// is written.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, in UpdateInput) (*Appointment, error) {
	if in.Empty() {
		return nil, ErrEmptyUpdate
	}

	if !in.TouchesSchedule() {
		updated, err := s.updateDetails(ctx, id, in)
		s.recordWrite("update", err)
		return updated, err
	}

	var (
		updated *Appointment
		before  Appointment
		err     error
	)

	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		current, loadErr := s.repo.GetAppointmentByID(ctx, id)
		if loadErr != nil {
			err = storageErr("load appointment", loadErr)
			break
		}

		target := current.PractitionerID
		if in.PractitionerID != nil {
			target = *in.PractitionerID
			if target != current.PractitionerID {
				if _, err = s.loadSchedulablePractitioner(ctx, target); err != nil {
					break
				}
			}
		}

		err = s.withCalendar(ctx, target, func(ctx context.Context, tx Repository) error {
			fresh, err := tx.GetAppointmentByID(ctx, id)
			if err != nil {
				return storageErr("load appointment", err)
			}
			if in.PractitionerID == nil && fresh.PractitionerID != target {
				return errCalendarMoved
			}
			if !fresh.Status.Reschedulable() {
				return ErrNotReschedulable
			}

			next := applyUpdate(*fresh, in)
			interval, err := NewInterval(next.StartTime, next.EndTime)
			if err != nil {
				return err
			}
			next.StartTime, next.EndTime = interval.Start, interval.End

			self := fresh.ID
			if err := s.guard(ctx, tx, next.PractitionerID, interval, &self); err != nil {
				return err
			}

			saved, err := tx.RescheduleAppointment(ctx, *fresh, next)
			if errors.Is(err, ErrAppointmentChanged) {
				// moved or changed status after our read; only retry if a
				// reschedule is still allowed
				latest, err := tx.GetAppointmentByID(ctx, id)
				if err != nil {
					return storageErr("load appointment", err)
				}
				if !latest.Status.Reschedulable() {
					return ErrNotReschedulable
				}
				return errCalendarMoved
			}
			if err != nil {
				return storageErr("reschedule appointment", err)
			}

			before = *fresh
			updated = saved
			return nil
		})

		if !errors.Is(err, errCalendarMoved) {
			break
		}
	}

	if errors.Is(err, errCalendarMoved) {
		err = lock.ErrLockNotAcquired
	}

	s.recordWrite("reschedule", err)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentRescheduled, map[string]any{
		"from_practitioner_id": before.PractitionerID.String(),
		"from_start_time":      before.StartTime,
		"from_end_time":        before.EndTime,
		"practitioner_id":      updated.PractitionerID.String(),
		"start_time":           updated.StartTime,
		"end_time":             updated.EndTime,
	})

	return updated, nil
}

// updateDetails changes descriptive fields only; the calendar is untouched
// so no lock or availability check is needed.
func (s *Service) updateDetails(ctx context.Context, id uuid.UUID, in UpdateInput) (*Appointment, error) {
	var updated *Appointment

	err := s.repo.WithTx(ctx, func(tx Repository) error {
		current, err := tx.GetAppointmentByID(ctx, id)
		if err != nil {
			return storageErr("load appointment", err)
		}

		saved, err := tx.UpdateAppointment(ctx, applyUpdate(*current, in))
		if err != nil {
			return storageErr("update appointment", err)
		}
		updated = saved
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentUpdated, map[string]any{})
	return updated, nil
}

func applyUpdate(a Appointment, in UpdateInput) Appointment {
	if in.PractitionerID != nil {
		a.PractitionerID = *in.PractitionerID
	}
	if in.StartTime != nil {
		a.StartTime = *in.StartTime
	}
	if in.EndTime != nil {
		a.EndTime = *in.EndTime
	}
	if in.Type != nil {
		a.Type = *in.Type
	}
	if in.Reason != nil {
		a.Reason = *in.Reason
	}
	if in.Notes != nil {
		a.Notes = *in.Notes
	}
	return a
}

// TransitionStatus moves an appointment along the status state machine.
// Status changes never move the appointment on the calendar, so the guard
// is not consulted; reinstating a cancelled appointment goes through
// Reinstate instead.
func (s *Service) TransitionStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, storageErr("load appointment", err)
	}

	if appt.Status == StatusCancelled && to == StatusPending {
		return s.Reinstate(ctx, id)
	}

	if !appt.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, appt.Status, to)
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, appt.Status, to)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// status changed under us between the read and the conditional update
			err = fmt.Errorf("%w: %s changed concurrently", ErrInvalidStatusTransition, appt.ID)
		} else {
			err = storageErr("update appointment status", err)
		}
		s.recordWrite("status", err)
		return nil, err
	}
	s.recordWrite("status", nil)

	s.logEvent(ctx, updated.ID, EventAppointmentStatusChanged, map[string]any{
		"from": appt.Status,
		"to":   updated.Status,
	})

	return updated, nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.TransitionStatus(ctx, id, StatusConfirmed)
}

func (s *Service) Start(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.TransitionStatus(ctx, id, StatusInProgress)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.TransitionStatus(ctx, id, StatusCompleted)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.TransitionStatus(ctx, id, StatusCancelled)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.TransitionStatus(ctx, id, StatusNoShow)
}

// Reinstate brings a cancelled appointment back to pending. It is treated
// exactly like a fresh booking of the same interval.
func (s *Service) Reinstate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, storageErr("load appointment", err)
	}
	if appt.Status != StatusCancelled {
		return nil, fmt.Errorf("%w: only cancelled appointments can be reinstated", ErrInvalidStatusTransition)
	}
	if _, err := s.loadSchedulablePractitioner(ctx, appt.PractitionerID); err != nil {
		return nil, err
	}

	var reinstated *Appointment

	err = s.withCalendar(ctx, appt.PractitionerID, func(ctx context.Context, tx Repository) error {
		self := appt.ID
		if err := s.guard(ctx, tx, appt.PractitionerID, appt.Interval(), &self); err != nil {
			return err
		}

		updated, err := tx.UpdateAppointmentStatus(ctx, appt.ID, StatusCancelled, StatusPending)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return fmt.Errorf("%w: %s changed concurrently", ErrInvalidStatusTransition, appt.ID)
			}
			return storageErr("reinstate appointment", err)
		}
		reinstated = updated
		return nil
	})

	s.recordWrite("reinstate", err)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, reinstated.ID, EventAppointmentReinstated, map[string]any{})
	return reinstated, nil
}

// MarkNoShows is intended to be called by the worker periodically. Confirmed
// appointments whose start passed more than the grace period ago become
// no_show.
func (s *Service) MarkNoShows(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.NoShowGrace)

	candidates, err := s.repo.FindStaleConfirmed(ctx, cutoff)
	if err != nil {
		return 0, storageErr("find stale confirmed appointments", err)
	}

	marked := 0
	for _, appt := range candidates {
		_, err := s.repo.UpdateAppointmentStatus(ctx, appt.ID, StatusConfirmed, StatusNoShow)
		if err != nil {
			if !errors.Is(err, ErrAppointmentNotFound) {
				s.log.Error("failed to mark appointment as no_show",
					zap.Stringer("appointment_id", appt.ID), zap.Error(err))
			}
			continue
		}
		marked++
		s.metrics.NoShowsMarked.Inc()
		s.logEvent(ctx, appt.ID, EventAppointmentStatusChanged, map[string]any{
			"from":   StatusConfirmed,
			"to":     StatusNoShow,
			"reason": "worker",
		})
	}

	return marked, nil
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, storageErr("get appointment", err)
	}
	return appt, nil
}

func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *f.Status)
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, storageErr("list appointments", err)
	}
	return appointments, nil
}

// IsAvailable is the explicit query form of the booking guard.
func (s *Service) IsAvailable(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (bool, error) {
	interval, err := NewInterval(start, end)
	if err != nil {
		return false, err
	}
	return s.checker.IsAvailable(ctx, practitionerID, interval.Start, interval.End, excludeID)
}

// Availability reports whether the window is free and, if not, what is in
// the way and which gaps remain.
func (s *Service) Availability(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (*Availability, error) {
	window, err := NewInterval(start, end)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetPractitionerByID(ctx, practitionerID); err != nil {
		return nil, storageErr("load practitioner", err)
	}

	conflicts, err := s.checker.Conflicts(ctx, practitionerID, window.Start, window.End, excludeID)
	if err != nil {
		return nil, err
	}

	return &Availability{
		Available: len(conflicts) == 0,
		Conflicts: conflicts,
		Free:      freeGaps(window, conflicts),
	}, nil
}

func (s *Service) recordWrite(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrSchedulingConflict):
		outcome = "conflict"
		s.metrics.SchedulingConflicts.Inc()
	case errors.Is(err, lock.ErrLockNotAcquired):
		outcome = "busy"
	case isStorageError(err) || isLockBackendError(err):
		outcome = "error"
		s.log.Error("appointment write failed", zap.String("op", op), zap.Error(err))
	default:
		outcome = "rejected"
	}
	s.metrics.AppointmentWrites.WithLabelValues(op, outcome).Inc()
}

func isStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func isLockBackendError(err error) bool {
	var le *lock.BackendError
	return errors.As(err, &le)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.Stringer("appointment_id", appointmentID),
			zap.Error(err))
	}
}
