package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeRepository is an in-memory Repository. WithTx does not isolate
// anything, so concurrent writers race exactly like the unprotected
// check-then-act sequence would against a real store.
type fakeRepository struct {
	mu            sync.Mutex
	practitioners map[uuid.UUID]Practitioner
	patients      map[uuid.UUID]Patient
	appointments  map[uuid.UUID]Appointment
	events        []EventLog

	findErr   error
	insertErr error
	eventErr  error
	findCalls int

	// afterFind runs after every FindActiveInWindow, outside the mutex.
	afterFind func()
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		practitioners: make(map[uuid.UUID]Practitioner),
		patients:      make(map[uuid.UUID]Patient),
		appointments:  make(map[uuid.UUID]Appointment),
	}
}

func (r *fakeRepository) addPractitioner(schedulable bool) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.practitioners[id] = Practitioner{ID: id, Name: "Dr. " + id.String()[:8], Role: "doctor", Schedulable: schedulable}
	return id
}

func (r *fakeRepository) addPatient() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New()
	r.patients[id] = Patient{ID: id, Name: "patient " + id.String()[:8]}
	return id
}

// seed stores an appointment directly, bypassing the guard.
func (r *fakeRepository) seed(a Appointment) Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusConfirmed
	}
	r.appointments[a.ID] = a
	return a
}

// reassign moves an appointment to another practitioner behind the
// service's back.
func (r *fakeRepository) reassign(id, practitionerID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.appointments[id]
	a.PractitionerID = practitionerID
	r.appointments[id] = a
}

func (r *fakeRepository) active(practitionerID uuid.UUID) []Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.PractitionerID == practitionerID && a.Status != StatusCancelled {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (r *fakeRepository) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (r *fakeRepository) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.practitioners[id]
	if !ok {
		return nil, ErrPractitionerNotFound
	}
	return &p, nil
}

func (r *fakeRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *fakeRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *fakeRepository) FindActiveInWindow(ctx context.Context, practitionerID uuid.UUID, window Interval, excludeID *uuid.UUID) ([]Appointment, error) {
	r.mu.Lock()
	r.findCalls++
	if r.findErr != nil {
		err := r.findErr
		r.mu.Unlock()
		return nil, err
	}

	var out []Appointment
	for _, a := range r.appointments {
		if a.PractitionerID != practitionerID || a.Status == StatusCancelled {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if a.StartTime.Before(window.End) && a.EndTime.After(window.Start) {
			out = append(out, a)
		}
	}
	hook := r.afterFind
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

func (r *fakeRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.insertErr != nil {
		return nil, r.insertErr
	}

	now := time.Now()
	a.ID = uuid.New()
	a.CreatedAt = now
	a.UpdatedAt = now
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *fakeRepository) UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = current.Status
	a.CreatedAt = current.CreatedAt
	a.UpdatedAt = time.Now()
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *fakeRepository) RescheduleAppointment(ctx context.Context, prev, next Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.appointments[prev.ID]
	if !ok ||
		current.Status != prev.Status ||
		!current.Status.Reschedulable() ||
		current.PractitionerID != prev.PractitionerID ||
		!current.StartTime.Equal(prev.StartTime) ||
		!current.EndTime.Equal(prev.EndTime) {
		return nil, ErrAppointmentChanged
	}

	next.ID = prev.ID
	next.Status = current.Status
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now()
	r.appointments[next.ID] = next
	return &next, nil
}

func (r *fakeRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	r.appointments[id] = a
	return &a, nil
}

func (r *fakeRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if f.PractitionerID != nil && a.PractitionerID != *f.PractitionerID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && !a.EndTime.After(*f.From) {
			continue
		}
		if f.To != nil && !a.StartTime.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeRepository) FindStaleConfirmed(ctx context.Context, startedBefore time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusConfirmed && a.StartTime.Before(startedBefore) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eventErr != nil {
		return r.eventErr
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRepository) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	return fn(r)
}
