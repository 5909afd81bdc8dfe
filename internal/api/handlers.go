package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
	"github.com/hackgods/clinic-appointment-scheduling/internal/lock"
)

type appointmentHandler struct {
	svc AppointmentService
	log *zap.Logger
}

func (h *appointmentHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	practitionerID, err := uuid.Parse(req.PractitionerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	appt, err := h.svc.CreateAppointment(r.Context(), appointment.CreateInput{
		PractitionerID: practitionerID,
		PatientID:      patientID,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		Type:           req.Type,
		Reason:         req.Reason,
		Notes:          req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *appointmentHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}

	var req UpdateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	in := appointment.UpdateInput{
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Type:      req.Type,
		Reason:    req.Reason,
		Notes:     req.Notes,
	}
	if req.PractitionerID != nil {
		pid, err := uuid.Parse(*req.PractitionerID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
			return
		}
		in.PractitionerID = &pid
	}

	appt, err := h.svc.UpdateAppointment(r.Context(), id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *appointmentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentIDParam(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *appointmentHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f appointment.ListFilter

	if v := q.Get("practitioner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id must be a valid UUID")
			return
		}
		f.PractitionerID = &id
	}
	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		f.PatientID = &id
	}
	if v := q.Get("status"); v != "" {
		st := appointment.Status(v)
		f.Status = &st
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be an RFC3339 timestamp")
			return
		}
		*p.dst = &t
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_"+p.name, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}

	list, err := h.svc.ListAppointments(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ListAppointmentsResponse{
		Appointments: toAppointmentResponses(list),
		Limit:        f.Limit,
		Offset:       f.Offset,
	})
}

// transition builds a handler for one of the status actions.
func (h *appointmentHandler) transition(action func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		appt, err := action(r.Context(), id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *appointmentHandler) availability(w http.ResponseWriter, r *http.Request) {
	practitionerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "id must be a valid UUID")
		return
	}

	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", "start must be an RFC3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", "end must be an RFC3339 timestamp")
		return
	}

	var exclude *uuid.UUID
	if v := q.Get("exclude"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_exclude", "exclude must be a valid UUID")
			return
		}
		exclude = &id
	}

	av, err := h.svc.Availability(r.Context(), practitionerID, start, end, exclude)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	free := make([]IntervalResponse, 0, len(av.Free))
	for _, iv := range av.Free {
		free = append(free, IntervalResponse{Start: iv.Start, End: iv.End})
	}

	writeJSON(w, http.StatusOK, AvailabilityResponse{
		PractitionerID: practitionerID,
		Start:          start.UTC(),
		End:            end.UTC(),
		Available:      av.Available,
		Conflicts:      toAppointmentResponses(av.Conflicts),
		Free:           free,
	})
}

func appointmentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *appointmentHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		storageErr *appointment.StorageError
		lockErr    *lock.BackendError
	)

	switch {
	case errors.Is(err, appointment.ErrSchedulingConflict):
		writeError(w, http.StatusBadRequest, "scheduling_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, "invalid_interval", err.Error())
	case errors.Is(err, appointment.ErrEmptyUpdate):
		writeError(w, http.StatusBadRequest, "empty_update", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case errors.Is(err, appointment.ErrPractitionerNotSchedulable):
		writeError(w, http.StatusBadRequest, "practitioner_not_schedulable", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPractitionerNotFound):
		writeError(w, http.StatusNotFound, "practitioner_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrNotReschedulable):
		writeError(w, http.StatusConflict, "not_reschedulable", err.Error())
	case errors.Is(err, lock.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "practitioner_busy", "another booking for this practitioner is in progress, retry")
	case errors.As(err, &lockErr):
		h.log.Error("calendar lock unavailable",
			zap.String("op", lockErr.Op),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(lockErr.Err),
		)
		writeError(w, http.StatusServiceUnavailable, "lock_unavailable", "calendar lock store is unavailable, retry")
	case errors.As(err, &storageErr):
		h.log.Error("storage unavailable",
			zap.String("op", storageErr.Op),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(storageErr.Err),
		)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "appointment storage is unavailable")
	default:
		h.log.Error("unhandled service error",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to process request")
	}
}
