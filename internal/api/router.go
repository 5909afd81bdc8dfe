package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-scheduling/internal/appointment"
	"github.com/hackgods/clinic-appointment-scheduling/internal/auth"
	"github.com/hackgods/clinic-appointment-scheduling/internal/metrics"
)

// AppointmentService is the part of appointment.Service the HTTP layer uses.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error)
	UpdateAppointment(ctx context.Context, id uuid.UUID, in appointment.UpdateInput) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, f appointment.ListFilter) ([]appointment.Appointment, error)
	Confirm(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Start(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Reinstate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Availability(ctx context.Context, practitionerID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (*appointment.Availability, error)
}

type RouterConfig struct {
	Service      AppointmentService
	Verifier     *auth.Verifier // nil disables token verification
	Dependencies []Dependency
	Metrics      *metrics.Collector
	Logger       *zap.Logger
	Env          string
	Version      string
}

var (
	booking  = []auth.Role{auth.RoleAdmin, auth.RoleReceptionist, auth.RoleDoctor}
	clinical = []auth.Role{auth.RoleAdmin, auth.RoleDoctor, auth.RoleNurse}
	anyone   = []auth.Role{auth.RoleAdmin, auth.RoleReceptionist, auth.RoleDoctor, auth.RoleNurse, auth.RolePatient}
)

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	health := NewHealthHandler(cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}

	h := &appointmentHandler{svc: cfg.Service, log: cfg.Logger}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Verifier))

		r.With(RequireRole(anyone...)).Get("/appointments", h.list)
		r.With(RequireRole(anyone...)).Get("/appointments/{id}", h.get)
		r.With(RequireRole(anyone...)).Get("/practitioners/{id}/availability", h.availability)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(booking...))
			r.Post("/appointments", h.create)
			r.Patch("/appointments/{id}", h.update)
			r.Post("/appointments/{id}/confirm", h.transition(cfg.Service.Confirm))
			r.Post("/appointments/{id}/cancel", h.transition(cfg.Service.Cancel))
			r.Post("/appointments/{id}/reinstate", h.transition(cfg.Service.Reinstate))
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(clinical...))
			r.Post("/appointments/{id}/start", h.transition(cfg.Service.Start))
			r.Post("/appointments/{id}/complete", h.transition(cfg.Service.Complete))
			r.Post("/appointments/{id}/no-show", h.transition(cfg.Service.MarkNoShow))
		})
	})

	return r
}
