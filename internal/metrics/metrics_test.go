package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_IndependentRegistries(t *testing.T) {
	a := NewCollector()
	b := NewCollector()

	a.SchedulingConflicts.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.SchedulingConflicts))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SchedulingConflicts))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.AppointmentWrites.WithLabelValues("create", "ok").Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "clinic_scheduling_appointments_writes_total"))
}
