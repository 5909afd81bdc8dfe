package appointment

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-appointment-scheduling/internal/db"
)

func TestMapWriteError(t *testing.T) {
	plain := errors.New("broken pipe")

	tests := []struct {
		name string
		in   error
		want error
	}{
		{"exclusion", &pgconn.PgError{Code: pgExclusionViolation, ConstraintName: "appointments_no_overlap"}, ErrSchedulingConflict},
		{"interval check", &pgconn.PgError{Code: pgCheckViolation, ConstraintName: "appointments_interval_check"}, ErrInvalidInterval},
		{"practitioner fk", &pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "appointments_practitioner_id_fkey"}, ErrPractitionerNotFound},
		{"patient fk", &pgconn.PgError{Code: pgForeignKeyViolation, ConstraintName: "appointments_patient_id_fkey"}, ErrPatientNotFound},
		{"not a pg error", plain, plain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapWriteError(tt.in), tt.want)
		})
	}

	other := &pgconn.PgError{Code: "23505"}
	assert.Same(t, error(other), mapWriteError(other))
}

// newTestPool connects to TEST_POSTGRES_DSN and applies the schema. The
// database is expected to be disposable.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.Migrate(ctx, pool)
	require.NoError(t, err)

	return pool
}

func TestPgRepository_ExclusionConstraint(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	repo := NewPgRepository(pool)

	doc, patient := uuid.New(), uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO practitioners (id, name, role) VALUES ($1, 'Dr. Test', 'doctor')`, doc)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO patients (id, name) VALUES ($1, 'Test Patient')`, patient)
	require.NoError(t, err)

	start := time.Now().Add(24 * time.Hour).Truncate(time.Minute).UTC()
	first, err := repo.InsertAppointment(ctx, Appointment{
		PractitionerID: doc, PatientID: patient, StartTime: start, EndTime: start.Add(30 * time.Minute), Status: StatusPending,
	})
	require.NoError(t, err)

	// bypass the service guard: the database itself must refuse the overlap
	_, err = repo.InsertAppointment(ctx, Appointment{
		PractitionerID: doc, PatientID: patient, StartTime: start.Add(15 * time.Minute), EndTime: start.Add(45 * time.Minute), Status: StatusPending,
	})
	assert.ErrorIs(t, err, ErrSchedulingConflict)

	touching, err := repo.InsertAppointment(ctx, Appointment{
		PractitionerID: doc, PatientID: patient, StartTime: start.Add(30 * time.Minute), EndTime: start.Add(time.Hour), Status: StatusPending,
	})
	require.NoError(t, err)

	found, err := repo.FindActiveInWindow(ctx, doc, Interval{Start: start, End: start.Add(time.Hour)}, &first.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, touching.ID, found[0].ID)

	_, err = repo.UpdateAppointmentStatus(ctx, first.ID, StatusPending, StatusCancelled)
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(tx Repository) error {
		_, err := tx.InsertAppointment(ctx, Appointment{
			PractitionerID: doc, PatientID: patient, StartTime: start, EndTime: start.Add(30 * time.Minute), Status: StatusPending,
		})
		return err
	})
	assert.NoError(t, err, "a cancelled appointment frees its slot")
}
