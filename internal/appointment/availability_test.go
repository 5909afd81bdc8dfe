package appointment

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_IsAvailable(t *testing.T) {
	repo := newFakeRepository()
	doc := repo.addPractitioner(true)
	other := repo.addPractitioner(true)
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("09:00"), EndTime: at("09:30")})
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("11:00"), EndTime: at("11:30"), Status: StatusCancelled})

	checker := NewChecker(repo)
	ctx := context.Background()

	tests := []struct {
		name         string
		practitioner uuid.UUID
		window       Interval
		want         bool
	}{
		{"overlapping start", doc, span("09:15", "09:45"), false},
		{"touching boundary", doc, span("09:30", "10:00"), true},
		{"ending at start", doc, span("08:30", "09:00"), true},
		{"cancelled slot is free", doc, span("11:00", "11:30"), true},
		{"other practitioner", other, span("09:00", "09:30"), true},
		{"enclosing", doc, span("08:00", "12:00"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := checker.IsAvailable(ctx, tt.practitioner, tt.window.Start, tt.window.End, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestChecker_ExcludesSelf(t *testing.T) {
	repo := newFakeRepository()
	doc := repo.addPractitioner(true)
	x := repo.seed(Appointment{PractitionerID: doc, StartTime: at("10:00"), EndTime: at("10:30")})

	checker := NewChecker(repo)

	ok, err := checker.IsAvailable(context.Background(), doc, at("10:00"), at("10:30"), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = checker.IsAvailable(context.Background(), doc, at("10:00"), at("10:30"), &x.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChecker_Idempotent(t *testing.T) {
	repo := newFakeRepository()
	doc := repo.addPractitioner(true)
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("09:00"), EndTime: at("09:30")})

	checker := NewChecker(repo)
	before := len(repo.appointments)

	for i := 0; i < 5; i++ {
		ok, err := checker.IsAvailable(context.Background(), doc, at("09:15"), at("09:45"), nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = checker.IsAvailable(context.Background(), doc, at("10:00"), at("10:30"), nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Len(t, repo.appointments, before)
	assert.Equal(t, 10, repo.findCalls)
}

func TestChecker_StorageErrorPropagates(t *testing.T) {
	repo := newFakeRepository()
	doc := repo.addPractitioner(true)
	connErr := errors.New("connection reset by peer")
	repo.findErr = connErr

	ok, err := NewChecker(repo).IsAvailable(context.Background(), doc, at("09:00"), at("09:30"), nil)

	assert.False(t, ok)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, connErr)
	assert.Equal(t, 1, repo.findCalls, "the checker must not retry")
}

func TestChecker_RefiltersFinderResults(t *testing.T) {
	doc := uuid.New()
	finder := finderFunc(func() []Appointment {
		// a sloppy finder returning a superset of candidates
		return []Appointment{
			{ID: uuid.New(), PractitionerID: doc, StartTime: at("08:00"), EndTime: at("09:00"), Status: StatusConfirmed},
			{ID: uuid.New(), PractitionerID: doc, StartTime: at("09:00"), EndTime: at("09:30"), Status: StatusCancelled},
			{ID: uuid.New(), PractitionerID: uuid.New(), StartTime: at("09:00"), EndTime: at("09:30"), Status: StatusConfirmed},
		}
	})

	ok, err := NewChecker(finder).IsAvailable(context.Background(), doc, at("09:00"), at("09:30"), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_AvailabilityFreeGaps(t *testing.T) {
	f := newFixture(t, noopLocker{})
	repo, doc := f.repo, f.doc
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("08:30"), EndTime: at("09:15")})
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("10:00"), EndTime: at("10:30")})
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("10:15"), EndTime: at("11:00")})
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("11:00"), EndTime: at("11:30"), Status: StatusCancelled})
	repo.seed(Appointment{PractitionerID: doc, StartTime: at("11:45"), EndTime: at("13:00")})

	av, err := f.svc.Availability(context.Background(), doc, at("09:00"), at("12:00"), nil)
	require.NoError(t, err)

	assert.False(t, av.Available)
	assert.Len(t, av.Conflicts, 4)
	assert.Equal(t, []Interval{
		span("09:15", "10:00"),
		span("11:00", "11:45"),
	}, av.Free)
}

func TestFreeGaps(t *testing.T) {
	window := span("09:00", "10:00")

	assert.Equal(t, []Interval{window}, freeGaps(window, nil))

	full := []Appointment{{StartTime: at("08:00"), EndTime: at("11:00")}}
	assert.Empty(t, freeGaps(window, full))

	touching := []Appointment{
		{StartTime: at("09:00"), EndTime: at("09:20")},
		{StartTime: at("09:20"), EndTime: at("09:40")},
	}
	assert.Equal(t, []Interval{span("09:40", "10:00")}, freeGaps(window, touching))
}

type finderFunc func() []Appointment

func (f finderFunc) FindActiveInWindow(ctx context.Context, practitionerID uuid.UUID, window Interval, excludeID *uuid.UUID) ([]Appointment, error) {
	return f(), nil
}
