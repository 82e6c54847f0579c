package progress

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/badges"
	"activity-sync/internal/common"
	"activity-sync/internal/database"
)

var start = civil.Date{Year: 2024, Month: 3, Day: 1}

type fixture struct {
	db   *database.DB
	calc *Calculator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{db: db, calc: New(db, badges.New(db, nil), nil)}
}

func (f *fixture) challenge(t *testing.T, c *database.Challenge) *database.Challenge {
	t.Helper()
	if c.Name == "" {
		c.Name = "test"
	}
	if c.StartDate == (civil.Date{}) {
		c.StartDate = start
	}
	c.Visible = true
	require.NoError(t, f.db.CreateChallenge(context.Background(), c))
	return c
}

func (f *fixture) join(t *testing.T, challengeID, userID int64) {
	t.Helper()
	_, err := f.db.JoinChallenge(context.Background(), challengeID, userID)
	require.NoError(t, err)
}

func (f *fixture) steps(t *testing.T, userID int64, from civil.Date, values ...int64) {
	t.Helper()
	for i, v := range values {
		err := f.db.UpsertDailyActivity(context.Background(), &database.DailyActivity{
			UserID: userID, Date: from.AddDays(i), Steps: v, DataSource: "test",
		})
		require.NoError(t, err)
	}
}

func ptr[T any](v T) *T { return &v }

func TestTotalAmountCompletes(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveTotalAmount,
		GoalAmount: 50000, DurationDays: 5, BadgeID: ptr(int64(9)),
	})
	f.join(t, ch.ID, 1)
	f.steps(t, 1, start, 12000, 9000, 11000, 10000, 8000)

	results, err := f.calc.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, 50000.0, r.Progress)
	assert.Equal(t, 50000.0, r.GoalAmount)
	assert.True(t, r.IsCompleted)
	assert.True(t, r.JustCompleted)
	assert.True(t, r.BadgeAwarded)
	assert.Equal(t, StateCompleted, r.State)

	// A second run changes nothing and awards nothing
	results, err = f.calc.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.NoError(t, err)
	assert.Equal(t, 50000.0, results[0].Progress)
	assert.True(t, results[0].IsCompleted)
	assert.False(t, results[0].JustCompleted)
	assert.False(t, results[0].BadgeAwarded)

	awards, err := f.db.ListBadgeAwards(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, awards, 1)
}

func TestWindowIsHalfOpen(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveTotalAmount,
		GoalAmount: 1000000, DurationDays: 5,
	})
	f.join(t, ch.ID, 1)
	// One day before, five inside, one after
	f.steps(t, 1, start.AddDays(-1), 7, 1, 1, 1, 1, 1, 7)

	results, err := f.calc.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.NoError(t, err)
	assert.Equal(t, 5.0, results[0].Progress)
	assert.Equal(t, StateInProgress, results[0].State)
}

func TestDailyGoalWithThreshold(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveDailyGoal,
		GoalAmount: 3, DailyThreshold: ptr(10000.0), DurationDays: 5,
	})
	f.join(t, ch.ID, 1)
	f.steps(t, 1, start, 12000, 9000, 11000, 10000, 8000)

	results, err := f.calc.Calculate(context.Background(), ch.ID, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3.0, results[0].Progress)
	assert.True(t, results[0].IsCompleted)
}

func TestDailyGoalWithoutThresholdUsesGoalForBoth(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveDailyGoal,
		GoalAmount: 10000, DurationDays: 5,
	})
	f.join(t, ch.ID, 1)
	f.steps(t, 1, start, 12000, 9000, 11000, 10000, 8000)

	results, err := f.calc.Calculate(context.Background(), ch.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, results[0].Progress)
	assert.False(t, results[0].IsCompleted)
}

func TestSleepAndCaloriesMetrics(t *testing.T) {
	rows := []*database.DailyActivity{
		{Date: start, Steps: 100, Calories: 250.5, SleepHours: 7.5},
		{Date: start.AddDays(1), Steps: 100, Calories: 300, SleepHours: 6.0},
	}

	sleep := &database.Challenge{ActivityType: database.ActivitySleep, ObjectiveType: database.ObjectiveDailyGoal, GoalAmount: 2, DailyThreshold: ptr(7.0), StartDate: start, DurationDays: 2}
	got, err := Compute(sleep, rows)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)

	calories := &database.Challenge{ActivityType: database.ActivityCalories, ObjectiveType: database.ObjectiveTotalAmount, GoalAmount: 500, StartDate: start, DurationDays: 2}
	got, err = Compute(calories, rows)
	require.NoError(t, err)
	assert.Equal(t, 550.5, got)
}

func TestComputeIsPure(t *testing.T) {
	ch := &database.Challenge{ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveTotalAmount, GoalAmount: 10, StartDate: start, DurationDays: 3}
	rows := []*database.DailyActivity{{Date: start, Steps: 4}, {Date: start.AddDays(2), Steps: 5}}

	a, err := Compute(ch, rows)
	require.NoError(t, err)
	b, err := Compute(ch, rows)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 9.0, a)
}

func TestCompletionIsSticky(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveTotalAmount,
		GoalAmount: 100, DurationDays: 3,
	})
	f.join(t, ch.ID, 1)
	f.steps(t, 1, start, 150)

	results, err := f.calc.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.NoError(t, err)
	require.True(t, results[0].IsCompleted)

	// A later refresh lowers the day's total below the goal
	f.steps(t, 1, start, 10)

	results, err = f.calc.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.NoError(t, err)
	assert.Equal(t, 10.0, results[0].Progress)
	assert.True(t, results[0].IsCompleted)
	assert.False(t, results[0].JustCompleted)

	p, err := f.db.GetParticipant(context.Background(), ch.ID, 1)
	require.NoError(t, err)
	assert.True(t, p.HasCompleted)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.calc.Calculate(context.Background(), 404, nil)
	assert.True(t, common.IsNotFound(err))

	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveTotalAmount,
		GoalAmount: 1, DurationDays: 1,
	})
	_, err = f.calc.Calculate(context.Background(), ch.ID, ptr(int64(77)))
	assert.True(t, common.IsNotFound(err))

	results, err := f.calc.Calculate(context.Background(), ch.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

type stubStore struct {
	Store
	challenge *database.Challenge
	listed    bool
}

func (s *stubStore) GetChallenge(context.Context, int64) (*database.Challenge, error) {
	return s.challenge, nil
}

func (s *stubStore) ListParticipants(context.Context, int64) ([]*database.Participant, error) {
	s.listed = true
	return nil, nil
}

func TestUnknownTypesRejectedBeforeParticipantIO(t *testing.T) {
	store := &stubStore{challenge: &database.Challenge{ID: 1, ActivityType: "swimming", ObjectiveType: database.ObjectiveTotalAmount, GoalAmount: 1, StartDate: start, DurationDays: 1}}
	calc := New(store, nil, nil)

	_, err := calc.Calculate(context.Background(), 1, nil)
	assert.True(t, common.IsValidation(err))
	assert.False(t, store.listed)

	store.challenge.ActivityType = database.ActivitySteps
	store.challenge.ObjectiveType = "fastest"
	_, err = calc.Calculate(context.Background(), 1, nil)
	assert.True(t, common.IsValidation(err))
	assert.False(t, store.listed)
}

type failingAwarder struct{}

func (failingAwarder) AwardIfAbsent(context.Context, int64, int64) (bool, error) {
	return false, errors.New("ledger down")
}

func TestAwardFailureKeepsProgressAndRetries(t *testing.T) {
	f := newFixture(t)
	ch := f.challenge(t, &database.Challenge{
		ActivityType: database.ActivitySteps, ObjectiveType: database.ObjectiveTotalAmount,
		GoalAmount: 10, DurationDays: 1, BadgeID: ptr(int64(5)),
	})
	f.join(t, ch.ID, 1)
	f.steps(t, 1, start, 20)

	broken := New(f.db, failingAwarder{}, nil)
	_, err := broken.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.Error(t, err)

	p, err := f.db.GetParticipant(context.Background(), ch.ID, 1)
	require.NoError(t, err)
	assert.True(t, p.HasCompleted)

	// Next run with a working ledger issues the missed badge
	results, err := f.calc.Calculate(context.Background(), ch.ID, ptr(int64(1)))
	require.NoError(t, err)
	assert.False(t, results[0].JustCompleted)
	assert.True(t, results[0].BadgeAwarded)
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StateNotStarted, StateOf(&database.Participant{}))
	assert.Equal(t, StateInProgress, StateOf(&database.Participant{CurrentProgress: 1}))
	assert.Equal(t, StateCompleted, StateOf(&database.Participant{HasCompleted: true}))
}
