package warmup

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// clock is a settable time source for the scheduler.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *clock) setHour(h int) {
	c.mu.Lock()
	base := c.t
	c.t = time.Date(base.Year(), base.Month(), base.Day(), h, 0, 0, 0, base.Location())
	c.mu.Unlock()
}

func testPlan() models.WarmupPlan {
	return models.WarmupPlan{
		Stages: []models.WarmupStage{
			{Budget: 5, BlackoutStartHour: 1, BlackoutEndHour: 6, Weight: 0.2},
			{Budget: 15, BlackoutStartHour: 1, BlackoutEndHour: 6, Weight: 0.3},
			{Budget: 40, BlackoutStartHour: 2, BlackoutEndHour: 5, Weight: 0.5},
		},
		TotalDuration:     72 * time.Hour,
		MinBudgetFraction: 0.5,
	}
}

func newTestScheduler(plan models.WarmupPlan) (*Scheduler, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewScheduler(plan)
	s.now = c.now
	return s, c
}

func TestEligibleOutsideBlackout(t *testing.T) {
	s, _ := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)

	graduated, err := s.CheckEligibility(id)
	require.NoError(t, err)
	assert.False(t, graduated)
}

func TestBlackoutDenies(t *testing.T) {
	s, c := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)

	c.setHour(3)
	_, err := s.CheckEligibility(id)
	assert.ErrorIs(t, err, ErrBlackout)

	c.setHour(6)
	_, err = s.CheckEligibility(id)
	assert.NoError(t, err)
}

func TestBlackoutWrapsMidnight(t *testing.T) {
	plan := testPlan()
	plan.Stages[0].BlackoutStartHour = 22
	plan.Stages[0].BlackoutEndHour = 4
	s, c := newTestScheduler(plan)
	id := uuid.New()
	s.Begin(id)

	c.setHour(23)
	_, err := s.CheckEligibility(id)
	assert.ErrorIs(t, err, ErrBlackout)

	c.setHour(2)
	_, err = s.CheckEligibility(id)
	assert.ErrorIs(t, err, ErrBlackout)

	c.setHour(4)
	_, err = s.CheckEligibility(id)
	assert.NoError(t, err)
}

func TestStageBudgetExhausted(t *testing.T) {
	s, _ := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)

	for i := 0; i < 5; i++ {
		_, err := s.CheckEligibility(id)
		require.NoError(t, err)
		s.Consume(id)
	}

	_, err := s.CheckEligibility(id)
	assert.ErrorIs(t, err, ErrStageBudgetExhausted)
}

func TestStageAdvanceNeedsDwellAndActivity(t *testing.T) {
	s, c := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)

	// Stage 0 runs 20% of 72h. Sitting it out without enough activity
	// (min 50% of the 5-action budget) must not advance the stage.
	s.Consume(id)
	c.advance(24 * time.Hour)
	_, err := s.CheckEligibility(id)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Stage(id))

	// Two more actions reach the minimum; now the elapsed dwell counts.
	s.Consume(id)
	s.Consume(id)
	_, err = s.CheckEligibility(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stage(id))
}

func TestStageAdvanceActivityMinimumRoundsUp(t *testing.T) {
	// Half of a 5-action budget is 2.5; the minimum is 3 whole actions,
	// so 2 consumed actions plus a full dwell must not advance the stage.
	s, c := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)

	s.Consume(id)
	s.Consume(id)
	c.advance(24 * time.Hour)
	_, err := s.CheckEligibility(id)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Stage(id))

	s.Consume(id)
	_, err = s.CheckEligibility(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stage(id))
}

func TestGraduationPastFinalStage(t *testing.T) {
	plan := models.WarmupPlan{
		Stages: []models.WarmupStage{
			{Budget: 4, Weight: 0.5},
			{Budget: 4, Weight: 0.5},
		},
		TotalDuration:     2 * time.Hour,
		MinBudgetFraction: 0.5,
	}
	s, c := newTestScheduler(plan)
	id := uuid.New()
	s.Begin(id)

	s.Consume(id)
	s.Consume(id)
	c.advance(time.Hour)
	graduated, err := s.CheckEligibility(id)
	require.NoError(t, err)
	require.False(t, graduated)
	require.Equal(t, 1, s.Stage(id))

	s.Consume(id)
	s.Consume(id)
	c.advance(time.Hour)
	graduated, err = s.CheckEligibility(id)
	require.NoError(t, err)
	assert.True(t, graduated)

	// Progress is dropped on graduation.
	assert.Equal(t, 0, s.Stage(id))
}

func TestBudgetResetsOnStageAdvance(t *testing.T) {
	plan := models.WarmupPlan{
		Stages: []models.WarmupStage{
			{Budget: 2, Weight: 0.5},
			{Budget: 10, Weight: 0.5},
		},
		TotalDuration:     2 * time.Hour,
		MinBudgetFraction: 0.5,
	}
	s, c := newTestScheduler(plan)
	id := uuid.New()
	s.Begin(id)

	s.Consume(id)
	s.Consume(id)
	_, err := s.CheckEligibility(id)
	assert.ErrorIs(t, err, ErrStageBudgetExhausted)

	c.advance(time.Hour)
	_, err = s.CheckEligibility(id)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Stage(id))
}

func TestReBeginResetsProgress(t *testing.T) {
	s, c := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)
	s.Consume(id)
	s.Consume(id)
	s.Consume(id)
	c.advance(20 * time.Hour)

	s.Begin(id)
	assert.Equal(t, 0, s.Stage(id))
	_, err := s.CheckEligibility(id)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Stage(id))
}

func TestForgetDropsProgress(t *testing.T) {
	s, _ := newTestScheduler(testPlan())
	id := uuid.New()
	s.Begin(id)
	s.Consume(id)
	s.Forget(id)
	assert.Equal(t, 0, s.Stage(id))
}
