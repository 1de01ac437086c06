// Package warmup drives new identities through the graduated activity
// ramp-up before they are trusted for full campaign use.
package warmup

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// Denial reasons for warming identities.
var (
	ErrBlackout             = fmt.Errorf("inside blackout window")
	ErrStageBudgetExhausted = fmt.Errorf("stage budget exhausted")
)

// progress tracks one warming identity's position in the plan.
type progress struct {
	stage     int
	enteredAt time.Time
	consumed  int
}

// Scheduler evaluates stage eligibility and advancement against one shared,
// immutable WarmupPlan. Per-identity progress is kept in memory; the
// lifecycle controller serializes calls per identity.
type Scheduler struct {
	mu       sync.Mutex
	plan     models.WarmupPlan
	progress map[uuid.UUID]*progress
	now      func() time.Time
}

// NewScheduler creates a scheduler for a validated plan.
func NewScheduler(plan models.WarmupPlan) *Scheduler {
	return &Scheduler{
		plan:     plan,
		progress: make(map[uuid.UUID]*progress),
		now:      time.Now,
	}
}

// Begin places an identity at stage 0. Re-beginning resets progress.
func (s *Scheduler) Begin(identityID uuid.UUID) {
	s.mu.Lock()
	s.progress[identityID] = &progress{enteredAt: s.now()}
	s.mu.Unlock()
}

// Stage returns the identity's current stage ordinal.
func (s *Scheduler) Stage(identityID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.progress[identityID]; ok {
		return p.stage
	}
	return 0
}

// CheckEligibility reports whether the identity may act right now:
// the current time must be outside the stage's blackout window and the
// stage budget must have headroom. It also advances the identity to the
// next stage when both the time and activity conditions are met; reaching
// past the final stage returns graduated=true and the identity should be
// promoted to Active by the caller.
func (s *Scheduler) CheckEligibility(identityID uuid.UUID) (graduated bool, err error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.progress[identityID]
	if !ok {
		p = &progress{enteredAt: now}
		s.progress[identityID] = p
	}

	// Advance first, so an identity that sat out its stage duration is
	// evaluated against the stage it actually belongs in. The activity
	// minimum rounds up: a fractional requirement needs one more whole
	// action, never one fewer.
	for p.stage < len(s.plan.Stages) {
		stage := s.plan.Stages[p.stage]
		minDwell := s.plan.StageDuration(p.stage)
		minActions := int(math.Ceil(s.plan.MinBudgetFraction * float64(stage.Budget)))
		if now.Sub(p.enteredAt) < minDwell || p.consumed < minActions {
			break
		}
		p.stage++
		p.enteredAt = now
		p.consumed = 0
	}

	if p.stage >= len(s.plan.Stages) {
		delete(s.progress, identityID)
		return true, nil
	}

	stage := s.plan.Stages[p.stage]
	if inBlackout(now, stage) {
		return false, ErrBlackout
	}
	if p.consumed >= stage.Budget {
		return false, ErrStageBudgetExhausted
	}
	return false, nil
}

// Consume counts one granted action against the identity's current stage
// budget.
func (s *Scheduler) Consume(identityID uuid.UUID) {
	s.mu.Lock()
	if p, ok := s.progress[identityID]; ok {
		p.consumed++
	}
	s.mu.Unlock()
}

// Forget drops progress for an identity leaving the Warming state.
func (s *Scheduler) Forget(identityID uuid.UUID) {
	s.mu.Lock()
	delete(s.progress, identityID)
	s.mu.Unlock()
}

// inBlackout reports whether t falls inside the stage's blackout hours.
// Windows may wrap midnight (e.g. 22 → 4). Start == End means no blackout.
func inBlackout(t time.Time, stage models.WarmupStage) bool {
	start, end := stage.BlackoutStartHour, stage.BlackoutEndHour
	if start == end {
		return false
	}
	h := t.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
