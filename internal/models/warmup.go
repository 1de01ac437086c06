package models

import (
	"fmt"
	"time"
)

// WarmupStage is one step of the graduated ramp-up. Blackout hours are
// local-time hours of day [Start, End) during which no action is permitted
// regardless of remaining budget. A stage with BlackoutStartHour ==
// BlackoutEndHour has no blackout.
type WarmupStage struct {
	Budget            int     `json:"budget"`
	BlackoutStartHour int     `json:"blackout_start_hour"`
	BlackoutEndHour   int     `json:"blackout_end_hour"`
	Weight            float64 `json:"weight"`
}

// WarmupPlan is the validated, immutable stage configuration shared by all
// warming identities. TotalDuration is the target length of the whole
// warmup; each stage holds an identity for at least Weight*TotalDuration.
// MinBudgetFraction is the share of a stage's budget that must be consumed
// before advancing, so identities cannot graduate by waiting alone.
type WarmupPlan struct {
	Stages            []WarmupStage `json:"stages"`
	TotalDuration     time.Duration `json:"total_duration"`
	MinBudgetFraction float64       `json:"min_budget_fraction"`
}

// Validate checks the plan once at startup. Plans are treated as immutable
// afterwards.
func (p *WarmupPlan) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("warmup plan has no stages")
	}
	if p.TotalDuration <= 0 {
		return fmt.Errorf("warmup total duration must be positive, got %s", p.TotalDuration)
	}
	if p.MinBudgetFraction < 0 || p.MinBudgetFraction > 1 {
		return fmt.Errorf("min budget fraction must be in [0,1], got %f", p.MinBudgetFraction)
	}
	var weightSum float64
	for i, s := range p.Stages {
		if s.Budget <= 0 {
			return fmt.Errorf("stage %d: budget must be positive, got %d", i, s.Budget)
		}
		if s.Weight <= 0 {
			return fmt.Errorf("stage %d: weight must be positive, got %f", i, s.Weight)
		}
		if s.BlackoutStartHour < 0 || s.BlackoutStartHour > 23 ||
			s.BlackoutEndHour < 0 || s.BlackoutEndHour > 23 {
			return fmt.Errorf("stage %d: blackout hours must be in [0,23]", i)
		}
		weightSum += s.Weight
	}
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("stage weights must sum to 1.0, got %f", weightSum)
	}
	return nil
}

// StageDuration returns the minimum time an identity spends in stage i.
func (p *WarmupPlan) StageDuration(i int) time.Duration {
	return time.Duration(p.Stages[i].Weight * float64(p.TotalDuration))
}
