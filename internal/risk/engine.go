// Package risk scores each identity's likelihood of being flagged by the
// provider. Every signal contributes magnitude × kind weight; the aggregate
// decays exponentially with idle time so inactive-but-clean identities
// recover standing. Crossing the quarantine threshold suspends an identity;
// a higher threshold only ever raises a ban recommendation for the operator.
package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/config"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// Scores are clamped to [0, MaxScore].
const MaxScore = 100.0

// Verdict is the engine's recommendation after folding in a signal or
// re-evaluating a score.
type Verdict string

const (
	VerdictClear        Verdict = "clear"
	VerdictQuarantine   Verdict = "quarantine"
	VerdictBanRecommend Verdict = "ban_recommend"
)

// Archiver persists accepted signals for audit. Best-effort; may be nil.
type Archiver interface {
	Archive(signal models.RiskSignal)
}

// state is the per-identity decayed score.
type state struct {
	score     float64
	updatedAt time.Time
}

// Engine folds risk signals into per-identity decaying scores. The fold is
// commutative: concurrent signals for one identity produce the same score
// regardless of arrival order, because decay depends only on elapsed time
// and contributions are additive.
type Engine struct {
	mu     sync.Mutex
	scores map[uuid.UUID]*state

	cfg      config.RiskConfig
	archiver Archiver
	now      func() time.Time
}

// NewEngine creates a risk engine with the given thresholds and weights.
func NewEngine(cfg config.RiskConfig, archiver Archiver) *Engine {
	return &Engine{
		scores:   make(map[uuid.UUID]*state),
		cfg:      cfg,
		archiver: archiver,
		now:      time.Now,
	}
}

// Record folds one signal into the identity's score and returns the new
// score plus the engine's verdict. Negative magnitudes are rejected: risk
// only ever decreases through decay, never through signals.
func (e *Engine) Record(identityID uuid.UUID, kind models.SignalKind, magnitude float64) (float64, Verdict, error) {
	if magnitude < 0 {
		return 0, VerdictClear, fmt.Errorf("negative signal magnitude %f", magnitude)
	}

	weight, ok := e.cfg.KindWeights[kind]
	if !ok {
		return 0, VerdictClear, fmt.Errorf("unknown signal kind %q", kind)
	}

	now := e.now()

	e.mu.Lock()
	st := e.scores[identityID]
	if st == nil {
		st = &state{updatedAt: now}
		e.scores[identityID] = st
	}
	st.score = decayed(st.score, st.updatedAt, now, e.cfg.DecayHalfLife) + magnitude*weight
	if st.score > MaxScore {
		st.score = MaxScore
	}
	st.updatedAt = now
	score := st.score
	e.mu.Unlock()

	if e.archiver != nil {
		e.archiver.Archive(models.RiskSignal{
			IdentityID: identityID,
			Kind:       kind,
			Magnitude:  magnitude,
			Timestamp:  now,
		})
	}

	return score, e.verdict(score), nil
}

// Score returns the identity's current decayed score without mutating the
// stored update time.
func (e *Engine) Score(identityID uuid.UUID) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.scores[identityID]
	if st == nil {
		return 0
	}
	return decayed(st.score, st.updatedAt, e.now(), e.cfg.DecayHalfLife)
}

// Evaluate returns the current score and verdict, used by the lifecycle
// controller for quarantine re-checks.
func (e *Engine) Evaluate(identityID uuid.UUID) (float64, Verdict) {
	score := e.Score(identityID)
	return score, e.verdict(score)
}

// Forget drops all scoring state for an identity (retired or banned).
func (e *Engine) Forget(identityID uuid.UUID) {
	e.mu.Lock()
	delete(e.scores, identityID)
	e.mu.Unlock()
}

func (e *Engine) verdict(score float64) Verdict {
	switch {
	case score >= e.cfg.BanThreshold:
		return VerdictBanRecommend
	case score >= e.cfg.QuarantineThreshold:
		return VerdictQuarantine
	default:
		return VerdictClear
	}
}

// decayed applies exponential half-life decay to a score over the elapsed
// interval. Never negative.
func decayed(score float64, from, to time.Time, halfLife time.Duration) float64 {
	elapsed := to.Sub(from)
	if elapsed <= 0 || score == 0 {
		return score
	}
	factor := math.Pow(0.5, float64(elapsed)/float64(halfLife))
	return score * factor
}
