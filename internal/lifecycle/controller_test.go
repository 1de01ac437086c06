package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/config"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/proxypool"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/risk"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/services"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/throttle"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/warmup"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		QuarantineThreshold: 50,
		BanThreshold:        80,
		DecayHalfLife:       time.Hour,
		QuarantineDuration:  6 * time.Hour,
		KindWeights: map[models.SignalKind]float64{
			models.SignalRateLimitHit:      1.0,
			models.SignalProxyFailure:      0.5,
			models.SignalSuspiciousPattern: 2.0,
			models.SignalCleanSend:         0,
		},
	}
}

// openPlan is a single stage with no blackout and a budget tests will not
// exhaust, so warming identities stay warming and eligible.
func openPlan() models.WarmupPlan {
	return models.WarmupPlan{
		Stages:            []models.WarmupStage{{Budget: 1000, Weight: 1.0}},
		TotalDuration:     24 * time.Hour,
		MinBudgetFraction: 0.5,
	}
}

func defaultOptions() Options {
	return Options{
		QuarantineDuration: time.Hour,
		TokenExpiry:        time.Minute,
		AssignWait:         50 * time.Millisecond,
	}
}

func newTestController(riskCfg config.RiskConfig, plan models.WarmupPlan, opts Options) (*Controller, *proxypool.Pool) {
	pool := proxypool.New(3, 3, nil)
	engine := risk.NewEngine(riskCfg, nil)
	scheduler := warmup.NewScheduler(plan)
	thr := throttle.New(time.Minute, 100, nil)
	hub := services.NewEventHub()
	c := New(pool, engine, scheduler, thr, services.NoopStore{}, hub, opts)
	return c, pool
}

func TestBeginWarmupTransitions(t *testing.T) {
	c, _ := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	id := uuid.New()

	require.NoError(t, c.BeginWarmup(id))

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWarming, ident.Status)
	assert.Equal(t, 0, ident.WarmupStage)

	assert.ErrorIs(t, c.BeginWarmup(id), ErrInvalidTransition)
}

func TestRequestSlotUnknownIdentity(t *testing.T) {
	c, _ := newTestController(testRiskConfig(), openPlan(), defaultOptions())

	_, err := c.RequestActionSlot(context.Background(), uuid.New(), models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestProvisioningCannotRequestSlot(t *testing.T) {
	c, _ := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	id := uuid.New()
	c.state(id, true)

	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSlotGrantAndSingleUseToken(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1080", token.ProxyEndpoint)
	assert.Equal(t, id, token.IdentityID)

	require.NoError(t, c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeSuccess}))

	// Tokens are accepted exactly once.
	err = c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestTokenBoundToIdentity(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id, other := uuid.New(), uuid.New()
	require.NoError(t, c.BeginWarmup(id))
	require.NoError(t, c.BeginWarmup(other))

	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	err = c.ReportOutcome(other, token.ID, models.Outcome{Kind: models.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestTokenExpiry(t *testing.T) {
	opts := defaultOptions()
	opts.TokenExpiry = 10 * time.Millisecond
	c, pool := newTestController(testRiskConfig(), openPlan(), opts)
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	err = c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeSuccess})
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestSlotDeniedWhenNoProxy(t *testing.T) {
	c, _ := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestHardBanOutcome(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	require.NoError(t, c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeHardBan}))

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBanned, ident.Status)
	assert.Empty(t, pool.HeldBy(id))

	// Banned is terminal: no slots, no retirement.
	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrBanned)
	assert.ErrorIs(t, c.Release(id), ErrInvalidTransition)
}

func TestProviderRateLimitSetsCooldown(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	outcome := models.Outcome{Kind: models.OutcomeProviderRateLimited, RetryAfter: time.Hour}
	require.NoError(t, c.ReportOutcome(id, token.ID, outcome))

	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	var rateLimited *RateLimitedError
	require.ErrorAs(t, err, &rateLimited)
	assert.Greater(t, rateLimited.RetryAfter, 59*time.Minute)

	// The capped rate limit signal raises the score but stays below the
	// quarantine threshold on its own.
	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, ident.RiskScore, 1.0)
	assert.Equal(t, models.StatusWarming, ident.Status)
}

func TestProxyFailureEvictsAtThreshold(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	for i := 0; i < 3; i++ {
		token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
		require.NoError(t, err)
		require.NoError(t, c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeProxyFailed}))
	}

	// Third consecutive failure took the proxy out and force-released it.
	assert.Empty(t, pool.HeldBy(id))
	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrNoProxyAvailable)

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.InDelta(t, 15.0, ident.RiskScore, 1.0)
}

func TestRiskQuarantine(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	// Suspicious-pattern magnitude 30 at weight 2.0 lands at 60, over the
	// quarantine threshold.
	_, _, err := c.engine.Record(id, models.SignalSuspiciousPattern, 30)
	require.NoError(t, err)

	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrQuarantined)

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQuarantined, ident.Status)
	require.NotNil(t, ident.QuarantineUntil)
	assert.False(t, ident.BanRecommended)
	assert.Empty(t, pool.HeldBy(id))
}

func TestBanRecommendedFlag(t *testing.T) {
	c, _ := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, _, err := c.engine.Record(id, models.SignalSuspiciousPattern, 45)
	require.NoError(t, err)

	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrQuarantined)

	// Score 90 crosses the ban threshold, but scoring alone never bans:
	// the identity is quarantined with a recommendation for the operator.
	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQuarantined, ident.Status)
	assert.True(t, ident.BanRecommended)
}

func TestQuarantineAutoReturn(t *testing.T) {
	cfg := testRiskConfig()
	cfg.DecayHalfLife = 5 * time.Millisecond
	opts := defaultOptions()
	opts.QuarantineDuration = 20 * time.Millisecond
	c, pool := newTestController(cfg, openPlan(), opts)
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, _, err := c.engine.Record(id, models.SignalSuspiciousPattern, 30)
	require.NoError(t, err)
	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.ErrorIs(t, err, ErrQuarantined)

	// After the quarantine elapses the decayed score re-evaluates clear and
	// the identity comes back as Active.
	time.Sleep(60 * time.Millisecond)
	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)
	assert.NotNil(t, token)

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, ident.Status)
	assert.Nil(t, ident.QuarantineUntil)
}

func TestQuarantineAutoReturnWithdrawsBanRecommendation(t *testing.T) {
	cfg := testRiskConfig()
	cfg.DecayHalfLife = 5 * time.Millisecond
	opts := defaultOptions()
	opts.QuarantineDuration = 20 * time.Millisecond
	c, pool := newTestController(cfg, openPlan(), opts)
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	// Score 90 crosses the ban threshold and sets the recommendation.
	_, _, err := c.engine.Record(id, models.SignalSuspiciousPattern, 45)
	require.NoError(t, err)
	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.ErrorIs(t, err, ErrQuarantined)

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	require.True(t, ident.BanRecommended)

	// The recommendation follows the score: once the quarantine clears on a
	// clean recomputation, the flag comes off with it.
	time.Sleep(80 * time.Millisecond)
	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	ident, err = c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, ident.Status)
	assert.False(t, ident.BanRecommended)
}

func TestQuarantineReArmsWhileScoreHigh(t *testing.T) {
	opts := defaultOptions()
	opts.QuarantineDuration = 10 * time.Millisecond
	c, _ := newTestController(testRiskConfig(), openPlan(), opts)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, _, err := c.engine.Record(id, models.SignalSuspiciousPattern, 40)
	require.NoError(t, err)
	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.ErrorIs(t, err, ErrQuarantined)

	// The hour-long half-life keeps the score hot; the elapsed quarantine
	// re-arms instead of releasing.
	time.Sleep(20 * time.Millisecond)
	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrQuarantined)

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	require.NotNil(t, ident.QuarantineUntil)
	assert.True(t, ident.QuarantineUntil.After(time.Now()))
}

func TestWarmupGraduation(t *testing.T) {
	plan := models.WarmupPlan{
		Stages:            []models.WarmupStage{{Budget: 4, Weight: 1.0}},
		TotalDuration:     30 * time.Millisecond,
		MinBudgetFraction: 0.5,
	}
	c, pool := newTestController(testRiskConfig(), plan, defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	for i := 0; i < 2; i++ {
		token, err := c.RequestActionSlot(context.Background(), id, models.ActionWarmupPing)
		require.NoError(t, err)
		require.NoError(t, c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeSuccess}))
	}

	time.Sleep(40 * time.Millisecond)
	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, ident.Status)
}

func TestReleaseRetiresIdempotently(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	require.NoError(t, c.Release(id))
	assert.Empty(t, pool.HeldBy(id))

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRetired, ident.Status)

	require.NoError(t, c.Release(id))

	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrRetired)
}

func TestReleaseCancelsInFlightSlotRequest(t *testing.T) {
	opts := defaultOptions()
	opts.AssignWait = 2 * time.Second
	c, _ := newTestController(testRiskConfig(), openPlan(), opts)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	// No proxies: the request parks waiting on the pool.
	done := make(chan error, 1)
	go func() {
		_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Release(id))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRetired)
	case <-time.After(time.Second):
		t.Fatal("release did not fail the in-flight slot request fast")
	}
}

func TestQuarantineOverride(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	until := time.Now().Add(time.Hour)
	require.NoError(t, c.QuarantineOverride(id, until))
	assert.Empty(t, pool.HeldBy(id))

	_, err = c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	assert.ErrorIs(t, err, ErrQuarantined)

	assert.ErrorIs(t, c.QuarantineOverride(uuid.New(), until), ErrUnknownIdentity)
}

func TestUnknownOutcomeKindRejected(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	err = c.ReportOutcome(id, token.ID, models.Outcome{Kind: models.OutcomeKind("shrug")})
	assert.Error(t, err)
}

// recordingStore captures identity writes so tests can inspect what would
// have been persisted.
type recordingStore struct {
	services.NoopStore
	mu    sync.Mutex
	saved []models.Identity
}

func (s *recordingStore) SaveIdentity(ctx context.Context, ident models.Identity) error {
	s.mu.Lock()
	s.saved = append(s.saved, ident)
	s.mu.Unlock()
	return nil
}

func (s *recordingStore) lastFor(id uuid.UUID) (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.saved) - 1; i >= 0; i-- {
		if s.saved[i].ID == id {
			return s.saved[i], true
		}
	}
	return models.Identity{}, false
}

func TestRemoveProxyClearsIdentityRecord(t *testing.T) {
	store := &recordingStore{}
	pool := proxypool.New(3, 3, nil)
	engine := risk.NewEngine(testRiskConfig(), nil)
	scheduler := warmup.NewScheduler(openPlan())
	thr := throttle.New(time.Minute, 100, nil)
	c := New(pool, engine, scheduler, thr, store, services.NewEventHub(), defaultOptions())

	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)
	id := uuid.New()
	require.NoError(t, c.BeginWarmup(id))

	_, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)

	evicted := c.RemoveProxy("10.0.0.1:1080")
	require.NotNil(t, evicted)
	assert.Equal(t, id, *evicted)
	assert.Empty(t, pool.HeldBy(id))

	// The identity record drops the endpoint too, not just the pool table,
	// so the persisted state cannot point at a removed proxy.
	last, ok := store.lastFor(id)
	require.True(t, ok)
	assert.Empty(t, last.CurrentProxy)

	// Removing an unknown endpoint evicts nobody.
	assert.Nil(t, c.RemoveProxy("10.0.0.9:1080"))
}

func TestRestoreClearsProxyAssignments(t *testing.T) {
	c, pool := newTestController(testRiskConfig(), openPlan(), defaultOptions())
	pool.AddProxy("10.0.0.1:1080", models.ProtocolSOCKS5)

	id := uuid.New()
	c.Restore([]models.Identity{{
		ID:           id,
		Status:       models.StatusWarming,
		CurrentProxy: "10.0.0.9:1080", // stale record from before the restart
		CreatedAt:    time.Now().Add(-time.Hour),
	}})

	ident, err := c.GetIdentityState(id)
	require.NoError(t, err)
	assert.Empty(t, ident.CurrentProxy)
	assert.Equal(t, models.StatusWarming, ident.Status)

	// Restored warming identities can request slots right away.
	token, err := c.RequestActionSlot(context.Background(), id, models.ActionSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:1080", token.ProxyEndpoint)
}
