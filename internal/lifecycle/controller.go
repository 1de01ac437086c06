// Package lifecycle ties the proxy pool, risk engine, warmup scheduler and
// send throttle together behind the one entry point external callers use:
// "may identity X act now, and through which proxy?".
package lifecycle

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/proxypool"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/risk"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/services"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/throttle"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/warmup"
)

// Fixed signal magnitudes for outcomes the transport reports. A provider
// rate limit scales with the demanded backoff instead.
const (
	proxyFailureMagnitude       = 10.0
	rateLimitMagnitudePerMinute = 3.0
	maxRateLimitMagnitude       = 30.0
)

// Options carries the controller's tunables out of the validated config.
type Options struct {
	QuarantineDuration time.Duration
	TokenExpiry        time.Duration
	AssignWait         time.Duration
}

// identityState is one identity's record plus the lock serializing its
// transitions. Different identities proceed fully in parallel.
type identityState struct {
	mu    sync.Mutex
	ident models.Identity

	// slotCancel aborts an in-flight proxy wait when the identity is
	// released mid-request.
	slotCancel context.CancelFunc
}

// pendingToken tracks an issued, not-yet-reported action token.
type pendingToken struct {
	identityID uuid.UUID
	proxy      string
	expiresAt  time.Time
}

// Controller is the identity lifecycle state machine. All collaborator
// calls enter here; per-identity state is serialized by a per-identity
// mutex and the shared proxy table only ever locks inside the pool.
type Controller struct {
	mu         sync.RWMutex
	identities map[uuid.UUID]*identityState

	tokmu  sync.Mutex
	tokens map[uuid.UUID]pendingToken

	pool     *proxypool.Pool
	engine   *risk.Engine
	warmup   *warmup.Scheduler
	throttle *throttle.Throttle
	store    services.Store
	hub      *services.EventHub

	opts Options
	now  func() time.Time
}

// New wires a controller from its collaborators.
func New(pool *proxypool.Pool, engine *risk.Engine, scheduler *warmup.Scheduler,
	thr *throttle.Throttle, store services.Store, hub *services.EventHub, opts Options) *Controller {
	return &Controller{
		identities: make(map[uuid.UUID]*identityState),
		tokens:     make(map[uuid.UUID]pendingToken),
		pool:       pool,
		engine:     engine,
		warmup:     scheduler,
		throttle:   thr,
		store:      store,
		hub:        hub,
		opts:       opts,
		now:        time.Now,
	}
}

// Restore seeds the controller with persisted identities at startup. Proxy
// assignments and action tokens do not survive a restart, so restored
// identities always start proxy-less.
func (c *Controller) Restore(identities []models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ident := range identities {
		ident.CurrentProxy = ""
		c.identities[ident.ID] = &identityState{ident: ident}
		if ident.Status == models.StatusWarming {
			c.warmup.Begin(ident.ID)
		}
	}
	if len(identities) > 0 {
		log.Printf("✅ Restored %d identities from PostgreSQL", len(identities))
	}
}

// state returns the identity's state holder, creating it in Provisioning
// when create is set.
func (c *Controller) state(identityID uuid.UUID, create bool) *identityState {
	c.mu.RLock()
	st := c.identities[identityID]
	c.mu.RUnlock()
	if st != nil || !create {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st = c.identities[identityID]; st != nil {
		return st
	}
	st = &identityState{ident: models.Identity{
		ID:        identityID,
		Status:    models.StatusProvisioning,
		CreatedAt: c.now(),
	}}
	c.identities[identityID] = st
	return st
}

// BeginWarmup moves a provisioned identity into Warming at stage 0. The
// provisioning collaborator calls this once network credentials exist;
// unknown identities are registered as Provisioning first.
func (c *Controller) BeginWarmup(identityID uuid.UUID) error {
	st := c.state(identityID, true)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ident.Status != models.StatusProvisioning {
		return ErrInvalidTransition
	}
	st.ident.Status = models.StatusWarming
	st.ident.WarmupStage = 0
	c.warmup.Begin(identityID)
	c.persist(st.ident)
	return nil
}

// RequestActionSlot is the single gate before any outbound activity. It
// checks lifecycle status, warmup eligibility, throttle headroom and risk
// standing, then acquires a proxy. The identity lock is never held while
// waiting on the pool.
func (c *Controller) RequestActionSlot(ctx context.Context, identityID uuid.UUID, class models.ActionClass) (*models.ActionToken, error) {
	st := c.state(identityID, false)
	if st == nil {
		return nil, ErrUnknownIdentity
	}

	slotCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st.mu.Lock()
	if err := c.checkEligibilityLocked(st); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.slotCancel = cancel
	st.mu.Unlock()

	// Pool wait happens outside the identity lock so outcome reports for
	// other identities touching the pool cannot deadlock against us.
	proxy, err := c.pool.AssignWait(slotCtx, identityID, c.opts.AssignWait)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.slotCancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) && st.ident.Status == models.StatusRetired {
			// Release won the race; fail fast rather than hand out a token
			// for a retired identity.
			return nil, ErrRetired
		}
		if errors.Is(err, proxypool.ErrNoProxyAvailable) {
			return nil, ErrNoProxyAvailable
		}
		return nil, err
	}

	// Re-check: a concurrent Release or quarantine may have landed while we
	// waited on the pool.
	if st.ident.Status != models.StatusWarming && st.ident.Status != models.StatusActive {
		c.pool.Release(identityID)
		return nil, c.statusDenialLocked(st)
	}

	now := c.now()
	token := &models.ActionToken{
		ID:            uuid.New(),
		IdentityID:    identityID,
		ProxyEndpoint: proxy.Endpoint,
		ExpiresAt:     now.Add(c.opts.TokenExpiry),
	}

	c.tokmu.Lock()
	c.pruneExpiredTokensLocked(now)
	c.tokens[token.ID] = pendingToken{identityID: identityID, proxy: proxy.Endpoint, expiresAt: token.ExpiresAt}
	c.tokmu.Unlock()

	c.throttle.Consume(identityID)
	if st.ident.Status == models.StatusWarming {
		c.warmup.Consume(identityID)
		st.ident.WarmupStage = c.warmup.Stage(identityID)
	}
	st.ident.CurrentProxy = proxy.Endpoint
	st.ident.LastActionAt = &now
	c.persist(st.ident)

	return token, nil
}

// checkEligibilityLocked runs the pre-proxy checks. Caller holds st.mu.
func (c *Controller) checkEligibilityLocked(st *identityState) error {
	now := c.now()

	switch st.ident.Status {
	case models.StatusProvisioning:
		return ErrInvalidTransition
	case models.StatusBanned:
		return ErrBanned
	case models.StatusRetired:
		return ErrRetired
	case models.StatusQuarantined:
		if st.ident.QuarantineUntil != nil && now.Before(*st.ident.QuarantineUntil) {
			return ErrQuarantined
		}
		// Quarantine elapsed: only a fresh recomputation below threshold
		// lets the identity back out; otherwise the quarantine re-arms.
		score, verdict := c.engine.Evaluate(st.ident.ID)
		st.ident.RiskScore = score
		if verdict != risk.VerdictClear {
			until := now.Add(c.opts.QuarantineDuration)
			st.ident.QuarantineUntil = &until
			c.persist(st.ident)
			return ErrQuarantined
		}
		st.ident.Status = models.StatusActive
		st.ident.QuarantineUntil = nil
		// The recommendation was tied to the score that put the identity
		// here; a clear recomputation withdraws it.
		st.ident.BanRecommended = false
		c.persist(st.ident)
		c.hub.Publish(services.Event{Type: services.EventQuarantineOver, IdentityID: st.ident.ID.String()})
	}

	if st.ident.Status == models.StatusWarming {
		graduated, err := c.warmup.CheckEligibility(st.ident.ID)
		if err != nil {
			switch {
			case errors.Is(err, warmup.ErrBlackout):
				return ErrBlackout
			case errors.Is(err, warmup.ErrStageBudgetExhausted):
				return ErrStageBudgetExhausted
			default:
				return err
			}
		}
		if graduated {
			st.ident.Status = models.StatusActive
			st.ident.WarmupStage = 0
			c.persist(st.ident)
			c.hub.Publish(services.Event{Type: services.EventActivated, IdentityID: st.ident.ID.String()})
		} else {
			st.ident.WarmupStage = c.warmup.Stage(st.ident.ID)
		}
	}

	if ok, retryAfter := c.throttle.Headroom(st.ident.ID); !ok {
		return &RateLimitedError{RetryAfter: retryAfter}
	}

	score, verdict := c.engine.Evaluate(st.ident.ID)
	st.ident.RiskScore = score
	if verdict != risk.VerdictClear {
		c.quarantineLocked(st, verdict)
		return ErrQuarantined
	}
	return nil
}

// ReportOutcome consumes an action token and feeds the result back into the
// throttle, risk engine and proxy pool. Each token is accepted exactly once.
func (c *Controller) ReportOutcome(identityID uuid.UUID, tokenID uuid.UUID, outcome models.Outcome) error {
	c.tokmu.Lock()
	pending, ok := c.tokens[tokenID]
	if ok {
		delete(c.tokens, tokenID)
	}
	c.tokmu.Unlock()

	if !ok || pending.identityID != identityID {
		return ErrUnknownToken
	}
	if c.now().After(pending.expiresAt) {
		return ErrTokenExpired
	}

	st := c.state(identityID, false)
	if st == nil {
		return ErrUnknownIdentity
	}

	switch outcome.Kind {
	case models.OutcomeSuccess:
		c.pool.ReportHealth(pending.proxy, true)
		c.recordSignal(st, models.SignalCleanSend, 1)

	case models.OutcomeProviderRateLimited:
		c.throttle.SetCooldown(identityID, outcome.RetryAfter)
		magnitude := rateLimitMagnitudePerMinute * outcome.RetryAfter.Minutes()
		if magnitude > maxRateLimitMagnitude {
			magnitude = maxRateLimitMagnitude
		}
		c.recordSignal(st, models.SignalRateLimitHit, magnitude)

	case models.OutcomeProxyFailed:
		evicted := c.pool.ReportHealth(pending.proxy, false)
		if evicted != nil {
			c.clearProxyRef(*evicted, pending.proxy)
			c.hub.Publish(services.Event{Type: services.EventProxyUnhealthy, Proxy: pending.proxy})
		}
		c.recordSignal(st, models.SignalProxyFailure, proxyFailureMagnitude)

	case models.OutcomeHardBan:
		// Provider-confirmed ban: immediate and unconditional.
		st.mu.Lock()
		st.ident.Status = models.StatusBanned
		st.ident.CurrentProxy = ""
		c.persist(st.ident)
		st.mu.Unlock()

		c.pool.Release(identityID)
		c.throttle.Forget(identityID)
		c.warmup.Forget(identityID)
		c.engine.Forget(identityID)
		c.hub.Publish(services.Event{Type: services.EventBanned, IdentityID: identityID.String()})

	default:
		return errors.New("unknown outcome kind")
	}

	return nil
}

// RemoveProxy drops an endpoint from the pool and clears the evicted
// holder's proxy reference, so the persisted identity record never points
// at an endpoint the pool no longer knows. Returns the evicted identity,
// if any.
func (c *Controller) RemoveProxy(endpoint string) *uuid.UUID {
	evicted := c.pool.RemoveProxy(endpoint)
	if evicted != nil {
		c.clearProxyRef(*evicted, endpoint)
	}
	return evicted
}

// clearProxyRef drops an identity's proxy reference after a force release,
// keeping the bidirectional invariant with the pool's table.
func (c *Controller) clearProxyRef(identityID uuid.UUID, endpoint string) {
	st := c.state(identityID, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.ident.CurrentProxy == endpoint {
		st.ident.CurrentProxy = ""
		c.persist(st.ident)
	}
	st.mu.Unlock()
}

// recordSignal folds a risk signal in and applies the resulting verdict to
// the identity.
func (c *Controller) recordSignal(st *identityState, kind models.SignalKind, magnitude float64) {
	score, verdict, err := c.engine.Record(st.ident.ID, kind, magnitude)
	if err != nil {
		log.Printf("lifecycle: record %s signal for %s: %v", kind, st.ident.ID, err)
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.ident.RiskScore = score
	if verdict != risk.VerdictClear &&
		(st.ident.Status == models.StatusActive || st.ident.Status == models.StatusWarming) {
		c.quarantineLocked(st, verdict)
	} else {
		c.persist(st.ident)
	}
}

// quarantineLocked suspends the identity and releases its proxy. A ban
// verdict only raises a recommendation; the core never bans from scoring
// alone. Caller holds st.mu.
func (c *Controller) quarantineLocked(st *identityState, verdict risk.Verdict) {
	until := c.now().Add(c.opts.QuarantineDuration)
	st.ident.Status = models.StatusQuarantined
	st.ident.QuarantineUntil = &until
	st.ident.CurrentProxy = ""
	if verdict == risk.VerdictBanRecommend {
		st.ident.BanRecommended = true
		c.hub.Publish(services.Event{Type: services.EventBanRecommended, IdentityID: st.ident.ID.String()})
	}
	c.persist(st.ident)

	c.pool.Release(st.ident.ID)
	c.warmup.Forget(st.ident.ID)
	c.hub.Publish(services.Event{Type: services.EventQuarantined, IdentityID: st.ident.ID.String()})
}

// Release retires an identity. Any held proxy is released exactly once and
// an in-flight slot request fails fast. Idempotent; only Banned identities
// cannot be retired.
func (c *Controller) Release(identityID uuid.UUID) error {
	st := c.state(identityID, false)
	if st == nil {
		return ErrUnknownIdentity
	}

	st.mu.Lock()
	if st.ident.Status == models.StatusBanned {
		st.mu.Unlock()
		return ErrInvalidTransition
	}
	alreadyRetired := st.ident.Status == models.StatusRetired
	st.ident.Status = models.StatusRetired
	st.ident.CurrentProxy = ""
	if st.slotCancel != nil {
		st.slotCancel()
	}
	c.persist(st.ident)
	st.mu.Unlock()

	c.pool.Release(identityID)
	c.throttle.Forget(identityID)
	c.warmup.Forget(identityID)
	c.engine.Forget(identityID)

	if !alreadyRetired {
		c.hub.Publish(services.Event{Type: services.EventRetired, IdentityID: identityID.String()})
	}
	return nil
}

// QuarantineOverride lets an operator force an identity into quarantine
// until the given time, regardless of score.
func (c *Controller) QuarantineOverride(identityID uuid.UUID, until time.Time) error {
	st := c.state(identityID, false)
	if st == nil {
		return ErrUnknownIdentity
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ident.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	st.ident.Status = models.StatusQuarantined
	st.ident.QuarantineUntil = &until
	st.ident.CurrentProxy = ""
	c.persist(st.ident)

	c.pool.Release(identityID)
	c.warmup.Forget(identityID)
	c.hub.Publish(services.Event{Type: services.EventQuarantined, IdentityID: identityID.String(), Detail: "operator override"})
	return nil
}

// GetIdentityState returns a copy of the identity's record with a fresh
// decayed risk score.
func (c *Controller) GetIdentityState(identityID uuid.UUID) (models.Identity, error) {
	st := c.state(identityID, false)
	if st == nil {
		return models.Identity{}, ErrUnknownIdentity
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	ident := st.ident
	ident.RiskScore = c.engine.Score(identityID)
	ident.CurrentProxy = c.pool.HeldBy(identityID)
	return ident, nil
}

// statusDenialLocked maps a non-actionable status to its denial. Caller
// holds st.mu.
func (c *Controller) statusDenialLocked(st *identityState) error {
	switch st.ident.Status {
	case models.StatusBanned:
		return ErrBanned
	case models.StatusRetired:
		return ErrRetired
	case models.StatusQuarantined:
		return ErrQuarantined
	default:
		return ErrInvalidTransition
	}
}

// persist writes the identity snapshot through to the store, best effort.
// Callers hold the identity lock.
func (c *Controller) persist(ident models.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SaveIdentity(ctx, ident); err != nil {
		log.Printf("lifecycle: persist identity %s: %v", ident.ID, err)
	}
}

// pruneExpiredTokensLocked drops tokens whose expiry has passed so the
// pending map cannot grow without bound. Caller holds tokmu.
func (c *Controller) pruneExpiredTokensLocked(now time.Time) {
	for id, tok := range c.tokens {
		if now.After(tok.expiresAt) {
			delete(c.tokens, id)
		}
	}
}
