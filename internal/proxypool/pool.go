package proxypool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// ErrNoProxyAvailable is returned when no selectable proxy is free.
// Transient: callers retry after backoff, the pool never retries itself.
var ErrNoProxyAvailable = fmt.Errorf("no proxy available")

// Persister receives best-effort write-through of pool mutations so the
// operator UI and restarts see last-known state. May be nil.
type Persister interface {
	SaveProxy(ctx context.Context, p models.Proxy) error
	DeleteProxy(ctx context.Context, endpoint string) error
}

// entry wraps a proxy with prober-internal bookkeeping.
type entry struct {
	proxy          models.Proxy
	probeSuccesses int
}

// Pool owns the proxy assignment table. Every identity holds at most one
// proxy and every proxy is held by at most one identity; all mutations of
// the table happen under one short-scoped mutex so no intermediate
// unassigned state is ever observable.
type Pool struct {
	mu      sync.Mutex
	proxies map[string]*entry

	// byIdentity indexes current assignments so Release(identityID) is O(1).
	byIdentity map[uuid.UUID]string

	failureThreshold int
	probeSuccesses   int

	// notify is closed and replaced whenever a proxy may have become
	// available, waking every AssignWait waiter at once.
	notify chan struct{}

	persister Persister

	// OnRestore, when set, is called after the prober returns a proxy to
	// Healthy. Set before StartProber; not guarded by the pool lock.
	OnRestore func(endpoint string)
}

// New creates an empty pool. failureThreshold is the consecutive-failure
// count that demotes a proxy to Unhealthy; probeSuccesses is the sustained
// probe success count that promotes a cooling-down proxy back to Healthy.
func New(failureThreshold, probeSuccesses int, persister Persister) *Pool {
	return &Pool{
		proxies:          make(map[string]*entry),
		byIdentity:       make(map[uuid.UUID]string),
		failureThreshold: failureThreshold,
		probeSuccesses:   probeSuccesses,
		notify:           make(chan struct{}),
		persister:        persister,
	}
}

// AddProxy registers a new endpoint in the pool as Healthy. Adding an
// endpoint that already exists is a no-op.
func (p *Pool) AddProxy(endpoint string, protocol models.ProxyProtocol) {
	p.mu.Lock()
	if _, exists := p.proxies[endpoint]; exists {
		p.mu.Unlock()
		return
	}
	e := &entry{proxy: models.Proxy{
		Endpoint: endpoint,
		Protocol: protocol,
		Health:   models.HealthHealthy,
	}}
	p.proxies[endpoint] = e
	snapshot := e.proxy
	p.mu.Unlock()

	p.persist(snapshot)
	p.wake()
}

// RemoveProxy deletes an endpoint from the pool, force-releasing any
// current assignment. Returns the identity that lost its proxy, if any.
func (p *Pool) RemoveProxy(endpoint string) *uuid.UUID {
	p.mu.Lock()
	e, exists := p.proxies[endpoint]
	if !exists {
		p.mu.Unlock()
		return nil
	}
	holder := e.proxy.AssignedTo
	if holder != nil {
		delete(p.byIdentity, *holder)
	}
	delete(p.proxies, endpoint)
	p.mu.Unlock()

	if p.persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.persister.DeleteProxy(ctx, endpoint); err != nil {
			log.Printf("proxypool: delete proxy %s: %v", endpoint, err)
		}
	}
	return holder
}

// Assign exclusively hands the least-recently-used selectable free proxy to
// identityID. Healthy proxies are preferred; Degraded ones are used only
// when no Healthy proxy is free. An identity that already holds a proxy
// gets the same one back.
func (p *Pool) Assign(identityID uuid.UUID) (models.Proxy, error) {
	p.mu.Lock()

	// Re-entrant grab: keep the existing assignment.
	if ep, ok := p.byIdentity[identityID]; ok {
		snapshot := p.proxies[ep].proxy
		p.mu.Unlock()
		return snapshot, nil
	}

	var pick *entry
	for _, e := range p.proxies {
		if e.proxy.AssignedTo != nil || !e.proxy.Health.Selectable() {
			continue
		}
		if pick == nil {
			pick = e
			continue
		}
		// Healthy beats Degraded; within a tier, least recently assigned wins.
		pickHealthy := pick.proxy.Health == models.HealthHealthy
		eHealthy := e.proxy.Health == models.HealthHealthy
		switch {
		case eHealthy && !pickHealthy:
			pick = e
		case eHealthy == pickHealthy && e.proxy.LastAssignedAt.Before(pick.proxy.LastAssignedAt):
			pick = e
		}
	}

	if pick == nil {
		p.mu.Unlock()
		return models.Proxy{}, ErrNoProxyAvailable
	}

	id := identityID
	pick.proxy.AssignedTo = &id
	pick.proxy.LastAssignedAt = time.Now()
	p.byIdentity[identityID] = pick.proxy.Endpoint
	snapshot := pick.proxy
	p.mu.Unlock()

	p.persist(snapshot)
	return snapshot, nil
}

// AssignWait behaves like Assign but waits up to maxWait for a proxy to
// free up. It returns early when ctx is cancelled. Callers must not hold
// identity-local locks while waiting here.
func (p *Pool) AssignWait(ctx context.Context, identityID uuid.UUID, maxWait time.Duration) (models.Proxy, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for {
		// Capture the wakeup channel before trying, so a release that lands
		// between the failed attempt and the select still wakes us.
		notify := p.waitCh()
		proxy, err := p.Assign(identityID)
		if err == nil {
			return proxy, nil
		}
		select {
		case <-ctx.Done():
			return models.Proxy{}, ctx.Err()
		case <-deadline.C:
			return models.Proxy{}, ErrNoProxyAvailable
		case <-notify:
			// A proxy may have freed up; try again.
		}
	}
}

// Transfer atomically moves the assignment of endpoint from one identity to
// another. No concurrent reader ever observes the proxy unassigned in
// between. Transferring an endpoint the source no longer holds is a no-op.
func (p *Pool) Transfer(from uuid.UUID, endpoint string, to uuid.UUID) error {
	p.mu.Lock()
	e, exists := p.proxies[endpoint]
	if !exists || e.proxy.AssignedTo == nil || *e.proxy.AssignedTo != from {
		p.mu.Unlock()
		return nil
	}
	if held, ok := p.byIdentity[to]; ok && held != endpoint {
		p.mu.Unlock()
		return fmt.Errorf("identity %s already holds proxy %s", to, held)
	}
	delete(p.byIdentity, from)
	id := to
	e.proxy.AssignedTo = &id
	e.proxy.LastAssignedAt = time.Now()
	p.byIdentity[to] = endpoint
	snapshot := e.proxy
	p.mu.Unlock()

	p.persist(snapshot)
	return nil
}

// Release frees whatever proxy identityID currently holds. Idempotent:
// releasing an identity with no assignment is a no-op.
func (p *Pool) Release(identityID uuid.UUID) {
	p.mu.Lock()
	ep, ok := p.byIdentity[identityID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byIdentity, identityID)
	e := p.proxies[ep]
	e.proxy.AssignedTo = nil
	snapshot := e.proxy
	p.mu.Unlock()

	p.persist(snapshot)
	p.wake()
}

// ReportHealth records a success or failure observation for endpoint.
// Failures accumulate: the first failures mark the proxy Degraded, and at
// the configured threshold it becomes Unhealthy and its assignment is
// force-released. Returns the identity that lost its proxy, if any.
func (p *Pool) ReportHealth(endpoint string, ok bool) *uuid.UUID {
	p.mu.Lock()
	e, exists := p.proxies[endpoint]
	if !exists {
		p.mu.Unlock()
		return nil
	}

	e.proxy.LastCheckedAt = time.Now()

	if ok {
		e.proxy.ConsecutiveFailures = 0
		if e.proxy.Health == models.HealthDegraded {
			e.proxy.Health = models.HealthHealthy
		}
		snapshot := e.proxy
		p.mu.Unlock()
		p.persist(snapshot)
		return nil
	}

	e.proxy.ConsecutiveFailures++
	var evicted *uuid.UUID
	if e.proxy.ConsecutiveFailures >= p.failureThreshold {
		e.proxy.Health = models.HealthUnhealthy
		e.probeSuccesses = 0
		if e.proxy.AssignedTo != nil {
			evicted = e.proxy.AssignedTo
			delete(p.byIdentity, *evicted)
			e.proxy.AssignedTo = nil
		}
	} else if e.proxy.Health == models.HealthHealthy {
		e.proxy.Health = models.HealthDegraded
	}
	snapshot := e.proxy
	p.mu.Unlock()

	p.persist(snapshot)
	if evicted != nil {
		log.Printf("proxypool: %s unhealthy after %d consecutive failures, released from %s",
			endpoint, snapshot.ConsecutiveFailures, evicted)
	}
	return evicted
}

// HeldBy returns the endpoint identityID currently holds, or "".
func (p *Pool) HeldBy(identityID uuid.UUID) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byIdentity[identityID]
}

// Snapshot returns a point-in-time copy of the pool for the operator UI.
func (p *Pool) Snapshot() models.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := models.PoolSnapshot{
		Proxies: make([]models.Proxy, 0, len(p.proxies)),
		TakenAt: time.Now(),
	}
	for _, e := range p.proxies {
		snap.Proxies = append(snap.Proxies, e.proxy)
		if e.proxy.Health == models.HealthHealthy {
			snap.Healthy++
		}
		if e.proxy.AssignedTo != nil {
			snap.Assigned++
		}
	}
	return snap
}

// wake wakes every AssignWait waiter by closing the current notify channel
// and installing a fresh one. Broadcast semantics: two releases in quick
// succession must unblock two waiters, so a single-slot nudge is not enough.
func (p *Pool) wake() {
	p.mu.Lock()
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

// waitCh returns the channel the next wake() will close.
func (p *Pool) waitCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify
}

func (p *Pool) persist(proxy models.Proxy) {
	if p.persister == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.persister.SaveProxy(ctx, proxy); err != nil {
		log.Printf("proxypool: persist proxy %s: %v", proxy.Endpoint, err)
	}
}
