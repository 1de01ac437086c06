package proxypool

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// ProbeFunc checks whether a proxy endpoint is reachable. The default
// implementation dials the endpoint with a bounded timeout; tests inject
// their own.
type ProbeFunc func(ctx context.Context, endpoint string) error

// DialProbe returns a ProbeFunc that attempts a TCP connection to the
// endpoint within timeout.
func DialProbe(timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, endpoint string) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// StartProber launches the background health check loop. It periodically
// probes Unhealthy and Cooling-down proxies: a successful probe moves an
// Unhealthy proxy into Cooling-down probation, and after the configured
// number of sustained successes a Cooling-down proxy returns to Healthy.
// Any probe failure sends it back to Unhealthy. The loop stops when ctx is
// cancelled.
func (p *Pool) StartProber(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				p.probeRound(ctx, probe)
			}
		}
	}()
}

// probeRound probes every recovering proxy once. Probes run outside the
// pool lock; only the resulting state transition takes it.
func (p *Pool) probeRound(ctx context.Context, probe ProbeFunc) {
	p.mu.Lock()
	var targets []string
	for ep, e := range p.proxies {
		if e.proxy.Health == models.HealthUnhealthy || e.proxy.Health == models.HealthCoolingDown {
			targets = append(targets, ep)
		}
	}
	p.mu.Unlock()

	for _, ep := range targets {
		err := probe(ctx, ep)
		p.recordProbe(ep, err == nil)
		if ctx.Err() != nil {
			return
		}
	}
}

// recordProbe applies one probe result to the probation ladder.
func (p *Pool) recordProbe(endpoint string, ok bool) {
	p.mu.Lock()
	e, exists := p.proxies[endpoint]
	if !exists {
		p.mu.Unlock()
		return
	}

	e.proxy.LastCheckedAt = time.Now()
	restored := false

	switch {
	case !ok:
		// Back to the bottom of the ladder.
		e.proxy.Health = models.HealthUnhealthy
		e.probeSuccesses = 0
	case e.proxy.Health == models.HealthUnhealthy:
		e.proxy.Health = models.HealthCoolingDown
		e.probeSuccesses = 1
	case e.proxy.Health == models.HealthCoolingDown:
		e.probeSuccesses++
		if e.probeSuccesses >= p.probeSuccesses {
			e.proxy.Health = models.HealthHealthy
			e.proxy.ConsecutiveFailures = 0
			e.probeSuccesses = 0
			restored = true
		}
	}
	snapshot := e.proxy
	p.mu.Unlock()

	p.persist(snapshot)
	if restored {
		log.Printf("[prober] %s restored to healthy", endpoint)
		if p.OnRestore != nil {
			p.OnRestore(endpoint)
		}
		p.wake()
	}
}
