package models

import (
	"time"

	"github.com/google/uuid"
)

// ProxyProtocol is the wire protocol spoken to the egress endpoint.
type ProxyProtocol string

const (
	ProtocolHTTP   ProxyProtocol = "http"
	ProtocolSOCKS5 ProxyProtocol = "socks5"
)

// ProxyHealth is the coordinator-managed health state of a proxy.
type ProxyHealth string

const (
	HealthHealthy     ProxyHealth = "healthy"
	HealthDegraded    ProxyHealth = "degraded"
	HealthUnhealthy   ProxyHealth = "unhealthy"
	HealthCoolingDown ProxyHealth = "cooling_down"
)

// Selectable reports whether a proxy in this health state may be handed out.
// Unhealthy and cooling-down proxies are never assigned.
func (h ProxyHealth) Selectable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Proxy is one egress endpoint in the shared pool. AssignedTo is the
// identity currently holding it, or nil. Health and AssignedTo are mutated
// only by the proxy pool coordinator.
type Proxy struct {
	Endpoint            string        `json:"endpoint"`
	Protocol            ProxyProtocol `json:"protocol"`
	Health              ProxyHealth   `json:"health"`
	AssignedTo          *uuid.UUID    `json:"assigned_to,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	LastAssignedAt      time.Time     `json:"last_assigned_at"`
}

// PoolSnapshot is a point-in-time copy of the pool for the operator UI.
type PoolSnapshot struct {
	Proxies  []Proxy   `json:"proxies"`
	TakenAt  time.Time `json:"taken_at"`
	Healthy  int       `json:"healthy"`
	Assigned int       `json:"assigned"`
}
