package models

import (
	"time"

	"github.com/google/uuid"
)

// IdentityStatus is the lifecycle state of a messaging identity.
type IdentityStatus string

const (
	StatusProvisioning IdentityStatus = "provisioning"
	StatusWarming      IdentityStatus = "warming"
	StatusActive       IdentityStatus = "active"
	StatusQuarantined  IdentityStatus = "quarantined"
	StatusBanned       IdentityStatus = "banned"
	StatusRetired      IdentityStatus = "retired"
)

// IsTerminal reports whether no further transitions are allowed from s.
// Banned and Retired are absorbing states.
func (s IdentityStatus) IsTerminal() bool {
	return s == StatusBanned || s == StatusRetired
}

// Identity is one automated messaging account managed by the core.
// CurrentProxy is the endpoint of the proxy currently assigned to this
// identity, or empty. When non-empty the proxy pool's assignment table
// must agree (bidirectional 1:1).
type Identity struct {
	ID              uuid.UUID      `json:"id"`
	Status          IdentityStatus `json:"status"`
	RiskScore       float64        `json:"risk_score"`
	WarmupStage     int            `json:"warmup_stage"`
	CurrentProxy    string         `json:"current_proxy,omitempty"`
	BanRecommended  bool           `json:"ban_recommended"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActionAt    *time.Time     `json:"last_action_at,omitempty"`
	QuarantineUntil *time.Time     `json:"quarantine_until,omitempty"`
}

// ActionClass describes the kind of outbound activity a driver wants to
// perform with a granted slot.
type ActionClass string

const (
	ActionSendMessage ActionClass = "send_message"
	ActionJoinChannel ActionClass = "join_channel"
	ActionWarmupPing  ActionClass = "warmup_ping"
)

// ActionToken is the go-ahead returned by the lifecycle controller. The
// driver must route its network call through ProxyEndpoint and report the
// outcome for this token exactly once.
type ActionToken struct {
	ID            uuid.UUID `json:"id"`
	IdentityID    uuid.UUID `json:"identity_id"`
	ProxyEndpoint string    `json:"proxy_endpoint"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// OutcomeKind classifies the result of an attempted action.
type OutcomeKind string

const (
	OutcomeSuccess             OutcomeKind = "success"
	OutcomeProviderRateLimited OutcomeKind = "provider_rate_limited"
	OutcomeProxyFailed         OutcomeKind = "proxy_failed"
	OutcomeHardBan             OutcomeKind = "hard_ban"
)

// Outcome is the report a driver files after using an action token.
// RetryAfter is only meaningful for OutcomeProviderRateLimited and carries
// the backoff the provider demanded.
type Outcome struct {
	Kind       OutcomeKind   `json:"kind"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}
