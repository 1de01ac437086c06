package models

import (
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SignalKind classifies a risk signal.
type SignalKind string

const (
	SignalRateLimitHit      SignalKind = "rate_limit_hit"
	SignalProxyFailure      SignalKind = "proxy_failure"
	SignalSuspiciousPattern SignalKind = "suspicious_pattern"
	SignalCleanSend         SignalKind = "clean_send"
)

// RiskSignal is an immutable risk event for one identity. Signals are never
// mutated after creation, only folded into the identity's score and
// archived.
type RiskSignal struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	IdentityID uuid.UUID          `bson:"identity_id" json:"identity_id"`
	Kind       SignalKind         `bson:"kind" json:"kind"`
	Magnitude  float64            `bson:"magnitude" json:"magnitude"`
	Timestamp  time.Time          `bson:"timestamp" json:"timestamp"`
}
