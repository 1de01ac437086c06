package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// Denials returned by the controller. InvalidTransition is a caller error;
// the rest are expected operating conditions the orchestration layer above
// reacts to. The core never retries on the caller's behalf.
var (
	ErrInvalidTransition    = errors.New("invalid lifecycle transition")
	ErrUnknownIdentity      = errors.New("unknown identity")
	ErrQuarantined          = errors.New("identity quarantined")
	ErrBanned               = errors.New("identity banned")
	ErrRetired              = errors.New("identity retired")
	ErrNoProxyAvailable     = errors.New("no proxy available")
	ErrBlackout             = errors.New("inside blackout window")
	ErrStageBudgetExhausted = errors.New("stage budget exhausted")
	ErrUnknownToken         = errors.New("unknown or already-consumed action token")
	ErrTokenExpired         = errors.New("action token expired")
)

// RateLimitedError denies an action slot with a retry hint, covering both
// the self-imposed sliding window and provider-imposed cooldowns.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
