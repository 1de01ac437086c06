package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// Config holds everything the coordination core needs at startup. Loaded
// once from the environment, validated, and never mutated afterwards.
type Config struct {
	PostgresURI    string
	RedisURI       string
	MongoURI       string
	Port           string
	AllowedOrigins []string
	Environment    string

	// OperatorKeyHash is the argon2id hash of the operator key required on
	// mutating operator endpoints. Empty disables the check (development).
	OperatorKeyHash string

	Risk     RiskConfig
	Throttle ThrottleConfig
	Pool     PoolConfig
	Warmup   models.WarmupPlan
}

// RiskConfig tunes the risk engine.
type RiskConfig struct {
	QuarantineThreshold float64       // score at which an identity is quarantined
	BanThreshold        float64       // score at which a ban is recommended (never auto-applied)
	DecayHalfLife       time.Duration // idle time for the score to halve
	QuarantineDuration  time.Duration
	KindWeights         map[models.SignalKind]float64
}

// ThrottleConfig tunes the per-identity send throttle.
type ThrottleConfig struct {
	Window      time.Duration
	MaxActions  int
	TokenExpiry time.Duration // how long a granted action token stays valid
}

// PoolConfig tunes the proxy pool coordinator.
type PoolConfig struct {
	FailureThreshold int           // consecutive failures before Unhealthy
	ProbeInterval    time.Duration // how often the background prober runs
	ProbeTimeout     time.Duration // per-probe dial timeout
	ProbeSuccesses   int           // sustained successes to leave cooling-down
	AssignWait       time.Duration // max time RequestActionSlot waits for a free proxy
}

// Load reads configuration from the environment with development defaults.
func Load() *Config {
	env := strings.ToLower(strings.TrimSpace(getEnv("ENV", "development")))

	return &Config{
		PostgresURI:     getEnv("POSTGRES_URI", "postgres://localhost:5432/herdctl?sslmode=disable"),
		RedisURI:        getEnv("REDIS_URI", "redis://localhost:6379/0"),
		MongoURI:        getEnv("MONGODB_URI", getEnv("MONGO_URI", "mongodb://localhost:27017/herdctl")),
		Port:            getEnv("PORT", "8080"),
		AllowedOrigins:  parseOrigins(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		Environment:     env,
		OperatorKeyHash: getEnv("OPERATOR_KEY_HASH", ""),
		Risk: RiskConfig{
			QuarantineThreshold: getEnvFloat("RISK_QUARANTINE_THRESHOLD", 50),
			BanThreshold:        getEnvFloat("RISK_BAN_THRESHOLD", 80),
			DecayHalfLife:       getEnvDuration("RISK_DECAY_HALF_LIFE", time.Hour),
			QuarantineDuration:  getEnvDuration("RISK_QUARANTINE_DURATION", 6*time.Hour),
			KindWeights: map[models.SignalKind]float64{
				models.SignalRateLimitHit:      getEnvFloat("RISK_WEIGHT_RATE_LIMIT", 1.0),
				models.SignalProxyFailure:      getEnvFloat("RISK_WEIGHT_PROXY_FAILURE", 0.5),
				models.SignalSuspiciousPattern: getEnvFloat("RISK_WEIGHT_SUSPICIOUS", 2.0),
				models.SignalCleanSend:         0, // clean sends carry no risk; recovery comes from decay
			},
		},
		Throttle: ThrottleConfig{
			Window:      getEnvDuration("THROTTLE_WINDOW", time.Minute),
			MaxActions:  getEnvInt("THROTTLE_MAX_ACTIONS", 20),
			TokenExpiry: getEnvDuration("THROTTLE_TOKEN_EXPIRY", 2*time.Minute),
		},
		Pool: PoolConfig{
			FailureThreshold: getEnvInt("POOL_FAILURE_THRESHOLD", 3),
			ProbeInterval:    getEnvDuration("POOL_PROBE_INTERVAL", time.Minute),
			ProbeTimeout:     getEnvDuration("POOL_PROBE_TIMEOUT", 5*time.Second),
			ProbeSuccesses:   getEnvInt("POOL_PROBE_SUCCESSES", 3),
			AssignWait:       getEnvDuration("POOL_ASSIGN_WAIT", 3*time.Second),
		},
		Warmup: models.WarmupPlan{
			Stages: []models.WarmupStage{
				{Budget: getEnvInt("WARMUP_STAGE0_BUDGET", 5), BlackoutStartHour: 1, BlackoutEndHour: 6, Weight: 0.2},
				{Budget: getEnvInt("WARMUP_STAGE1_BUDGET", 15), BlackoutStartHour: 1, BlackoutEndHour: 6, Weight: 0.3},
				{Budget: getEnvInt("WARMUP_STAGE2_BUDGET", 40), BlackoutStartHour: 2, BlackoutEndHour: 5, Weight: 0.5},
			},
			TotalDuration:     getEnvDuration("WARMUP_TOTAL_DURATION", 72*time.Hour),
			MinBudgetFraction: getEnvFloat("WARMUP_MIN_BUDGET_FRACTION", 0.5),
		},
	}
}

// Validate rejects configurations that would break core invariants.
func (c *Config) Validate() error {
	if c.Risk.QuarantineThreshold <= 0 || c.Risk.QuarantineThreshold > 100 {
		return fmt.Errorf("quarantine threshold must be in (0,100], got %f", c.Risk.QuarantineThreshold)
	}
	if c.Risk.BanThreshold <= c.Risk.QuarantineThreshold {
		return fmt.Errorf("ban threshold (%f) must exceed quarantine threshold (%f)",
			c.Risk.BanThreshold, c.Risk.QuarantineThreshold)
	}
	if c.Risk.DecayHalfLife <= 0 {
		return fmt.Errorf("risk decay half-life must be positive")
	}
	if c.Risk.QuarantineDuration <= 0 {
		return fmt.Errorf("quarantine duration must be positive")
	}
	for kind, w := range c.Risk.KindWeights {
		if w < 0 {
			return fmt.Errorf("risk weight for %s must be non-negative, got %f", kind, w)
		}
	}
	if c.Throttle.Window <= 0 || c.Throttle.MaxActions <= 0 {
		return fmt.Errorf("throttle window and max actions must be positive")
	}
	if c.Throttle.TokenExpiry <= 0 {
		return fmt.Errorf("token expiry must be positive")
	}
	if c.Pool.FailureThreshold <= 0 || c.Pool.ProbeSuccesses <= 0 {
		return fmt.Errorf("pool failure threshold and probe successes must be positive")
	}
	if c.Pool.ProbeInterval <= 0 || c.Pool.ProbeTimeout <= 0 || c.Pool.AssignWait <= 0 {
		return fmt.Errorf("pool intervals and timeouts must be positive")
	}
	return c.Warmup.Validate()
}

// IsProduction returns true when ENV is set to "production".
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func parseOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
