package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/database"
	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/internal/models"
)

// Store persists last-known identity and proxy state. The in-memory core is
// authoritative while the process runs; this is what restarts and the
// operator UI read. All writes are upserts.
type Store interface {
	SaveIdentity(ctx context.Context, identity models.Identity) error
	SaveProxy(ctx context.Context, proxy models.Proxy) error
	DeleteProxy(ctx context.Context, endpoint string) error
	LoadIdentities(ctx context.Context) ([]models.Identity, error)
	LoadProxies(ctx context.Context) ([]models.Proxy, error)
}

// PostgresStore implements Store against the shared Postgres connection.
type PostgresStore struct{}

// NewPostgresStore returns a store backed by database.PostgresDB.
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

// SaveIdentity upserts one identity snapshot.
func (s *PostgresStore) SaveIdentity(ctx context.Context, identity models.Identity) error {
	_, err := database.PostgresDB.ExecContext(ctx, `
		INSERT INTO identities (id, status, risk_score, warmup_stage, current_proxy, ban_recommended, created_at, last_action_at, quarantine_until, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			risk_score = EXCLUDED.risk_score,
			warmup_stage = EXCLUDED.warmup_stage,
			current_proxy = EXCLUDED.current_proxy,
			ban_recommended = EXCLUDED.ban_recommended,
			last_action_at = EXCLUDED.last_action_at,
			quarantine_until = EXCLUDED.quarantine_until,
			updated_at = NOW()`,
		identity.ID, string(identity.Status), identity.RiskScore, identity.WarmupStage,
		identity.CurrentProxy, identity.BanRecommended, identity.CreatedAt,
		identity.LastActionAt, identity.QuarantineUntil)
	return err
}

// SaveProxy upserts one proxy snapshot.
func (s *PostgresStore) SaveProxy(ctx context.Context, proxy models.Proxy) error {
	var assignedTo interface{}
	if proxy.AssignedTo != nil {
		assignedTo = proxy.AssignedTo.String()
	}
	_, err := database.PostgresDB.ExecContext(ctx, `
		INSERT INTO proxies (endpoint, protocol, health, assigned_to, consecutive_failures, last_checked_at, last_assigned_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (endpoint) DO UPDATE SET
			protocol = EXCLUDED.protocol,
			health = EXCLUDED.health,
			assigned_to = EXCLUDED.assigned_to,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_checked_at = EXCLUDED.last_checked_at,
			last_assigned_at = EXCLUDED.last_assigned_at,
			updated_at = NOW()`,
		proxy.Endpoint, string(proxy.Protocol), string(proxy.Health), assignedTo,
		proxy.ConsecutiveFailures, nullableTime(proxy.LastCheckedAt), nullableTime(proxy.LastAssignedAt))
	return err
}

// DeleteProxy removes a proxy record.
func (s *PostgresStore) DeleteProxy(ctx context.Context, endpoint string) error {
	_, err := database.PostgresDB.ExecContext(ctx, `DELETE FROM proxies WHERE endpoint = $1`, endpoint)
	return err
}

// LoadIdentities returns all persisted identity snapshots.
func (s *PostgresStore) LoadIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := database.PostgresDB.QueryContext(ctx, `
		SELECT id, status, risk_score, warmup_stage, COALESCE(current_proxy, ''), ban_recommended, created_at, last_action_at, quarantine_until
		FROM identities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var identities []models.Identity
	for rows.Next() {
		var ident models.Identity
		var status string
		var lastAction, quarantineUntil sql.NullTime
		if err := rows.Scan(&ident.ID, &status, &ident.RiskScore, &ident.WarmupStage,
			&ident.CurrentProxy, &ident.BanRecommended, &ident.CreatedAt, &lastAction, &quarantineUntil); err != nil {
			return nil, err
		}
		ident.Status = models.IdentityStatus(status)
		if lastAction.Valid {
			t := lastAction.Time
			ident.LastActionAt = &t
		}
		if quarantineUntil.Valid {
			t := quarantineUntil.Time
			ident.QuarantineUntil = &t
		}
		identities = append(identities, ident)
	}
	return identities, rows.Err()
}

// LoadProxies returns all persisted proxy snapshots.
func (s *PostgresStore) LoadProxies(ctx context.Context) ([]models.Proxy, error) {
	rows, err := database.PostgresDB.QueryContext(ctx, `
		SELECT endpoint, protocol, health, assigned_to, consecutive_failures, last_checked_at, last_assigned_at
		FROM proxies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proxies []models.Proxy
	for rows.Next() {
		var proxy models.Proxy
		var protocol, health string
		var assignedTo sql.NullString
		var lastChecked, lastAssigned sql.NullTime
		if err := rows.Scan(&proxy.Endpoint, &protocol, &health, &assignedTo,
			&proxy.ConsecutiveFailures, &lastChecked, &lastAssigned); err != nil {
			return nil, err
		}
		proxy.Protocol = models.ProxyProtocol(protocol)
		proxy.Health = models.ProxyHealth(health)
		if assignedTo.Valid {
			if id, err := uuid.Parse(assignedTo.String); err == nil {
				proxy.AssignedTo = &id
			}
		}
		if lastChecked.Valid {
			proxy.LastCheckedAt = lastChecked.Time
		}
		if lastAssigned.Valid {
			proxy.LastAssignedAt = lastAssigned.Time
		}
		proxies = append(proxies, proxy)
	}
	return proxies, rows.Err()
}

// NoopStore discards everything. Used in tests and degraded mode.
type NoopStore struct{}

func (NoopStore) SaveIdentity(ctx context.Context, identity models.Identity) error { return nil }
func (NoopStore) SaveProxy(ctx context.Context, proxy models.Proxy) error          { return nil }
func (NoopStore) DeleteProxy(ctx context.Context, endpoint string) error           { return nil }
func (NoopStore) LoadIdentities(ctx context.Context) ([]models.Identity, error)    { return nil, nil }
func (NoopStore) LoadProxies(ctx context.Context) ([]models.Proxy, error)          { return nil, nil }

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
