package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"
)

var PostgresDB *sql.DB

// ConnectPostgres connects to PostgreSQL database
func ConnectPostgres(postgresURI string) error {
	var err error

	PostgresDB, err = sql.Open("postgres", postgresURI)
	if err != nil {
		return err
	}

	// Set connection pool settings
	PostgresDB.SetMaxOpenConns(25)
	PostgresDB.SetMaxIdleConns(5)
	PostgresDB.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err = PostgresDB.Ping(); err != nil {
		return err
	}

	log.Println("✅ Connected to PostgreSQL")

	// Initialize tables
	if err = InitPostgresTables(); err != nil {
		return err
	}

	return nil
}

// InitPostgresTables creates all necessary tables if they don't exist
func InitPostgresTables() error {
	queries := []string{
		// Identities table: last-known snapshot of every managed account.
		// The in-memory core is authoritative while the process runs; this
		// table is what the operator UI and restarts read.
		`CREATE TABLE IF NOT EXISTS identities (
			id UUID PRIMARY KEY,
			status VARCHAR(20) NOT NULL,
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			warmup_stage INTEGER NOT NULL DEFAULT 0,
			current_proxy VARCHAR(255),
			ban_recommended BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			last_action_at TIMESTAMP,
			quarantine_until TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		// Proxies table: pool membership and last-known health/assignment.
		`CREATE TABLE IF NOT EXISTS proxies (
			endpoint VARCHAR(255) PRIMARY KEY,
			protocol VARCHAR(10) NOT NULL,
			health VARCHAR(20) NOT NULL,
			assigned_to UUID,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_checked_at TIMESTAMP,
			last_assigned_at TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		// Create indexes for better performance
		`CREATE INDEX IF NOT EXISTS idx_identities_status ON identities(status)`,
		`CREATE INDEX IF NOT EXISTS idx_identities_updated_at ON identities(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_health ON proxies(health)`,
		`CREATE INDEX IF NOT EXISTS idx_proxies_assigned_to ON proxies(assigned_to)`,
	}

	for _, query := range queries {
		if _, err := PostgresDB.Exec(query); err != nil {
			return err
		}
	}

	log.Println("✅ PostgreSQL tables initialized")
	return nil
}

// DisconnectPostgres closes the PostgreSQL connection
func DisconnectPostgres() error {
	if PostgresDB != nil {
		return PostgresDB.Close()
	}
	return nil
}
