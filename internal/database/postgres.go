package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// DB wraps the sql pool plus the typed stores built on it.
type DB struct {
	*sql.DB

	Users         *UserStore
	Orgs          *OrgStore
	Projects      *ProjectStore
	APIKeys       *APIKeyStore
	Providers     *ProviderStore
	Identities    *IdentityStore
	OidcStates    *OidcStateStore
	Sessions      *SessionStore
	Logs          *LogStore
	Traces        *TraceStore
	SigmaRules    *SigmaRuleStore
	AlertRules    *AlertRuleStore
	Notifications *NotificationStore
	Settings      *SettingStore
}

// Connect opens the pool, verifies connectivity and wires the stores.
func Connect(url string) (*DB, error) {
	pool, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	db := &DB{DB: pool}
	db.Users = &UserStore{db: pool}
	db.Orgs = &OrgStore{db: pool}
	db.Projects = &ProjectStore{db: pool}
	db.APIKeys = &APIKeyStore{db: pool}
	db.Providers = &ProviderStore{db: pool}
	db.Identities = &IdentityStore{db: pool}
	db.OidcStates = &OidcStateStore{db: pool}
	db.Sessions = &SessionStore{db: pool}
	db.Logs = &LogStore{db: pool}
	db.Traces = &TraceStore{db: pool}
	db.SigmaRules = &SigmaRuleStore{db: pool}
	db.AlertRules = &AlertRuleStore{db: pool}
	db.Notifications = &NotificationStore{db: pool}
	db.Settings = &SettingStore{db: pool}

	slog.Info("Postgres connected")
	return db, nil
}

// Migrate creates the schema if it does not exist. Hypertable conversion is
// attempted and ignored when the timescaledb extension is absent (plain
// Postgres still works, just without compression and fast time_bucket).
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	for _, stmt := range hypertables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			slog.Warn("hypertable setup skipped", "error", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_login_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS organizations (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		owner_id UUID NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS organization_members (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		role TEXT NOT NULL DEFAULT 'member',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, organization_id)
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id),
		name TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS auth_providers (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		icon TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		display_order INT NOT NULL DEFAULT 0,
		config JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS user_identities (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		provider_id UUID NOT NULL REFERENCES auth_providers(id) ON DELETE CASCADE,
		provider_user_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (provider_id, provider_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS oidc_states (
		state TEXT PRIMARY KEY,
		nonce TEXT NOT NULL,
		provider_id UUID NOT NULL,
		redirect_uri TEXT NOT NULL,
		code_verifier TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id UUID NOT NULL,
		time TIMESTAMPTZ NOT NULL,
		project_id UUID NOT NULL,
		service TEXT NOT NULL DEFAULT 'unknown',
		level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		trace_id TEXT NOT NULL DEFAULT '',
		span_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (time, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_project_time ON logs (project_id, time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_trace ON logs (project_id, trace_id) WHERE trace_id <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_logs_fts ON logs USING gin (to_tsvector('english', message))`,
	`CREATE TABLE IF NOT EXISTS spans (
		time TIMESTAMPTZ NOT NULL,
		project_id UUID NOT NULL,
		organization_id UUID NOT NULL,
		trace_id TEXT NOT NULL,
		span_id TEXT NOT NULL,
		parent_span_id TEXT NOT NULL DEFAULT '',
		service_name TEXT NOT NULL DEFAULT 'unknown',
		operation_name TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		kind TEXT NOT NULL DEFAULT 'INTERNAL',
		status_code TEXT NOT NULL DEFAULT 'UNSET',
		status_message TEXT NOT NULL DEFAULT '',
		attributes JSONB NOT NULL DEFAULT '{}',
		events JSONB NOT NULL DEFAULT '[]',
		links JSONB NOT NULL DEFAULT '[]',
		resource_attributes JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (time, trace_id, span_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans (project_id, trace_id)`,
	`CREATE TABLE IF NOT EXISTS traces (
		trace_id TEXT NOT NULL,
		project_id UUID NOT NULL,
		service_name TEXT NOT NULL DEFAULT 'unknown',
		root_service_name TEXT NOT NULL DEFAULT '',
		root_operation_name TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		span_count INT NOT NULL DEFAULT 0,
		error BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (project_id, trace_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sigma_rules (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id),
		project_id UUID REFERENCES projects(id),
		sigma_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		level TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'experimental',
		logsource JSONB NOT NULL DEFAULT '{}',
		detection JSONB NOT NULL DEFAULT '{}',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		email_recipients TEXT[] NOT NULL DEFAULT '{}',
		webhook_url TEXT NOT NULL DEFAULT '',
		alert_rule_id UUID,
		conversion_meta JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id UUID PRIMARY KEY,
		organization_id UUID NOT NULL REFERENCES organizations(id),
		project_id UUID REFERENCES projects(id),
		name TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		levels TEXT[] NOT NULL DEFAULT '{}',
		time_window_min INT NOT NULL DEFAULT 5,
		threshold INT NOT NULL DEFAULT 1,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		email_recipients TEXT[] NOT NULL DEFAULT '{}',
		webhook_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alert_history (
		id UUID PRIMARY KEY,
		rule_id UUID NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
		log_count INT NOT NULL DEFAULT 0,
		triggered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		notified_at TIMESTAMPTZ,
		error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		key TEXT PRIMARY KEY,
		value JSONB NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

var hypertables = []string{
	`SELECT create_hypertable('logs', 'time', if_not_exists => TRUE)`,
	`SELECT create_hypertable('spans', 'time', if_not_exists => TRUE)`,
}
