package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store реализует engine.Store, UserAgentDirectory и audit.StorageInterface поверх pgxpool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

type Options struct {
	MaxConns int32
	MinConns int32
}

// Open подключается к базе, проверяет соединение и применяет схему.
func Open(ctx context.Context, connString string, opts Options, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: logger.With(zap.String("mod", "postgres"))}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping проверяет доступность базы (readiness)
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			vendor_id        TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			business_type    TEXT NOT NULL,
			languages        TEXT[] NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL,
			channels         TEXT[] NOT NULL DEFAULT '{}',
			character_config JSONB,
			context          JSONB,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS channels (
			id                   TEXT PRIMARY KEY,
			agent_id             TEXT NOT NULL,
			channel_type         TEXT NOT NULL,
			status               TEXT NOT NULL,
			external_instance_id TEXT NOT NULL DEFAULT '',
			routing_id           TEXT NOT NULL DEFAULT '',
			phone_number         TEXT NOT NULL DEFAULT '',
			integration_ref      TEXT NOT NULL DEFAULT '',
			external_agent_id    TEXT NOT NULL DEFAULT '',
			config               JSONB,
			reason               TEXT NOT NULL DEFAULT '',
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL,
			UNIQUE (agent_id, channel_type)
		);

		CREATE TABLE IF NOT EXISTS provisioning_log (
			seq        BIGSERIAL PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			step       TEXT NOT NULL,
			status     TEXT NOT NULL,
			details    JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_provisioning_log_agent ON provisioning_log(agent_id, seq);

		CREATE TABLE IF NOT EXISTS user_bindings (
			user_id    TEXT NOT NULL,
			platform   TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			vendor_id  TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, platform)
		);

		CREATE TABLE IF NOT EXISTS communication_logs (
			id          TEXT PRIMARY KEY,
			trace_id    TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			vendor_id   TEXT NOT NULL,
			direction   TEXT NOT NULL,
			channel     TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			content     JSONB,
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			timestamp   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_communication_logs_agent ON communication_logs(agent_id, timestamp);
	`)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
