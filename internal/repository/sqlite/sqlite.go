// Package sqlite - хранилище движка на SQLite (modernc.org/sqlite, без cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store реализует engine.Store, UserAgentDirectory и audit.StorageInterface.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open открывает базу по пути, создавая каталог и схему при необходимости.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	// Один писатель: SQLite сериализует запись, лишние соединения дают SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: logger.With(zap.String("mod", "sqlite"))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}
	s.logger.Info("sqlite store initialized", zap.String("path", path))
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			vendor_id        TEXT NOT NULL UNIQUE,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			business_type    TEXT NOT NULL,
			languages        TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL,
			channels         TEXT NOT NULL DEFAULT '[]',
			character_config TEXT,
			context          TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
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
			config               TEXT,
			reason               TEXT NOT NULL DEFAULT '',
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_agent_type ON channels(agent_id, channel_type);

		CREATE TABLE IF NOT EXISTS provisioning_log (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			step       TEXT NOT NULL,
			status     TEXT NOT NULL,
			details    TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_provisioning_log_agent ON provisioning_log(agent_id, seq);

		CREATE TABLE IF NOT EXISTS user_bindings (
			user_id    TEXT NOT NULL,
			platform   TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			vendor_id  TEXT NOT NULL,
			created_at TEXT NOT NULL,
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
			content     TEXT,
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			timestamp   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_communication_logs_agent ON communication_logs(agent_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

const agentColumns = `id, vendor_id, name, description, business_type, languages, status, channels,
	character_config, context, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.VendorID, a.Name, a.Description, a.BusinessType,
		encode(a.Languages), string(a.Status), encode(a.Channels),
		encode(a.CharacterConfig), encode(a.Context),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: vendor_id %q is already registered", domain.ErrConflict, a.VendorID)
		}
		return fmt.Errorf("sqlite: insert agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return a, err
}

func (s *Store) FindAgentByVendor(ctx context.Context, vendorID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE vendor_id = ?`, vendorID)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vendor %s", domain.ErrNotFound, vendorID)
	}
	return a, err
}

func (s *Store) ListAgents(ctx context.Context, f engine.AgentFilter) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.VendorID != "" {
		where = append(where, "vendor_id = ?")
		args = append(args, f.VendorID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1 // В SQLite LIMIT -1 - без ограничения
	}
	query += " ORDER BY created_at, id LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer rows.Close()

	agents := []*domain.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, description = ?, business_type = ?, languages = ?, status = ?,
			channels = ?, character_config = ?, context = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Description, a.BusinessType, encode(a.Languages), string(a.Status),
		encode(a.Channels), encode(a.CharacterConfig), encode(a.Context), formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update agent: %w", err)
	}
	return expectRow(res, "agent", a.ID)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete agent: %w", err)
	}
	if err := expectRow(res, "agent", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM provisioning_log WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete provisioning log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_bindings WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete bindings: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SuspendedAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM agents WHERE status IN (?, ?)`,
		string(domain.StatusPaused), string(domain.StatusStopped))
	if err != nil {
		return nil, fmt.Errorf("sqlite: suspended agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const channelColumns = `id, agent_id, channel_type, status, external_instance_id, routing_id, phone_number,
	integration_ref, external_agent_id, config, reason, created_at, updated_at`

// SaveChannel - upsert по (agent_id, channel_type), id канала сохраняется.
func (s *Store) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, channel_type) DO UPDATE SET
			status = excluded.status,
			external_instance_id = excluded.external_instance_id,
			routing_id = excluded.routing_id,
			phone_number = excluded.phone_number,
			integration_ref = excluded.integration_ref,
			external_agent_id = excluded.external_agent_id,
			config = excluded.config,
			reason = excluded.reason,
			updated_at = excluded.updated_at
		WHERE channels.id = excluded.id`,
		ch.ID, ch.AgentID, string(ch.Type), string(ch.Status),
		ch.ExternalInstanceID, ch.RoutingID, ch.PhoneNumber, ch.IntegrationRef, ch.ExternalAgentID,
		encode(ch.Config), ch.Reason, formatTime(ch.CreatedAt), formatTime(ch.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: channel %s already exists for agent %s", domain.ErrConflict, ch.Type, ch.AgentID)
		}
		return fmt.Errorf("sqlite: save channel: %w", err)
	}
	// Конфликт по (agent_id, channel_type) с другим id: WHERE отсек обновление
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: channel %s already exists for agent %s", domain.ErrConflict, ch.Type, ch.AgentID)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, agentID string, t domain.ChannelType) (*domain.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE agent_id = ? AND channel_type = ?`, agentID, string(t))
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %s of agent %s", domain.ErrNotFound, t, agentID)
	}
	return ch, err
}

func (s *Store) ListChannels(ctx context.Context, agentID string) ([]*domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE agent_id = ? ORDER BY created_at, channel_type`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list channels: %w", err)
	}
	defer rows.Close()

	out := []*domain.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChannels(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("sqlite: delete channels: %w", err)
	}
	return nil
}

// AppendLog присваивает записи Seq из AUTOINCREMENT, ID - его строковое значение.
func (s *Store) AppendLog(ctx context.Context, e *domain.ProvisioningLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_log (agent_id, channel_id, step, status, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.ChannelID, e.Step, string(e.Status), encode(e.Details), formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append provisioning log: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: provisioning log seq: %w", err)
	}
	e.Seq = seq
	e.ID = strconv.FormatInt(seq, 10)
	return nil
}

func (s *Store) ListLog(ctx context.Context, agentID string) ([]domain.ProvisioningLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, agent_id, channel_id, step, status, details, created_at
		FROM provisioning_log WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list provisioning log: %w", err)
	}
	defer rows.Close()

	out := []domain.ProvisioningLogEntry{}
	for rows.Next() {
		var (
			e               domain.ProvisioningLogEntry
			status, created string
			details         sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.AgentID, &e.ChannelID, &e.Step, &status, &details, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan provisioning log: %w", err)
		}
		e.ID = strconv.FormatInt(e.Seq, 10)
		e.Status = domain.LogStatus(status)
		if err := decode(details, &e.Details); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BindUser закрепляет пользователя платформы за агентом (последняя привязка побеждает).
func (s *Store) BindUser(ctx context.Context, e domain.DirectoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_bindings (user_id, platform, agent_id, vendor_id, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, platform) DO UPDATE SET agent_id = excluded.agent_id, vendor_id = excluded.vendor_id`,
		e.UserID, e.Platform, e.AgentID, e.VendorID, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: bind user: %w", err)
	}
	return nil
}

func (s *Store) Lookup(ctx context.Context, userID, platform string) (*domain.DirectoryEntry, bool, error) {
	e := domain.DirectoryEntry{UserID: userID, Platform: platform}
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, vendor_id, created_at FROM user_bindings WHERE user_id = ? AND platform = ?`,
		userID, platform).Scan(&e.AgentID, &e.VendorID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: lookup binding: %w", err)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// WriteBatch пишет пачку журнала коммуникаций одной транзакцией.
func (s *Store) WriteBatch(ctx context.Context, logs []domain.CommunicationLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO communication_logs
			(id, trace_id, agent_id, vendor_id, direction, channel, user_id, content, status, error, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare communication log: %w", err)
	}
	defer stmt.Close()

	for _, l := range logs {
		if _, err := stmt.ExecContext(ctx,
			l.ID, l.TraceID, l.AgentID, l.VendorID, l.Direction, l.Channel, l.UserID,
			encode(l.Content), l.Status, l.Error, l.DurationMs, formatTime(l.Timestamp),
		); err != nil {
			return fmt.Errorf("sqlite: insert communication log: %w", err)
		}
	}
	return tx.Commit()
}

// Communications возвращает журнал коммуникаций агента по времени.
func (s *Store) Communications(ctx context.Context, agentID string, limit int) ([]domain.CommunicationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, agent_id, vendor_id, direction, channel, user_id, content, status, error, duration_ms, timestamp
		FROM communication_logs WHERE agent_id = ? ORDER BY timestamp LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list communication logs: %w", err)
	}
	defer rows.Close()

	out := []domain.CommunicationLog{}
	for rows.Next() {
		var (
			l       domain.CommunicationLog
			content sql.NullString
			ts      string
		)
		if err := rows.Scan(&l.ID, &l.TraceID, &l.AgentID, &l.VendorID, &l.Direction, &l.Channel,
			&l.UserID, &content, &l.Status, &l.Error, &l.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan communication log: %w", err)
		}
		if err := decode(content, &l.Content); err != nil {
			return nil, err
		}
		if l.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*domain.Agent, error) {
	var (
		a                             domain.Agent
		languages, channels           sql.NullString
		characterConfig, agentContext sql.NullString
		status, createdAt, updatedAt  string
	)
	err := row.Scan(&a.ID, &a.VendorID, &a.Name, &a.Description, &a.BusinessType,
		&languages, &status, &channels, &characterConfig, &agentContext, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan agent: %w", err)
	}
	a.Status = domain.AgentStatus(status)
	for _, f := range []struct {
		src sql.NullString
		dst any
	}{
		{languages, &a.Languages},
		{channels, &a.Channels},
		{characterConfig, &a.CharacterConfig},
		{agentContext, &a.Context},
	} {
		if err := decode(f.src, f.dst); err != nil {
			return nil, err
		}
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanChannel(row scanner) (*domain.Channel, error) {
	var (
		ch                                   domain.Channel
		chType, status, createdAt, updatedAt string
		config                               sql.NullString
	)
	err := row.Scan(&ch.ID, &ch.AgentID, &chType, &status,
		&ch.ExternalInstanceID, &ch.RoutingID, &ch.PhoneNumber, &ch.IntegrationRef, &ch.ExternalAgentID,
		&config, &ch.Reason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan channel: %w", err)
	}
	ch.Type = domain.ChannelType(chType)
	ch.Status = domain.ChannelStatus(status)
	if err := decode(config, &ch.Config); err != nil {
		return nil, err
	}
	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ch, nil
}

// encode сериализует значение в JSON; nil-карта хранится как NULL.
func encode(v any) any {
	if m, ok := v.(map[string]any); ok && m == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func decode(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" || src.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("sqlite: decode json column: %w", err)
	}
	return nil
}

// Фиксированная ширина: строки сортируются так же, как время
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
