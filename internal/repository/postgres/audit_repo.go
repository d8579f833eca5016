package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
)

// WriteBatch пишет пачку журнала коммуникаций одним INSERT.
func (s *Store) WriteBatch(ctx context.Context, logs []domain.CommunicationLog) error {
	if len(logs) == 0 {
		return nil
	}

	// Количество колонок в таблице communication_logs
	const numFields = 12
	var placeholders strings.Builder
	vals := make([]any, 0, len(logs)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, l := range logs {
		if i > 0 {
			placeholders.WriteString(",")
		}
		p := i * numFields
		fmt.Fprintf(&placeholders, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12)

		vals = append(vals,
			l.ID, l.TraceID, l.AgentID, l.VendorID, l.Direction, l.Channel,
			l.UserID, l.Content, l.Status, l.Error, l.DurationMs, l.Timestamp,
		)
	}

	query := "INSERT INTO communication_logs " +
		"(id, trace_id, agent_id, vendor_id, direction, channel, user_id, content, status, error, duration_ms, timestamp) " +
		"VALUES " + placeholders.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write communication logs: %w", err)
	}
	return nil
}

// Communications возвращает журнал коммуникаций агента по времени.
func (s *Store) Communications(ctx context.Context, agentID string, limit int) ([]domain.CommunicationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, trace_id, agent_id, vendor_id, direction, channel, user_id, content, status, error, duration_ms, timestamp
		FROM communication_logs WHERE agent_id = $1 ORDER BY timestamp LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list communication logs: %w", err)
	}
	defer rows.Close()

	out := []domain.CommunicationLog{}
	for rows.Next() {
		var l domain.CommunicationLog
		if err := rows.Scan(&l.ID, &l.TraceID, &l.AgentID, &l.VendorID, &l.Direction, &l.Channel,
			&l.UserID, &l.Content, &l.Status, &l.Error, &l.DurationMs, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan communication log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// BindUser закрепляет пользователя платформы за агентом (последняя привязка побеждает).
func (s *Store) BindUser(ctx context.Context, e domain.DirectoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_bindings (user_id, platform, agent_id, vendor_id) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, platform) DO UPDATE SET agent_id = EXCLUDED.agent_id, vendor_id = EXCLUDED.vendor_id`,
		e.UserID, e.Platform, e.AgentID, e.VendorID)
	if err != nil {
		return fmt.Errorf("postgres: failed to bind user: %w", err)
	}
	return nil
}

// Lookup - реализация UserAgentDirectory.
func (s *Store) Lookup(ctx context.Context, userID, platform string) (*domain.DirectoryEntry, bool, error) {
	e := domain.DirectoryEntry{UserID: userID, Platform: platform}
	err := s.pool.QueryRow(ctx,
		`SELECT agent_id, vendor_id, created_at FROM user_bindings WHERE user_id = $1 AND platform = $2`,
		userID, platform).Scan(&e.AgentID, &e.VendorID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to lookup binding: %w", err)
	}
	return &e, true, nil
}
