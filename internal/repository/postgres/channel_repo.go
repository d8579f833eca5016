package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
)

const channelColumns = `id, agent_id, channel_type, status, external_instance_id, routing_id, phone_number,
	integration_ref, external_agent_id, config, reason, created_at, updated_at`

// SaveChannel - upsert по (agent_id, channel_type). Запись с другим id для той же пары - конфликт.
func (s *Store) SaveChannel(ctx context.Context, ch *domain.Channel) error {
	query := `
		INSERT INTO channels (` + channelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (agent_id, channel_type) DO UPDATE SET
			status = EXCLUDED.status,
			external_instance_id = EXCLUDED.external_instance_id,
			routing_id = EXCLUDED.routing_id,
			phone_number = EXCLUDED.phone_number,
			integration_ref = EXCLUDED.integration_ref,
			external_agent_id = EXCLUDED.external_agent_id,
			config = EXCLUDED.config,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
		WHERE channels.id = EXCLUDED.id`

	ct, err := s.pool.Exec(ctx, query,
		ch.ID, ch.AgentID, string(ch.Type), string(ch.Status),
		ch.ExternalInstanceID, ch.RoutingID, ch.PhoneNumber, ch.IntegrationRef, ch.ExternalAgentID,
		ch.Config, ch.Reason, ch.CreatedAt, ch.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: channel id %s is taken", domain.ErrConflict, ch.ID)
		}
		return fmt.Errorf("postgres: failed to save channel: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: channel %s already exists for agent %s", domain.ErrConflict, ch.Type, ch.AgentID)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, agentID string, t domain.ChannelType) (*domain.Channel, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE agent_id = $1 AND channel_type = $2`, agentID, string(t))
	ch, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: channel %s of agent %s", domain.ErrNotFound, t, agentID)
	}
	return ch, err
}

func (s *Store) ListChannels(ctx context.Context, agentID string) ([]*domain.Channel, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE agent_id = $1 ORDER BY created_at, channel_type`, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query channels: %w", err)
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
	if _, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("postgres: failed to delete channels: %w", err)
	}
	return nil
}

// AppendLog - только вставка. Seq выдает BIGSERIAL, это глобальный порядок записей.
func (s *Store) AppendLog(ctx context.Context, e *domain.ProvisioningLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO provisioning_log (agent_id, channel_id, step, status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		e.AgentID, e.ChannelID, e.Step, string(e.Status), e.Details, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("postgres: failed to append provisioning log: %w", err)
	}
	e.ID = strconv.FormatInt(e.Seq, 10)
	return nil
}

func (s *Store) ListLog(ctx context.Context, agentID string) ([]domain.ProvisioningLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, agent_id, channel_id, step, status, details, created_at
		FROM provisioning_log WHERE agent_id = $1 ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query provisioning log: %w", err)
	}
	defer rows.Close()

	out := []domain.ProvisioningLogEntry{}
	for rows.Next() {
		var (
			e      domain.ProvisioningLogEntry
			status string
		)
		if err := rows.Scan(&e.Seq, &e.AgentID, &e.ChannelID, &e.Step, &status, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan provisioning log: %w", err)
		}
		e.ID = strconv.FormatInt(e.Seq, 10)
		e.Status = domain.LogStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanChannel(row pgx.Row) (*domain.Channel, error) {
	var (
		ch             domain.Channel
		chType, status string
	)
	err := row.Scan(&ch.ID, &ch.AgentID, &chType, &status,
		&ch.ExternalInstanceID, &ch.RoutingID, &ch.PhoneNumber, &ch.IntegrationRef, &ch.ExternalAgentID,
		&ch.Config, &ch.Reason, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan channel: %w", err)
	}
	ch.Type = domain.ChannelType(chType)
	ch.Status = domain.ChannelStatus(status)
	return &ch, nil
}
