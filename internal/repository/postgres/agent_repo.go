package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/voca-engine/internal/domain"
	"github.com/xela07ax/voca-engine/internal/engine"
)

const agentColumns = `id, vendor_id, name, description, business_type, languages, status, channels,
	character_config, context, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	query := `INSERT INTO agents (` + agentColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		a.ID, a.VendorID, a.Name, a.Description, a.BusinessType, nonNil(a.Languages), string(a.Status),
		channelStrings(a.Channels), a.CharacterConfig, a.Context, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: vendor_id %q is already registered", domain.ErrConflict, a.VendorID)
		}
		return fmt.Errorf("postgres: failed to create agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return a, err
}

func (s *Store) FindAgentByVendor(ctx context.Context, vendorID string) (*domain.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE vendor_id = $1`, vendorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: vendor %s", domain.ErrNotFound, vendorID)
	}
	return a, err
}

// ListAgents - выборка с фильтром по статусу/вендору и пагинацией.
func (s *Store) ListAgents(ctx context.Context, f engine.AgentFilter) ([]*domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.VendorID != "" {
		args = append(args, f.VendorID)
		where = append(where, fmt.Sprintf("vendor_id = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	args = append(args, f.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query agents: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
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
	query := `
		UPDATE agents SET name = $1, description = $2, business_type = $3, languages = $4, status = $5,
			channels = $6, character_config = $7, context = $8, updated_at = $9
		WHERE id = $10`

	ct, err := s.pool.Exec(ctx, query,
		a.Name, a.Description, a.BusinessType, nonNil(a.Languages), string(a.Status),
		channelStrings(a.Channels), a.CharacterConfig, a.Context, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update agent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, a.ID)
	}
	return nil
}

// DeleteAgent удаляет агента вместе с журналом и привязками пользователей.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete agent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM provisioning_log WHERE agent_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to delete provisioning log: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_bindings WHERE agent_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to delete bindings: %w", err)
	}
	return tx.Commit(ctx)
}

// SuspendedAgents - источник для прогрева кэша приостановленных агентов.
func (s *Store) SuspendedAgents(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM agents WHERE status = ANY($1)`,
		[]string{string(domain.StatusPaused), string(domain.StatusStopped)})
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query suspended agents: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var (
		a        domain.Agent
		status   string
		channels []string
	)
	err := row.Scan(&a.ID, &a.VendorID, &a.Name, &a.Description, &a.BusinessType, &a.Languages,
		&status, &channels, &a.CharacterConfig, &a.Context, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scan agent: %w", err)
	}
	a.Status = domain.AgentStatus(status)
	for _, c := range channels {
		a.Channels = append(a.Channels, domain.ChannelType(c))
	}
	return &a, nil
}

func channelStrings(types []domain.ChannelType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
