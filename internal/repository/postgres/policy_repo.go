package postgres

/*
Файл policy_repo.go отвечает за хранение политик в PostgreSQL.
Каждая запись выполняется как compare-and-swap по колонке version: конкурентные голоса
не затирают друг друга, проигравший получает domain.ErrVersionConflict и перечитывает запись.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

const policyColumns = `id, name, description, priority, condition_logic, conditions, action, is_active, status,
	approvers, quorum_required, change_approvers_list, change_approvals_required, change_approvers,
	change_initiator, pending_changes, change_requested_at, version, created_at, updated_at`

// conditions: пять измерений условий одной JSONB-колонкой.
type conditions struct {
	Initiator    domain.InitiatorCondition   `json:"initiator"`
	SourceWallet domain.SelectorCondition    `json:"source_wallet"`
	Destination  domain.DestinationCondition `json:"destination"`
	Amount       domain.AmountCondition      `json:"amount"`
	Asset        domain.SelectorCondition    `json:"asset"`
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*domain.Policy, error) {
	var p domain.Policy
	var conds, approvers, changeList, changeApprovers, pending []byte
	var requestedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Priority, &p.ConditionLogic, &conds, &p.Action, &p.IsActive, &p.Status,
		&approvers, &p.QuorumRequired, &changeList, &p.ChangeApprovalsRequired, &changeApprovers,
		&p.ChangeInitiator, &pending, &requestedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var c conditions
	if err := json.Unmarshal(conds, &c); err != nil {
		return nil, fmt.Errorf("postgres: corrupt conditions of policy %s: %w", p.ID, err)
	}
	p.Initiator, p.SourceWallet, p.Destination, p.Amount, p.Asset = c.Initiator, c.SourceWallet, c.Destination, c.Amount, c.Asset

	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{{approvers, &p.Approvers}, {changeList, &p.ChangeApproversList}, {changeApprovers, &p.ChangeApprovers}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("postgres: corrupt roster of policy %s: %w", p.ID, err)
		}
	}

	if len(pending) > 0 && string(pending) != "null" {
		p.PendingChanges = &domain.PendingChange{}
		if err := json.Unmarshal(pending, p.PendingChanges); err != nil {
			return nil, fmt.Errorf("postgres: corrupt pending_changes of policy %s: %w", p.ID, err)
		}
	}
	if requestedAt.Valid {
		t := requestedAt.Time
		p.ChangeRequestedAt = &t
	}
	return &p, nil
}

// policyArgs: значения колонок в порядке policyColumns без id/version/created_at/updated_at.
func policyArgs(p *domain.Policy) ([]interface{}, error) {
	conds, err := json.Marshal(conditions{p.Initiator, p.SourceWallet, p.Destination, p.Amount, p.Asset})
	if err != nil {
		return nil, err
	}
	approvers, _ := json.Marshal(nonNil(p.Approvers))
	changeList, _ := json.Marshal(nonNil(p.ChangeApproversList))
	changeApprovers, _ := json.Marshal(nonNil(p.ChangeApprovers))

	var pending interface{}
	if p.PendingChanges != nil {
		raw, err := json.Marshal(p.PendingChanges)
		if err != nil {
			return nil, err
		}
		pending = string(raw)
	}
	var requestedAt interface{}
	if p.ChangeRequestedAt != nil {
		requestedAt = *p.ChangeRequestedAt
	}

	return []interface{}{
		p.Name, p.Description, p.Priority, string(p.ConditionLogic), string(conds), string(p.Action), p.IsActive,
		string(p.Status), string(approvers), p.QuorumRequired, string(changeList), p.ChangeApprovalsRequired,
		string(changeApprovers), p.ChangeInitiator, pending, requestedAt,
	}, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`

	p, err := scanPolicy(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: policy %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to get policy: %w", err)
	}
	return p, nil
}

// ListPolicies выполняет "холодную загрузку" всего набора в порядке приоритета.
func (s *Store) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies ORDER BY priority ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// CreatePolicy вставляет запись с версией 1. Занятый приоритет означает конфликт (гонка двух Create),
// занятый id означает ошибку вызывающего.
func (s *Store) CreatePolicy(ctx context.Context, p *domain.Policy) error {
	args, err := policyArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode policy: %w", err)
	}
	query := `
		INSERT INTO policies (id, name, description, priority, condition_logic, conditions, action, is_active, status,
			approvers, quorum_required, change_approvers_list, change_approvals_required, change_approvers,
			change_initiator, pending_changes, change_requested_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
		RETURNING version, created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query, append([]interface{}{p.ID}, args...)...).
		Scan(&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		switch constraint, _ := uniqueViolation(err); constraint {
		case constraintPolicyPriority:
			return fmt.Errorf("%w: priority %d is already taken", domain.ErrVersionConflict, p.Priority)
		case constraintPolicyPK:
			return &domain.ValidationError{Field: "id", Message: fmt.Sprintf("policy %s already exists", p.ID)}
		}
		return fmt.Errorf("postgres: failed to create policy: %w", err)
	}
	return nil
}

// UpdatePolicy делает CAS: запись проходит только если в базе все еще p.Version.
func (s *Store) UpdatePolicy(ctx context.Context, p *domain.Policy) error {
	args, err := policyArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode policy: %w", err)
	}
	query := `
		UPDATE policies
		SET name = $1, description = $2, priority = $3, condition_logic = $4, conditions = $5, action = $6,
		    is_active = $7, status = $8, approvers = $9, quorum_required = $10, change_approvers_list = $11,
		    change_approvals_required = $12, change_approvers = $13, change_initiator = $14,
		    pending_changes = $15, change_requested_at = $16,
		    version = version + 1, updated_at = NOW()
		WHERE id = $17 AND version = $18
		RETURNING version, updated_at`

	err = s.db.QueryRowContext(ctx, query, append(args, p.ID, p.Version)...).Scan(&p.Version, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.casMiss(ctx, "policies", p.ID, p.Version)
		}
		return fmt.Errorf("postgres: failed to update policy: %w", err)
	}
	return nil
}

// DeletePolicy удаляет политику, только если ее версия не изменилась.
func (s *Store) DeletePolicy(ctx context.Context, id string, version int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1 AND version = $2`, id, version)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.casMiss(ctx, "policies", id, version)
	}
	return nil
}

// ReorderPolicies переписывает приоритеты в одной транзакции.
// Уникальность приоритета проверяется при COMMIT (DEFERRABLE), поэтому перестановки допустимы.
func (s *Store) ReorderPolicies(ctx context.Context, reordered []*domain.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin reorder: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // после Commit это no-op

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies`).Scan(&total); err != nil {
		return fmt.Errorf("postgres: failed to count policies: %w", err)
	}
	if total != len(reordered) {
		return fmt.Errorf("%w: policy set changed during reorder", domain.ErrVersionConflict)
	}

	for _, p := range reordered {
		err := tx.QueryRowContext(ctx, `
			UPDATE policies SET priority = $1, version = version + 1, updated_at = NOW()
			WHERE id = $2 AND version = $3
			RETURNING version`, p.Priority, p.ID, p.Version).Scan(&p.Version)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: policy %s changed during reorder", domain.ErrVersionConflict, p.ID)
			}
			return fmt.Errorf("postgres: failed to reorder policy %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if constraint, _ := uniqueViolation(err); constraint == constraintPolicyPriority {
			return fmt.Errorf("%w: priorities collided during reorder", domain.ErrVersionConflict)
		}
		return fmt.Errorf("postgres: failed to commit reorder: %w", err)
	}
	return nil
}

// casMiss различает "записи нет" и "версия ушла вперед".
func (s *Store) casMiss(ctx context.Context, table, id string, version int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = $1`, id).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, table, id)
	case err != nil:
		return fmt.Errorf("postgres: failed to check version: %w", err)
	}
	return fmt.Errorf("%w: %s %s is at version %d, not %d", domain.ErrVersionConflict, table, id, current, version)
}
