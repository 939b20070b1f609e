package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

const transactionColumns = `id, policy_id, request, initiator, approvers, quorum_required, approvals,
	approval_timestamps, status, version, created_at, updated_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var request, approvers, approvals, stamps []byte
	err := row.Scan(&tx.ID, &tx.PolicyID, &request, &tx.Initiator, &approvers, &tx.QuorumRequired, &approvals,
		&stamps, &tx.Status, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(request, &tx.Request); err != nil {
		return nil, fmt.Errorf("postgres: corrupt request of transaction %s: %w", tx.ID, err)
	}
	if err := json.Unmarshal(approvers, &tx.Approvers); err != nil {
		return nil, fmt.Errorf("postgres: corrupt approvers of transaction %s: %w", tx.ID, err)
	}
	if err := json.Unmarshal(approvals, &tx.Approvals); err != nil {
		return nil, fmt.Errorf("postgres: corrupt approvals of transaction %s: %w", tx.ID, err)
	}
	tx.ApprovalTimestamps = map[string]time.Time{}
	if err := json.Unmarshal(stamps, &tx.ApprovalTimestamps); err != nil {
		return nil, fmt.Errorf("postgres: corrupt approval timestamps of transaction %s: %w", tx.ID, err)
	}
	return &tx, nil
}

func transactionArgs(tx *domain.Transaction) (request, approvers, approvals, stamps string, err error) {
	raw := make([][]byte, 4)
	for i, v := range []interface{}{tx.Request, nonNil(tx.Approvers), nonNil(tx.Approvals), tx.ApprovalTimestamps} {
		if raw[i], err = json.Marshal(v); err != nil {
			return "", "", "", "", fmt.Errorf("postgres: failed to encode transaction: %w", err)
		}
	}
	if tx.ApprovalTimestamps == nil {
		raw[3] = []byte("{}")
	}
	return string(raw[0]), string(raw[1]), string(raw[2]), string(raw[3]), nil
}

// CreateTransaction создает запись перевода, ожидающего кворума.
func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	request, approvers, approvals, stamps, err := transactionArgs(tx)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO transactions (id, policy_id, request, initiator, approvers, quorum_required, approvals,
			approval_timestamps, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)
		RETURNING version`

	err = s.db.QueryRowContext(ctx, query, tx.ID, tx.PolicyID, request, tx.Initiator, approvers, tx.QuorumRequired,
		approvals, stamps, string(tx.Status), tx.CreatedAt).Scan(&tx.Version)
	if err != nil {
		return fmt.Errorf("postgres: failed to create transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
		}
		return nil, fmt.Errorf("postgres: failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListTransactions: очередь на подтверждение (новые первыми). Пустой status означает все.
func (s *Store) ListTransactions(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`

	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT 100"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query transactions: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.Transaction, 0)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan transaction: %w", err)
		}
		results = append(results, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// UpdateTransaction: CAS по версии, как и для политик.
func (s *Store) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	_, _, approvals, stamps, err := transactionArgs(tx)
	if err != nil {
		return err
	}
	query := `
		UPDATE transactions
		SET approvals = $1, approval_timestamps = $2, status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5
		RETURNING version, updated_at`

	err = s.db.QueryRowContext(ctx, query, approvals, stamps, string(tx.Status), tx.ID, tx.Version).
		Scan(&tx.Version, &tx.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.casMiss(ctx, "transactions", tx.ID, tx.Version)
		}
		return fmt.Errorf("postgres: failed to update transaction: %w", err)
	}
	return nil
}
