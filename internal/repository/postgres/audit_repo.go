package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/treasury-guard/internal/audit"
)

const auditColumns = `id, trace_id, kind, source, actor, policy_id, transaction_id, action, outcome, reason,
	payload, duration_ms, timestamp`

// AuditRepo пишет журнал решений в decision_log. Реализует audit.Storage.
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице decision_log
	const numFields = 13
	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			placeholders.WriteByte(',')
		}
		placeholders.WriteByte('(')
		for j := 1; j <= numFields; j++ {
			if j > 1 {
				placeholders.WriteByte(',')
			}
			fmt.Fprintf(&placeholders, "$%d", i*numFields+j)
		}
		placeholders.WriteByte(')')

		var payload interface{}
		if len(e.Payload) > 0 {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("postgres: failed to encode payload of event %s: %w", e.ID, err)
			}
			payload = string(raw)
		}

		vals = append(vals,
			e.ID, e.TraceID, string(e.Kind), e.Source, e.Actor, e.PolicyID, e.TransactionID,
			e.Action, e.Outcome, e.Reason, payload, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO decision_log (" + auditColumns + ") VALUES " + placeholders.String()
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// FetchEvents возвращает журнал (новые первыми) с фильтрами консоли.
func (r *AuditRepo) FetchEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.PolicyID != "" {
		add("policy_id = $%d", f.PolicyID)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if !f.Since.IsZero() {
		add("timestamp >= $%d", f.Since)
	}

	query := "SELECT " + auditColumns + " FROM decision_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit log: %w", err)
	}
	defer rows.Close()

	events := make([]audit.Event, 0)
	for rows.Next() {
		var e audit.Event
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TraceID, &kind, &e.Source, &e.Actor, &e.PolicyID, &e.TransactionID,
			&e.Action, &e.Outcome, &e.Reason, &payload, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		e.Kind = audit.Kind(kind)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("postgres: corrupt payload of event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return events, nil
}
