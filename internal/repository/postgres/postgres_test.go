package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/identity"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

var policyCols = []string{"id", "name", "description", "priority", "condition_logic", "conditions", "action",
	"is_active", "status", "approvers", "quorum_required", "change_approvers_list", "change_approvals_required",
	"change_approvers", "change_initiator", "pending_changes", "change_requested_at", "version", "created_at", "updated_at"}

func TestGetPolicy_DecodesJSONColumns(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	conds := `{"initiator":{"type":"any"},"source_wallet":{"type":"any"},"destination":{"type":"external"},
		"amount":{"condition":"above","min":"10000"},"asset":{"type":"specific","values":["USDC"]}}`
	pending := `{"__delete":true}`
	mock.ExpectQuery(`FROM policies WHERE id = \$1`).WithArgs("p-1").WillReturnRows(
		sqlmock.NewRows(policyCols).AddRow("p-1", "Large outflows", "", 3, "AND", []byte(conds), "require_approval",
			true, "pending_approval", []byte(`["0xa"]`), 2, []byte(`["alice","bob"]`), 2,
			[]byte(`["alice"]`), "alice", []byte(pending), now, int64(7), now, now))

	p, err := s.GetPolicy(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRequireApproval, p.Action)
	assert.Equal(t, domain.DestinationExternal, p.Destination.Type)
	assert.Equal(t, "10000", p.Amount.Min)
	assert.Equal(t, []string{"USDC"}, p.Asset.Values)
	assert.Equal(t, []string{"alice", "bob"}, p.ChangeApproversList)
	require.NotNil(t, p.PendingChanges)
	assert.True(t, p.PendingChanges.Delete)
	require.NotNil(t, p.ChangeRequestedAt)
	assert.Equal(t, int64(7), p.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPolicy_NotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`FROM policies WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(policyCols))

	_, err := s.GetPolicy(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdatePolicy_CASMiss(t *testing.T) {
	p := &domain.Policy{ID: "p-1", Name: "n", Version: 3}
	p.Normalize()

	t.Run("version moved", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE policies`).WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))
		mock.ExpectQuery(`SELECT version FROM policies`).WithArgs("p-1").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(4)))

		err := s.UpdatePolicy(context.Background(), p.Clone())
		assert.True(t, errors.Is(err, domain.ErrVersionConflict))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("row gone", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE policies`).WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))
		mock.ExpectQuery(`SELECT version FROM policies`).WillReturnRows(sqlmock.NewRows([]string{"version"}))

		err := s.UpdatePolicy(context.Background(), p.Clone())
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("success bumps version", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`UPDATE policies`).
			WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(4), time.Now()))

		c := p.Clone()
		require.NoError(t, s.UpdatePolicy(context.Background(), c))
		assert.Equal(t, int64(4), c.Version)
	})
}

func TestCreatePolicy_UniqueViolations(t *testing.T) {
	p := &domain.Policy{ID: "6f1c1d7e-7d7b-4a4e-9d43-0d6f6a8d2f10", Name: "n", Priority: 4}
	p.Normalize()

	t.Run("priority race is a conflict", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO policies`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "policies_priority_key"})

		err := s.CreatePolicy(context.Background(), p.Clone())
		assert.True(t, errors.Is(err, domain.ErrVersionConflict))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("taken id is a caller error", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO policies`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "policies_pkey"})

		err := s.CreatePolicy(context.Background(), p.Clone())
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "id", verr.Field)
		assert.False(t, errors.Is(err, domain.ErrVersionConflict))
	})

	t.Run("unknown constraint is passed through", func(t *testing.T) {
		s, mock := newMock(t)
		mock.ExpectQuery(`INSERT INTO policies`).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "something_else"})

		err := s.CreatePolicy(context.Background(), p.Clone())
		require.Error(t, err)
		assert.False(t, errors.Is(err, domain.ErrVersionConflict))
		assert.False(t, errors.Is(err, domain.ErrValidation))
	})
}

func TestReorderPolicies(t *testing.T) {
	s, mock := newMock(t)
	ordered := []*domain.Policy{{ID: "b", Priority: 0, Version: 2}, {ID: "a", Priority: 1, Version: 5}}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM policies`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`UPDATE policies SET priority`).WithArgs(0, "b", int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	mock.ExpectQuery(`UPDATE policies SET priority`).WithArgs(1, "a", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(6)))
	mock.ExpectCommit()

	require.NoError(t, s.ReorderPolicies(context.Background(), ordered))
	assert.Equal(t, int64(3), ordered[0].Version)
	assert.Equal(t, int64(6), ordered[1].Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReorderPolicies_SetChanged(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM policies`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err := s.ReorderPolicies(context.Background(), []*domain.Policy{{ID: "a"}})
	assert.True(t, errors.Is(err, domain.ErrVersionConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTransaction_CAS(t *testing.T) {
	s, mock := newMock(t)
	tx := &domain.Transaction{ID: "tx-1", Status: domain.TxStatusCompleted, Approvals: []string{"alice", "bob"}, Version: 1}

	mock.ExpectQuery(`UPDATE transactions`).
		WithArgs(`["alice","bob"]`, sqlmock.AnyArg(), "completed", "tx-1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"version", "updated_at"}))
	mock.ExpectQuery(`SELECT version FROM transactions`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))

	err := s.UpdateTransaction(context.Background(), tx)
	assert.True(t, errors.Is(err, domain.ErrVersionConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByUsername(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(`FROM users WHERE username = \$1`).WithArgs("alice").WillReturnRows(
		sqlmock.NewRows([]string{"id", "email", "username", "wallet_address", "password_hash", "role", "scopes",
			"created_at", "updated_at"}).
			AddRow("u-1", "a@example.com", "alice", "0xa11ce", "hash", "operator", []byte(`{"policies.write":true}`), now, now))

	u, err := s.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, u.Scopes["policies.write"])
	assert.Equal(t, "0xa11ce", u.WalletAddress)
}

func TestWalletDirectory_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewWalletDirectory(db)

	mock.ExpectQuery(`SELECT display_name FROM wallets`).WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows([]string{"display_name"}).AddRow("alice"))
	mock.ExpectQuery(`SELECT display_name FROM wallets`).WithArgs("0xdef").
		WillReturnRows(sqlmock.NewRows([]string{"display_name"}))

	name, err := dir.Lookup(context.Background(), " 0xABC ")
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = dir.Lookup(context.Background(), "0xDEF")
	assert.True(t, errors.Is(err, identity.ErrUnknownAddress))
}

func TestAuditRepo_WriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAuditRepo(db)

	events := []audit.Event{
		{ID: "e1", Kind: audit.KindTransferDecision, Action: "deny", Timestamp: time.Now()},
		{ID: "e2", Kind: audit.KindPolicyChange, Outcome: "pending", Payload: map[string]interface{}{"k": "v"}, Timestamp: time.Now()},
	}
	mock.ExpectExec(`INSERT INTO decision_log .* VALUES \(\$1,.*\$13\),\(\$14,.*\$26\)`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.WriteBatch(context.Background(), events))
	require.NoError(t, repo.WriteBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepo_FetchEventsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewAuditRepo(db)

	cols := []string{"id", "trace_id", "kind", "source", "actor", "policy_id", "transaction_id", "action", "outcome",
		"reason", "payload", "duration_ms", "timestamp"}
	mock.ExpectQuery(`FROM decision_log WHERE kind = \$1 AND policy_id = \$2 ORDER BY timestamp DESC LIMIT \$3`).
		WithArgs("policy_change", "p-1", 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", "t", "policy_change", "console", "alice", "p-1", "", "", "applied", "", []byte(`{"x":1}`), int64(2), time.Now()))

	events, err := repo.FetchEvents(context.Background(), audit.Filter{Kind: audit.KindPolicyChange, PolicyID: "p-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.KindPolicyChange, events[0].Kind)
	assert.Equal(t, float64(1), events[0].Payload["x"])
}
