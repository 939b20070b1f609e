package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/governance"
	"github.com/xela07ax/treasury-guard/internal/identity"
	"github.com/xela07ax/treasury-guard/internal/repository/memory"
	"github.com/xela07ax/treasury-guard/internal/risk"
)

const (
	alice = "0xA11CE"
	bob   = "0xB0B"
	carol = "0xCA401"
	dave  = "0xDA7E"
	eve   = "0xE7E"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Log(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Outcome)
	}
	return out
}

type recordingNotifier struct {
	mu      sync.Mutex
	signals []string
}

func (n *recordingNotifier) PolicyChanged(_ context.Context, policyID string, _ int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, policyID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.signals)
}

type fixture struct {
	store    *memory.Store
	policies *PolicyService
	txs      *TransactionService
	auditor  *recordingAuditor
	notifier *recordingNotifier
	metrics  *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := identity.NewStaticDirectory(map[string]string{
		alice: "alice", bob: "bob", carol: "carol", dave: "dave", eve: "eve",
	})
	resolver := identity.NewResolver(dir, zap.NewNop())
	f := &fixture{
		store:    memory.NewStore(),
		auditor:  &recordingAuditor{},
		notifier: &recordingNotifier{},
		metrics:  NewMetrics(nil),
	}
	f.policies = NewPolicyService(f.store, resolver, risk.NewAnalyzer(0, zap.NewNop()), f.metrics, zap.NewNop(),
		Options{CASAttempts: 20, Notifier: f.notifier, Auditor: f.auditor})
	f.txs = NewTransactionService(f.store, resolver, f.metrics, f.auditor, zap.NewNop(), 20)
	return f
}

func (f *fixture) create(t *testing.T, roster []string, required int) *domain.Policy {
	t.Helper()
	res, err := f.policies.Create(context.Background(), &domain.Policy{
		Name:                    "large external",
		Action:                  domain.ActionDeny,
		IsActive:                true,
		Destination:             domain.DestinationCondition{Type: domain.DestinationExternal},
		Amount:                  domain.AmountCondition{Condition: domain.AmountAbove, Min: "10000"},
		ChangeApproversList:     roster,
		ChangeApprovalsRequired: required,
	}, alice)
	require.NoError(t, err)
	return res.Policy
}

func minPatch(v string) domain.PolicyPatch {
	return domain.PolicyPatch{AmountMin: &v}
}

func TestPolicyService_CreateAssignsNextPriority(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, nil, 1)
	second := f.create(t, nil, 1)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 0, first.Priority)
	assert.Equal(t, 1, second.Priority)
	assert.Equal(t, int64(1), second.Version)

	_, err := f.policies.Create(context.Background(), &domain.Policy{
		Name: "x", Action: domain.ActionAllow, Status: domain.StatusPendingApproval,
	}, alice)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestPolicyService_CreateWithClientID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	newPolicy := func(id string) *domain.Policy {
		return &domain.Policy{ID: id, Name: "pinned", Action: domain.ActionAllow, IsActive: true}
	}

	_, err := f.policies.Create(ctx, newPolicy("not-a-uuid"), alice)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	res, err := f.policies.Create(ctx, newPolicy("6F1C1D7E-7D7B-4A4E-9D43-0D6F6A8D2F10"), alice)
	require.NoError(t, err)
	assert.Equal(t, "6f1c1d7e-7d7b-4a4e-9d43-0d6f6a8d2f10", res.Policy.ID)

	// Занятый id не повторяется как конфликт версий и не выдается за занятый приоритет
	_, err = f.policies.Create(ctx, newPolicy(res.Policy.ID), alice)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.CASRetries.WithLabelValues("create")))
}

func TestPolicyService_GovernedChangeFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.create(t, []string{"alice", "bob", "carol"}, 2)
	signalsAfterCreate := f.notifier.count()

	res, err := f.policies.SubmitChange(ctx, p.ID, minPatch("5000"), alice)
	require.NoError(t, err)
	assert.Equal(t, governance.OutcomePending, res.Outcome)
	assert.Equal(t, domain.StatusPendingApproval, res.Policy.Status)
	assert.Equal(t, []string{"alice"}, res.Policy.ChangeApprovers)

	// Пока изменение ждет кворума, действует старая версия правила
	stored, err := f.policies.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "10000", stored.Amount.Min)

	// Повторный голос автора: no-op без записи и без сигнала
	dup, err := f.policies.Approve(ctx, p.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, governance.OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, stored.Version, dup.Policy.Version)

	res, err = f.policies.Approve(ctx, p.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, governance.OutcomeApplied, res.Outcome)
	assert.Equal(t, "5000", res.Policy.Amount.Min)
	assert.Equal(t, domain.StatusActive, res.Policy.Status)

	assert.Equal(t, signalsAfterCreate+2, f.notifier.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.GovernanceOps.WithLabelValues("approve_change", "applied")))
	assert.Contains(t, f.auditor.outcomes(), "pending")
}

func TestPolicyService_RejectionsAreCountedAndJournaled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.create(t, []string{"alice", "bob"}, 2)

	_, err := f.policies.SubmitChange(ctx, p.ID, minPatch("5000"), alice)
	require.NoError(t, err)

	_, err = f.policies.Approve(ctx, p.ID, eve)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.GovernanceOps.WithLabelValues("approve_change", "not_authorized")))
	assert.Contains(t, f.auditor.outcomes(), "not_authorized")

	_, err = f.policies.SubmitChange(ctx, p.ID, minPatch("1"), bob)
	assert.True(t, errors.Is(err, domain.ErrChangePending))

	_, err = f.policies.Cancel(ctx, p.ID, bob)
	require.NoError(t, err)
	stored, err := f.policies.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Nil(t, stored.PendingChanges)
}

func TestPolicyService_UngovernedAppliesWithWarning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.create(t, nil, 1)

	res, err := f.policies.SubmitChange(ctx, p.ID, minPatch("1"), eve)
	require.NoError(t, err)
	assert.Equal(t, governance.OutcomeApplied, res.Outcome)

	var codes []string
	for _, w := range res.Warnings {
		codes = append(codes, w.Code)
	}
	assert.Contains(t, codes, risk.CodeUngoverned)

	del, err := f.policies.SubmitDeletion(ctx, p.ID, eve)
	require.NoError(t, err)
	assert.Equal(t, governance.OutcomeDeleted, del.Outcome)
	_, err = f.policies.Get(ctx, p.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestPolicyService_ConcurrentApprovalsAreNotLost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.create(t, []string{"alice", "bob", "carol", "dave"}, 4)

	_, err := f.policies.SubmitChange(ctx, p.ID, minPatch("5000"), alice)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for _, who := range []string{bob, carol, dave} {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			_, err := f.policies.Approve(ctx, p.ID, subject)
			errs <- err
		}(who)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.policies.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Equal(t, "5000", stored.Amount.Min)
}

func TestPolicyService_Reorder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.create(t, nil, 1)
	b := f.create(t, nil, 1)
	c := f.create(t, nil, 1)

	out, err := f.policies.Reorder(ctx, []string{c.ID, a.ID}, alice)
	require.NoError(t, err)
	require.Len(t, out, 3)

	list, err := f.policies.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	_, err = f.policies.Reorder(ctx, []string{"nope"}, alice)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestTransactionService_ConcurrentApprovals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := &domain.Policy{ID: "pol", Approvers: []string{"alice", "bob", "carol"}, QuorumRequired: 3}
	tx, outcome := governance.NewTransaction("tx-1", p, domain.TransactionRequest{Initiator: eve}, domain.Identity{Address: eve, Name: "eve"}, time.Now())
	require.Equal(t, governance.OutcomePending, outcome)
	require.NoError(t, f.store.CreateTransaction(ctx, tx))

	var wg sync.WaitGroup
	for _, who := range []string{alice, bob, carol} {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			_, err := f.txs.Approve(ctx, "tx-1", subject)
			assert.NoError(t, err)
		}(who)
	}
	wg.Wait()

	stored, err := f.txs.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusCompleted, stored.Status)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, stored.Approvals)
	assert.Len(t, stored.ApprovalTimestamps, 3)

	// Повторный голос после завершения ничего не меняет; новый участник получает отказ
	res, err := f.txs.Approve(ctx, "tx-1", alice)
	require.NoError(t, err)
	assert.Equal(t, governance.OutcomeDuplicate, res.Outcome)

	pending, err := f.txs.List(ctx, domain.TxStatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTransactionService_RejectsOutsider(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := &domain.Policy{ID: "pol", Approvers: []string{"alice", "bob"}, QuorumRequired: 2}
	tx, _ := governance.NewTransaction("tx-2", p, domain.TransactionRequest{Initiator: eve}, domain.Identity{Address: eve}, time.Now())
	require.NoError(t, f.store.CreateTransaction(ctx, tx))

	_, err := f.txs.Approve(ctx, "tx-2", dave)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized))

	_, err = f.txs.Approve(ctx, "missing", alice)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
