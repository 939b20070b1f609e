package governance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

var (
	now   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice = domain.Identity{Address: "0xA11CE", Name: "alice"}
	bob   = domain.Identity{Address: "0xB0B", Name: "bob"}
	carol = domain.Identity{Address: "0xCA401", Name: "carol"}
	eve   = domain.Identity{Address: "0xE7E", Name: "eve"}
)

func governed(roster []string, required int) *domain.Policy {
	p := &domain.Policy{
		ID:                      "pol-1",
		Name:                    "external transfers",
		Action:                  domain.ActionDeny,
		IsActive:                true,
		ChangeApproversList:     roster,
		ChangeApprovalsRequired: required,
		Amount:                  domain.AmountCondition{Condition: domain.AmountAbove, Min: "10000"},
		Version:                 3,
	}
	p.Normalize()
	return p
}

func amountMin(v string) domain.PolicyPatch {
	return domain.PolicyPatch{AmountMin: &v}
}

func TestSubmitChange_SelfCountedQuorum(t *testing.T) {
	p := governed([]string{"alice", "bob"}, 1)

	out, outcome, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, domain.StatusActive, out.Status)
	assert.Equal(t, "5000", out.Amount.Min)
	assert.Nil(t, out.PendingChanges)
	assert.Empty(t, out.ChangeApprovers)
	// Вход не мутирован
	assert.Equal(t, "10000", p.Amount.Min)
}

func TestSubmitChange_InfeasibleQuorumRejected(t *testing.T) {
	p := governed([]string{"alice"}, 2)

	out, _, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.Error(t, err)
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, domain.ErrQuorumInfeasible))
	assert.Contains(t, err.Error(), "short by 1")
	assert.Equal(t, domain.StatusActive, p.Status)
	assert.Nil(t, p.PendingChanges)
}

func TestSubmitChange_Queued(t *testing.T) {
	p := governed([]string{"alice", "bob", "carol"}, 2)

	out, outcome, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
	assert.Equal(t, domain.StatusPendingApproval, out.Status)
	assert.Equal(t, []string{"alice"}, out.ChangeApprovers)
	assert.Equal(t, "alice", out.ChangeInitiator)
	require.NotNil(t, out.ChangeRequestedAt)
	// Пока изменение ждет, текущие поля авторитетны
	assert.Equal(t, "10000", out.Amount.Min)
	require.NotNil(t, out.PendingChanges)
	assert.Equal(t, domain.StatusActive, out.PendingChanges.PriorStatus)
}

func TestSubmitChange_InvalidPatchRejectedBeforeQueueing(t *testing.T) {
	p := governed([]string{"alice", "bob"}, 2)
	bad := "-5"
	_, _, err := SubmitChange(p, domain.PolicyPatch{AmountMin: &bad}, alice, now)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, _, err = SubmitChange(p, domain.PolicyPatch{}, alice, now)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestSubmitChange_ConflictWhilePending(t *testing.T) {
	p := governed([]string{"alice", "bob"}, 2)
	pending, _, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)

	_, _, err = SubmitChange(pending, amountMin("1"), bob, now)
	assert.True(t, errors.Is(err, domain.ErrChangePending))
	_, _, err = SubmitDeletion(pending, bob, now)
	assert.True(t, errors.Is(err, domain.ErrChangePending))
}

func TestRoundTripOfPendingDiff(t *testing.T) {
	p := governed([]string{"alice", "bob", "carol"}, 2)

	pending, _, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)

	out, outcome, err := ApproveChange(pending, bob, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "5000", out.Amount.Min)
	assert.Nil(t, out.PendingChanges)
	assert.Empty(t, out.ChangeApprovers)
	assert.Empty(t, out.ChangeInitiator)
	assert.Nil(t, out.ChangeRequestedAt)
	assert.Equal(t, domain.StatusActive, out.Status)
}

func TestApproveChange_DuplicateIsIdempotent(t *testing.T) {
	p := governed([]string{"alice", "bob", "carol"}, 3)
	pending, _, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)

	once, outcome, err := ApproveChange(pending, bob, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	twice, outcome, err := ApproveChange(once, bob, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"alice", "bob"}, twice.ChangeApprovers)

	// Адрес в другом регистре означает ту же личность
	again, outcome, err := ApproveChange(twice, domain.Identity{Address: "0xb0b", Name: "bob"}, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, again.ChangeApprovers, 2)
}

func TestDeletionViaQuorum(t *testing.T) {
	p := governed([]string{"alice", "bob"}, 2)

	pending, outcome, err := SubmitDeletion(p, eve, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)
	assert.Equal(t, domain.StatusPendingApproval, pending.Status)
	assert.Empty(t, pending.ChangeApprovers)
	assert.True(t, pending.PendingChanges.Delete)

	step, outcome, err := ApproveChange(pending, alice, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	done, outcome, err := ApproveChange(step, bob, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)
	assert.Equal(t, domain.StatusDeleted, done.Status)
}

func TestApproveChange_Authorization(t *testing.T) {
	p := governed([]string{"alice", "bob", "carol"}, 2)
	pending, _, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)

	_, _, err = ApproveChange(pending, eve, now)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized))

	_, _, err = ApproveChange(p, bob, now)
	assert.True(t, errors.Is(err, domain.ErrNotPending))
}

func TestIdentityAmbiguity(t *testing.T) {
	p := governed([]string{"alice", "bob"}, 2)
	addressOnly := domain.Identity{Address: "0xA11CE"}

	_, _, err := SubmitChange(p, amountMin("5000"), addressOnly, now)
	assert.True(t, errors.Is(err, domain.ErrIdentityAmbiguous))

	pending, _, err := SubmitDeletion(p, bob, now)
	require.NoError(t, err)
	_, _, err = ApproveChange(pending, addressOnly, now)
	assert.True(t, errors.Is(err, domain.ErrIdentityAmbiguous))

	// Ростер из адресов: имя не нужно
	byAddress := governed([]string{"0xa11ce", "0xb0b"}, 1)
	_, outcome, err := SubmitChange(byAddress, amountMin("5000"), addressOnly, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
}

func TestCancelChange(t *testing.T) {
	p := governed([]string{"alice", "bob", "carol"}, 3)
	p.Status = domain.StatusDraft

	pending, _, err := SubmitChange(p, amountMin("5000"), alice, now)
	require.NoError(t, err)

	_, err = CancelChange(pending, eve, now)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized))

	// Черновик с ожидающей правкой остается вне оценки переводов
	assert.Equal(t, domain.StatusPendingApproval, pending.Status)
	assert.Equal(t, domain.StatusDraft, pending.EffectiveStatus())
	assert.False(t, pending.Enforceable())

	out, err := CancelChange(pending, carol, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, out.Status)
	assert.Nil(t, out.PendingChanges)
	assert.Equal(t, "10000", out.Amount.Min)

	_, err = CancelChange(out, carol, now)
	assert.True(t, errors.Is(err, domain.ErrNotPending))
}

func TestUngovernedAppliesImmediately(t *testing.T) {
	p := governed(nil, 1)

	out, outcome, err := SubmitChange(p, amountMin("5000"), eve, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "5000", out.Amount.Min)

	_, outcome, err = SubmitDeletion(p, eve, now)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, outcome)

	_, _, err = SubmitDeletion(p, domain.Identity{}, now)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized))
}

func TestApproveChange_RevalidatesAtQuorum(t *testing.T) {
	p := governed([]string{"alice", "bob", "carol"}, 2)
	pending, _, err := SubmitChange(p, domain.PolicyPatch{Approvers: &[]string{"dave"}}, alice, now)
	require.NoError(t, err)

	// Пока изменение ждало, его сделали невалидным: политика стала require_approval без ростера
	pending.Action = domain.ActionRequireApproval
	pending.Approvers = nil
	pending.PendingChanges.Patch.Approvers = &[]string{}

	_, _, err = ApproveChange(pending, bob, now)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
