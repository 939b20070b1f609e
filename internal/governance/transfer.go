package governance

import (
	"fmt"
	"time"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

// NewTransaction создает перевод, ожидающий подтверждения по ростеру сработавшей политики.
// Если инициатор сам в ростере, его голос засчитывается сразу (без проверки выполнимости).
func NewTransaction(id string, p *domain.Policy, req domain.TransactionRequest, initiator domain.Identity, now time.Time) (*domain.Transaction, Outcome) {
	quorum := p.QuorumRequired
	if quorum < 1 {
		quorum = 1
	}

	tx := &domain.Transaction{
		ID:                 id,
		PolicyID:           p.ID,
		Request:            req,
		Initiator:          req.Initiator,
		Approvers:          append([]string(nil), p.Approvers...),
		QuorumRequired:     quorum,
		Approvals:          []string{},
		ApprovalTimestamps: map[string]time.Time{},
		Status:             domain.TxStatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if entry, ok := initiator.EntryIn(tx.Approvers); ok {
		tx.Approvals = append(tx.Approvals, entry)
		tx.ApprovalTimestamps[entry] = now
	}
	if len(tx.Approvals) >= tx.QuorumRequired {
		tx.Status = domain.TxStatusCompleted
		return tx, OutcomeCompleted
	}
	return tx, OutcomePending
}

// ApproveTransaction учитывает голос за перевод: pending → completed при наборе кворума.
// Повторный голос: no-op даже после завершения, чтобы повтор запроса был безопасен.
func ApproveTransaction(tx *domain.Transaction, approver domain.Identity, now time.Time) (*domain.Transaction, Outcome, error) {
	if approver.In(tx.Approvals) {
		return tx.Clone(), OutcomeDuplicate, nil
	}
	if tx.Status == domain.TxStatusCompleted {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrAlreadyCompleted, tx.ID)
	}
	if err := checkRoster(tx.Approvers, approver, "approve this transfer"); err != nil {
		return nil, "", err
	}

	entry := recordedAs(tx.Approvers, approver)
	approvals, outcome := RecordApproval(tx.Approvals, tx.QuorumRequired, approver, entry)

	out := tx.Clone()
	out.Approvals = approvals
	out.ApprovalTimestamps[entry] = now
	out.UpdatedAt = now

	if outcome == OutcomeQuorumReached {
		out.Status = domain.TxStatusCompleted
		return out, OutcomeCompleted, nil
	}
	return out, OutcomeRecorded, nil
}
