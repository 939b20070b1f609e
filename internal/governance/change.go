package governance

/*
Файл change.go описывает конечный автомат изменений политики:

	active|draft → pending_approval → {active|draft (применено), deleted}
	pending_approval → active|draft (отмена)

Пока изменение ожидает кворума, авторитетны текущие поля политики.
*/

import (
	"fmt"
	"time"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

// SubmitChange подает правку политики. Ростер и кворум берутся из самой политики.
func SubmitChange(p *domain.Policy, patch domain.PolicyPatch, submitter domain.Identity, now time.Time) (*domain.Policy, Outcome, error) {
	if err := checkSubmittable(p, submitter); err != nil {
		return nil, "", err
	}
	diff := patch.Clone()
	return submit(p, &domain.PendingChange{Patch: &diff}, submitter, now)
}

// SubmitDeletion подает удаление. Поток тот же, но вместо diff признак __delete.
func SubmitDeletion(p *domain.Policy, submitter domain.Identity, now time.Time) (*domain.Policy, Outcome, error) {
	if err := checkSubmittable(p, submitter); err != nil {
		return nil, "", err
	}
	return submit(p, &domain.PendingChange{Delete: true}, submitter, now)
}

// ApproveChange учитывает голос. При наборе кворума изменение применяется
// (или политика помечается удаленной, удаление строки делает вызывающий).
func ApproveChange(p *domain.Policy, approver domain.Identity, now time.Time) (*domain.Policy, Outcome, error) {
	if p.Status != domain.StatusPendingApproval || p.PendingChanges == nil {
		return nil, "", fmt.Errorf("%w: policy %s is %s", domain.ErrNotPending, p.ID, p.Status)
	}
	if err := checkRoster(p.ChangeApproversList, approver, "approve changes to this policy"); err != nil {
		return nil, "", err
	}

	entry := recordedAs(p.ChangeApproversList, approver)
	approvals, outcome := RecordApproval(p.ChangeApprovers, p.ChangeApprovalsRequired, approver, entry)

	switch outcome {
	case OutcomeDuplicate:
		return p.Clone(), OutcomeDuplicate, nil
	case OutcomeRecorded:
		out := p.Clone()
		out.ChangeApprovers = approvals
		out.UpdatedAt = now
		return out, OutcomeRecorded, nil
	}

	out := p.Clone()
	out.ChangeApprovers = approvals
	return settle(out, out.PendingChanges, now)
}

// CancelChange отбрасывает ожидающее изменение. Это штатный выход из ситуации,
// когда кворум стал недостижим уже после подачи.
func CancelChange(p *domain.Policy, canceler domain.Identity, now time.Time) (*domain.Policy, error) {
	if p.Status != domain.StatusPendingApproval || p.PendingChanges == nil {
		return nil, fmt.Errorf("%w: policy %s is %s", domain.ErrNotPending, p.ID, p.Status)
	}
	if err := checkRoster(p.ChangeApproversList, canceler, "cancel changes to this policy"); err != nil {
		return nil, err
	}

	out := p.Clone()
	out.Status = p.PendingChanges.RestoreStatus()
	clearPending(out)
	out.UpdatedAt = now
	return out, nil
}

// checkSubmittable: подавать может любой опознанный участник; голос засчитывается
// только участнику ростера (см. ValidateSubmission).
func checkSubmittable(p *domain.Policy, submitter domain.Identity) error {
	switch p.Status {
	case domain.StatusPendingApproval:
		return fmt.Errorf("%w: policy %s awaits approval of a previous change", domain.ErrChangePending, p.ID)
	case domain.StatusDeleted:
		return fmt.Errorf("%w: policy %s", domain.ErrNotFound, p.ID)
	}
	if !submitter.Known() {
		return fmt.Errorf("%w: submitter has no wallet address or display name", domain.ErrNotAuthorized)
	}
	return nil
}

func submit(p *domain.Policy, change *domain.PendingChange, submitter domain.Identity, now time.Time) (*domain.Policy, Outcome, error) {
	change.PriorStatus = p.Status
	out := p.Clone()

	// 1. Кворум проверяется первым: недостижимый кворум важнее ошибок в самом diff
	var sub Submission
	if p.Governed() {
		var err error
		if sub, err = ValidateSubmission(p.ChangeApproversList, p.ChangeApprovalsRequired, submitter); err != nil {
			return nil, "", err
		}
	}

	// 2. Diff проверяется до постановки в очередь, чтобы не ждать кворума по заведомо битому патчу
	if change.Patch != nil {
		if err := change.Patch.Validate(p); err != nil {
			return nil, "", err
		}
	}

	// 3. Ungoverned: ростер пуст, кворум собрать не из кого, изменение применяется сразу
	if !p.Governed() || sub.Satisfied {
		return settle(out, change, now)
	}

	requestedAt := now
	out.Status = domain.StatusPendingApproval
	out.PendingChanges = change
	out.ChangeInitiator = recordedAs(p.ChangeApproversList, submitter)
	out.ChangeApprovers = sub.Approvals
	out.ChangeRequestedAt = &requestedAt
	out.UpdatedAt = now
	return out, OutcomePending, nil
}

// settle применяет изменение, по которому набран кворум.
func settle(out *domain.Policy, change *domain.PendingChange, now time.Time) (*domain.Policy, Outcome, error) {
	if change.Delete {
		// В хранилище надгробий нет: статус deleted лишь эхо для вызывающего
		out.Status = domain.StatusDeleted
		clearPending(out)
		out.UpdatedAt = now
		return out, OutcomeDeleted, nil
	}

	if change.Patch == nil {
		return nil, "", &domain.ValidationError{Field: "pending_changes", Message: "missing patch"}
	}
	if err := change.Patch.Validate(out); err != nil {
		return nil, "", err
	}

	applied := change.Patch.ApplyTo(out)
	applied.Normalize()
	applied.Status = change.RestoreStatus()
	clearPending(applied)
	applied.UpdatedAt = now
	return applied, OutcomeApplied, nil
}

func clearPending(p *domain.Policy) {
	p.PendingChanges = nil
	p.ChangeApprovers = nil
	p.ChangeInitiator = ""
	p.ChangeRequestedAt = nil
}
