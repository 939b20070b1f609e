// Package risk проверяет конфигурацию управления политиками и сообщает о
// состояниях, которые ядро допускает, но которые стоит показать человеку.
package risk

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUngoverned          = "ungoverned"
	CodeChangeQuorumRoster  = "change_quorum_exceeds_roster"
	CodeTransferQuorum      = "transfer_quorum_exceeds_approvers"
	CodeApprovalNoApprovers = "require_approval_without_approvers"
	CodeStalePending        = "pending_change_stale"
	CodePendingInfeasible   = "pending_change_infeasible"
	CodeNoCatchAll          = "no_catch_all"
)

// Finding: одно замечание по политике (или по набору, если PolicyID пуст).
type Finding struct {
	PolicyID   string   `json:"policy_id,omitempty"`
	PolicyName string   `json:"policy_name,omitempty"`
	Code       string   `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
}

type Analyzer struct {
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewAnalyzer: staleAfter задает, через сколько ожидающее изменение считается зависшим (0, не проверять).
func NewAnalyzer(staleAfter time.Duration, logger *zap.Logger) *Analyzer {
	return &Analyzer{staleAfter: staleAfter, now: time.Now, logger: logger.Named("analyzer")}
}

// Lint проходит по всем политикам. Ничего не меняет.
func (a *Analyzer) Lint(policies []*domain.Policy) []Finding {
	findings := make([]Finding, 0)
	catchAll := false

	for _, p := range policies {
		if p == nil || p.Status == domain.StatusDeleted {
			continue
		}
		findings = append(findings, a.LintPolicy(p)...)
		if p.Enforceable() && !configured(p) {
			catchAll = true
		}
	}

	// Без явной ловушки работает запрет по умолчанию: это безопасно, но стоит знать
	if len(policies) > 0 && !catchAll {
		findings = append(findings, Finding{
			Code:     CodeNoCatchAll,
			Severity: SeverityWarning,
			Message:  "no unconditional policy: unmatched transfers fall through to the default deny",
		})
	}

	if len(findings) > 0 {
		a.logger.Debug("governance lint completed", zap.Int("findings", len(findings)))
	}
	return findings
}

// LintPolicy: замечания по одной политике.
func (a *Analyzer) LintPolicy(p *domain.Policy) []Finding {
	var out []Finding
	add := func(code string, sev Severity, format string, args ...interface{}) {
		out = append(out, Finding{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Code:       code,
			Severity:   sev,
			Message:    fmt.Sprintf(format, args...),
		})
	}

	// 1. Явный режим ungoverned: любой участник меняет политику без кворума
	if !p.Governed() {
		add(CodeUngoverned, SeverityWarning,
			"change_approvers_list is empty: anyone can edit or delete this policy immediately")
	} else if p.ChangeApprovalsRequired > len(p.ChangeApproversList) {
		add(CodeChangeQuorumRoster, SeverityCritical,
			"change quorum %d exceeds %d change approvers: no change can ever be approved",
			p.ChangeApprovalsRequired, len(p.ChangeApproversList))
	}

	// 2. Кворум переводов
	if p.Action == domain.ActionRequireApproval && len(p.Approvers) == 0 {
		add(CodeApprovalNoApprovers, SeverityCritical,
			"require_approval policy has no approvers: matching transfers can never complete")
	} else if len(p.Approvers) > 0 && p.QuorumRequired > len(p.Approvers) {
		add(CodeTransferQuorum, SeverityCritical,
			"transfer quorum %d exceeds %d approvers", p.QuorumRequired, len(p.Approvers))
	}

	// 3. Изменение, которое слишком долго ждет кворума: его стоит добить или отменить
	if p.Status == domain.StatusPendingApproval && a.staleAfter > 0 && p.ChangeRequestedAt != nil {
		if age := a.now().Sub(*p.ChangeRequestedAt); age > a.staleAfter {
			add(CodeStalePending, SeverityWarning,
				"pending %s has %d of %d approval(s) and has waited %s; approve or cancel it",
				p.PendingChanges.ChangeType(), len(p.ChangeApprovers), p.ChangeApprovalsRequired,
				age.Truncate(time.Minute))
		}
	}

	// 4. Оставшихся участников ростера не хватит до кворума: изменение можно только отменить
	if p.Status == domain.StatusPendingApproval && p.Governed() {
		approved, available := pendingVotes(p)
		if missing := p.ChangeApprovalsRequired - approved; missing > available {
			add(CodePendingInfeasible, SeverityCritical,
				"pending %s has %d of %d approval(s) and only %d change approver(s) left to vote; cancel it",
				p.PendingChanges.ChangeType(), approved, p.ChangeApprovalsRequired, available)
		}
	}
	return out
}

// pendingVotes: сколько участников ростера уже проголосовало и сколько еще может.
// Голоса не из ростера не считаются.
func pendingVotes(p *domain.Policy) (approved, available int) {
	for _, member := range p.ChangeApproversList {
		voted := false
		for _, v := range p.ChangeApprovers {
			if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(member)) {
				voted = true
				break
			}
		}
		if voted {
			approved++
		} else {
			available++
		}
	}
	return approved, available
}

func configured(p *domain.Policy) bool {
	return p.Initiator.Configured() || p.SourceWallet.Configured() || p.Destination.Configured() ||
		p.Amount.Configured() || p.Asset.Configured()
}
