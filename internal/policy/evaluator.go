package policy

import (
	"fmt"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

// DefaultDenyReason: отсутствие подходящей политики никогда не означает разрешение.
const DefaultDenyReason = "no matching policy — default deny."

// Evaluate выбирает управляющую политику: активные политики по возрастанию приоритета,
// первое совпадение побеждает. Ошибок не бывает: решение принимается всегда.
func Evaluate(policies []*domain.Policy, req *domain.TransactionRequest) domain.Decision {
	candidates := make([]*domain.Policy, 0, len(policies))
	for _, p := range policies {
		// Ожидающее изменение не приостанавливает действие текущего правила
		if p != nil && p.Enforceable() {
			candidates = append(candidates, p)
		}
	}
	SortByPriority(candidates)

	for _, p := range candidates {
		res := Match(p, req)
		if !res.Matched {
			continue
		}

		decision := domain.Decision{
			PolicyID:   p.ID,
			PolicyName: p.Name,
			Action:     p.Action,
			Reason:     fmt.Sprintf("policy %q (priority %d) %s", p.Name, p.Priority, res.Reason),
			Matched:    p,
		}
		if p.Status == domain.StatusPendingApproval {
			decision.InReview = &domain.PolicyInReview{
				IsInReview: true,
				ChangeType: p.PendingChanges.ChangeType(),
				PolicyName: p.Name,
			}
		}
		return decision
	}

	return domain.Decision{
		Action: domain.ActionDeny,
		Reason: DefaultDenyReason,
	}
}
