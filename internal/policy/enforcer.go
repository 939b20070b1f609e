package policy

import (
	"context"

	"github.com/xela07ax/treasury-guard/internal/domain"
	"go.uber.org/zap"
)

// StoreUnavailableReason: хранилище недоступно, решение принимается в пользу запрета.
const StoreUnavailableReason = "policy store unavailable — default deny."

// Enforcer: точка принятия решения для шлюза переводов. Всегда возвращает решение.
type Enforcer interface {
	Decide(ctx context.Context, req *domain.TransactionRequest) domain.Decision
}

// PolicySource: минимальное требование к хранилищу политик со стороны шлюза.
type PolicySource interface {
	ListPolicies(ctx context.Context) ([]*domain.Policy, error)
}

// StoreEnforcer читает политики из хранилища на каждый запрос.
// Между вызовами ничего не кэширует. Это режим по умолчанию.
type StoreEnforcer struct {
	repo   PolicySource
	logger *zap.Logger
}

func NewStoreEnforcer(repo PolicySource, logger *zap.Logger) *StoreEnforcer {
	return &StoreEnforcer{repo: repo, logger: logger.Named("enforcer")}
}

func (e *StoreEnforcer) Decide(ctx context.Context, req *domain.TransactionRequest) domain.Decision {
	policies, err := e.repo.ListPolicies(ctx)
	if err != nil {
		e.logger.Error("failed to load policies, denying transfer", zap.Error(err))
		return domain.Decision{Action: domain.ActionDeny, Reason: StoreUnavailableReason}
	}
	return Evaluate(policies, req)
}
