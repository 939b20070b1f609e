package policy

import (
	"context"
	"sync"

	"github.com/xela07ax/treasury-guard/internal/domain"
	"go.uber.org/zap"
)

// MemoEnforcer держит в RAM снимок записей политик (не решений!) и оценивает по нему.
// Снимок перечитывается при старте и по сигналу Redis после каждой записи в Console API.
// Включается конфигом engine.policy_cache.
type MemoEnforcer struct {
	mu       sync.RWMutex
	policies []*domain.Policy
	loaded   bool

	repo   PolicySource // Используется только для Refresh()
	logger *zap.Logger
}

func NewMemoEnforcer(repo PolicySource, logger *zap.Logger) *MemoEnforcer {
	return &MemoEnforcer{
		repo:   repo,
		logger: logger.Named("memo-enforcer"),
	}
}

// Decide работает только с RAM. Это и есть наш "Hot Path".
func (e *MemoEnforcer) Decide(_ context.Context, req *domain.TransactionRequest) domain.Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// Снимок еще не загружен: жесткий запрет (Zero Trust)
	if !e.loaded {
		return domain.Decision{Action: domain.ActionDeny, Reason: StoreUnavailableReason}
	}
	return Evaluate(e.policies, req)
}

// Refresh выполняет "холодную загрузку" всех политик из хранилища в память шлюза.
func (e *MemoEnforcer) Refresh(ctx context.Context) error {
	fresh, err := e.repo.ListPolicies(ctx)
	if err != nil {
		return err
	}

	snapshot := make([]*domain.Policy, 0, len(fresh))
	for _, p := range fresh {
		snapshot = append(snapshot, p.Clone())
	}

	e.mu.Lock()
	e.policies = snapshot
	e.loaded = true
	e.mu.Unlock()

	e.logger.Info("policy cache refreshed", zap.Int("count", len(snapshot)))
	return nil
}
