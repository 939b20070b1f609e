package engine

import (
	"context"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/infra"
)

// Refresher: снимок политик, который умеет перечитать себя (policy.MemoEnforcer).
type Refresher interface {
	Refresh(ctx context.Context) error
}

// WarmupPolicies загружает снимок при старте шлюза с повторами.
// До первой успешной загрузки MemoEnforcer отвечает запретом.
func WarmupPolicies(ctx context.Context, cache Refresher, logger *zap.Logger, attempts uint) error {
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	var n uint
	return r.Do(func() error {
		n++
		if err := cache.Refresh(ctx); err != nil {
			logger.Warn("policy cache warm-up failed", zap.Uint("attempt", n), zap.Error(err))
			return err
		}
		return nil
	})
}

// FollowPolicyUpdates связывает сигналы Redis со снимком политик.
// Любой сигнал вызывает полное перечитывание снимка.
func FollowPolicyUpdates(cache Refresher, logger *zap.Logger) (onReconnect func() error, onMessage func(infra.PolicySignal)) {
	refresh := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cache.Refresh(ctx)
	}
	return refresh, func(sig infra.PolicySignal) {
		logger.Debug("policy update signal", zap.String("policy_id", sig.PolicyID), zap.Int64("version", sig.Version))
		if err := refresh(); err != nil {
			logger.Error("policy cache refresh failed", zap.String("policy_id", sig.PolicyID), zap.Error(err))
		}
	}
}
