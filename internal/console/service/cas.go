package service

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

// casLoop повторяет read-modify-write, пока запись не пройдет CAS по версии.
// Повторяется только domain.ErrVersionConflict; остальные ошибки возвращаются сразу.
// fn получает номер попытки (с 1), чтобы считать повторы.
func casLoop(ctx context.Context, attempts uint, fn func(attempt uint) error) error {
	if attempts == 0 {
		attempts = 1
	}
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, domain.ErrVersionConflict)
		}),
		retry.Delay(5*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)

	var attempt uint
	return r.Do(func() error {
		attempt++
		return fn(attempt)
	})
}
