package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ReliableOptions: настройки обвязки удаленного справочника.
type ReliableOptions struct {
	Name          string
	RatePerSecond float64
	Burst         int
	Attempts      uint
	MaxFailures   uint32        // подряд идущих ошибок до размыкания
	OpenTimeout   time.Duration // через сколько CB пробует "закрыться"
	CallTimeout   time.Duration
	OnStateChange func(name string, from, to gobreaker.State)
}

// ReliableDirectory оборачивает справочник: rate limiter → circuit breaker → retry.
type ReliableDirectory struct {
	next        Directory
	cb          *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	attempts    uint
	callTimeout time.Duration
}

func NewReliableDirectory(next Directory, opts ReliableOptions) *ReliableDirectory {
	if opts.Name == "" {
		opts.Name = "identity-directory"
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 3 * time.Second
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}

	maxFailures := opts.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// "Адреса нет" это штатный ответ, предохранитель на него не реагирует
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownAddress)
		},
		OnStateChange: opts.OnStateChange,
	})

	return &ReliableDirectory{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		attempts:    opts.Attempts,
		callTimeout: opts.CallTimeout,
	}
}

func (w *ReliableDirectory) Lookup(ctx context.Context, address string) (string, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("identity: rate limit wait: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, ErrUnknownAddress)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Справочник сам сказал, сколько ждать
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		var name string
		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
			defer cancel()

			var callErr error
			name, callErr = w.next.Lookup(tCtx, address)
			return callErr
		})
		return name, retryErr
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// State: текущее состояние предохранителя (для метрик и health).
func (w *ReliableDirectory) State() gobreaker.State {
	return w.cb.State()
}
