package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownAddress: справочник ответил, но адреса в нем нет. Это не сбой.
var ErrUnknownAddress = errors.New("identity: unknown address")

// Directory: внешний справочник "адрес кошелька → отображаемое имя".
type Directory interface {
	Lookup(ctx context.Context, address string) (string, error)
}

// ThrottleError возвращается удаленным справочником при 429 (Retry-After).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// StaticDirectory: справочник из конфига. Адреса сравниваются без учета регистра.
type StaticDirectory struct {
	names map[string]string
}

func NewStaticDirectory(entries map[string]string) *StaticDirectory {
	names := make(map[string]string, len(entries))
	for addr, name := range entries {
		names[strings.ToLower(strings.TrimSpace(addr))] = name
	}
	return &StaticDirectory{names: names}
}

func (d *StaticDirectory) Lookup(_ context.Context, address string) (string, error) {
	name, ok := d.names[strings.ToLower(strings.TrimSpace(address))]
	if !ok || name == "" {
		return "", ErrUnknownAddress
	}
	return name, nil
}
