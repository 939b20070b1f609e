package identity

import (
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/xela07ax/treasury-guard/internal/infra"
)

// FromConfig выбирает справочник по identity.source.
// database: таблица wallets (передается снаружи); http: удаленный сервис за CB и лимитером.
// none дает nil: Resolver работает только с тем, что есть в субъекте.
func FromConfig(cfg infra.IdentityConfig, database Directory, onState func(name string, from, to gobreaker.State)) (Directory, error) {
	switch cfg.Source {
	case "database":
		if database == nil {
			return nil, fmt.Errorf("identity: database source requires a wallet directory")
		}
		return database, nil
	case "http":
		return NewReliableDirectory(NewHTTPDirectory(cfg.URL, cfg.Timeout), ReliableOptions{
			Name:          "identity-directory",
			RatePerSecond: cfg.RatePerSecond,
			Burst:         cfg.Burst,
			Attempts:      cfg.RetryAttempts,
			MaxFailures:   cfg.CBMaxFailures,
			OpenTimeout:   cfg.CBOpenTimeout,
			CallTimeout:   cfg.Timeout,
			OnStateChange: onState,
		}), nil
	case "static":
		return NewStaticDirectory(cfg.Static), nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("identity: unknown source %q", cfg.Source)
}
