// Package identity разрешает участника (адрес кошелька) в domain.Identity один раз
// на границе запроса. Дальше по логике управления ходит только Identity.
package identity

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/domain"
)

type Resolver struct {
	dir    Directory
	logger *zap.Logger
}

// NewResolver принимает nil-справочник: тогда все личности частичные (только адрес).
func NewResolver(dir Directory, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger.Named("identity")}
}

// Resolve никогда не возвращает ошибку: недоступный справочник дает частичную личность,
// а решение о ее достаточности принимает Quorum Validator (ErrIdentityAmbiguous).
func (r *Resolver) Resolve(ctx context.Context, subject string) domain.Identity {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return domain.Identity{}
	}

	// Пользователь консоли без кошелька: личности для ростера у него нет
	if domain.IsUserSubject(subject) {
		r.logger.Debug("console user has no wallet address", zap.String("subject", subject))
		return domain.Identity{}
	}

	// Не адрес: значит субъект уже представлен именем (например, из CLI)
	if !domain.LooksLikeAddress(subject) {
		return domain.Identity{Name: subject}
	}

	id := domain.Identity{Address: subject}
	if r.dir == nil {
		return id
	}

	name, err := r.dir.Lookup(ctx, subject)
	switch {
	case err == nil:
		id.Name = name
	case errors.Is(err, ErrUnknownAddress):
		r.logger.Debug("address not in directory", zap.String("address", subject))
	default:
		r.logger.Warn("identity directory unavailable, using partial identity",
			zap.String("address", subject), zap.Error(err))
	}
	return id
}
