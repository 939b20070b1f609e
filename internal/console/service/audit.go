package service

import (
	"context"
	"fmt"

	"github.com/xela07ax/treasury-guard/internal/audit"
)

// AuditLogProvider описывает контракт для чтения журнала решений.
type AuditLogProvider interface {
	FetchEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error)
}

type AuditService struct {
	repo AuditLogProvider
}

func NewAuditService(repo AuditLogProvider) *AuditService {
	return &AuditService{
		repo: repo,
	}
}

// FetchLogs запрашивает журнал с фильтрацией.
// Логика фильтрации (пустые поля означают отсутствие ограничения) инкапсулирована в репозитории.
func (s *AuditService) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	logs, err := s.repo.FetchEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("audit_service: failed to fetch logs: %w", err)
	}
	return logs, nil
}
