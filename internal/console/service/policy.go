package service

/*
Файл policy.go содержит прикладной слой управления политиками.

Каждая операция выполняется как read-modify-write в CAS-цикле:
 1. читаем текущую запись (с версией);
 2. чистая функция governance вычисляет новое состояние и исход;
 3. пишем с проверкой версии; при конфликте все повторяется с шага 1.
После записи шлюзы получают сигнал в Redis, а событие уходит в журнал.
*/

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/governance"
	"github.com/xela07ax/treasury-guard/internal/policy"
	"github.com/xela07ax/treasury-guard/internal/risk"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	GetPolicy(ctx context.Context, id string) (*domain.Policy, error)
	ListPolicies(ctx context.Context) ([]*domain.Policy, error)
	CreatePolicy(ctx context.Context, p *domain.Policy) error
	UpdatePolicy(ctx context.Context, p *domain.Policy) error
	DeletePolicy(ctx context.Context, id string, version int64) error
	ReorderPolicies(ctx context.Context, reordered []*domain.Policy) error
}

// IdentityResolver превращает субъект токена в domain.Identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, subject string) domain.Identity
}

// ChangeNotifier оповещает шлюзы о записи (инвалидация снимка политик).
type ChangeNotifier interface {
	PolicyChanged(ctx context.Context, policyID string, version int64) error
}

// ChangeResult: ответ на любую операцию управления.
type ChangeResult struct {
	Policy   *domain.Policy     `json:"policy"`
	Outcome  governance.Outcome `json:"outcome"`
	Warnings []risk.Finding     `json:"warnings,omitempty"`
}

// Options: необязательные зависимости и настройки PolicyService.
type Options struct {
	CASAttempts uint
	Notifier    ChangeNotifier // nil: шлюзы читают хранилище напрямую
	Auditor     audit.Auditor  // nil: без журнала
}

type PolicyService struct {
	repo     PolicyRepository
	resolver IdentityResolver
	analyzer *risk.Analyzer
	metrics  *Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

func NewPolicyService(repo PolicyRepository, resolver IdentityResolver, analyzer *risk.Analyzer, metrics *Metrics, logger *zap.Logger, opts Options) *PolicyService {
	if opts.CASAttempts == 0 {
		opts.CASAttempts = 5
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &PolicyService{
		repo:     repo,
		resolver: resolver,
		analyzer: analyzer,
		metrics:  metrics,
		logger:   logger.Named("policy-service"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *PolicyService) Get(ctx context.Context, id string) (*domain.Policy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// List возвращает все политики в порядке приоритета
func (s *PolicyService) List(ctx context.Context) ([]*domain.Policy, error) {
	return s.repo.ListPolicies(ctx)
}

// Lint: замечания по всему набору политик.
func (s *PolicyService) Lint(ctx context.Context) ([]risk.Finding, error) {
	policies, err := s.repo.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	return s.analyzer.Lint(policies), nil
}

// Create сохраняет новую политику в конец списка (приоритет max+1).
// Поля управления изменениями (ожидающий diff, голоса) при создании игнорируются.
func (s *PolicyService) Create(ctx context.Context, in *domain.Policy, subject string) (*ChangeResult, error) {
	p := in.Clone()
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else {
		// Колонка id в Postgres типа UUID
		id, err := uuid.Parse(p.ID)
		if err != nil {
			return nil, &domain.ValidationError{Field: "id", Message: "must be a UUID"}
		}
		p.ID = id.String()
	}
	p.Normalize()
	p.PendingChanges, p.ChangeApprovers, p.ChangeInitiator, p.ChangeRequestedAt = nil, nil, "", nil
	if p.Status != domain.StatusActive && p.Status != domain.StatusDraft {
		return nil, &domain.ValidationError{Field: "status", Message: "new policy must be active or draft"}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	who := s.resolver.Resolve(ctx, subject)
	err := casLoop(ctx, s.opts.CASAttempts, func(attempt uint) error {
		s.countRetry("create", attempt)
		existing, err := s.repo.ListPolicies(ctx)
		if err != nil {
			return err
		}
		p.Priority = policy.NextPriority(existing)
		return s.repo.CreatePolicy(ctx, p)
	})

	res := &ChangeResult{Policy: p, Outcome: governance.OutcomeApplied}
	s.finish(ctx, "create", p.ID, who, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reorder переназначает приоритеты 0..n-1 по списку ID.
// Порядок не является правкой полей политики, поэтому идет мимо кворума.
func (s *PolicyService) Reorder(ctx context.Context, orderedIDs []string, subject string) ([]*domain.Policy, error) {
	who := s.resolver.Resolve(ctx, subject)

	var reordered []*domain.Policy
	err := casLoop(ctx, s.opts.CASAttempts, func(attempt uint) error {
		s.countRetry("reorder", attempt)
		current, err := s.repo.ListPolicies(ctx)
		if err != nil {
			return err
		}
		if reordered, err = policy.Reorder(current, orderedIDs); err != nil {
			return err
		}
		return s.repo.ReorderPolicies(ctx, reordered)
	})

	s.finish(ctx, "reorder", "*", who, &ChangeResult{Outcome: governance.OutcomeApplied}, err)
	if err != nil {
		return nil, err
	}
	return reordered, nil
}

// SubmitChange подает правку политики на согласование.
func (s *PolicyService) SubmitChange(ctx context.Context, id string, patch domain.PolicyPatch, subject string) (*ChangeResult, error) {
	who := s.resolver.Resolve(ctx, subject)
	return s.mutate(ctx, "submit_change", id, who, func(p *domain.Policy, now time.Time) (*domain.Policy, governance.Outcome, error) {
		return governance.SubmitChange(p, patch, who, now)
	})
}

// SubmitDeletion подает удаление политики на согласование.
func (s *PolicyService) SubmitDeletion(ctx context.Context, id string, subject string) (*ChangeResult, error) {
	who := s.resolver.Resolve(ctx, subject)
	return s.mutate(ctx, "submit_deletion", id, who, func(p *domain.Policy, now time.Time) (*domain.Policy, governance.Outcome, error) {
		return governance.SubmitDeletion(p, who, now)
	})
}

// Approve учитывает голос за ожидающее изменение.
func (s *PolicyService) Approve(ctx context.Context, id string, subject string) (*ChangeResult, error) {
	who := s.resolver.Resolve(ctx, subject)
	return s.mutate(ctx, "approve_change", id, who, func(p *domain.Policy, now time.Time) (*domain.Policy, governance.Outcome, error) {
		return governance.ApproveChange(p, who, now)
	})
}

// Cancel отбрасывает ожидающее изменение.
func (s *PolicyService) Cancel(ctx context.Context, id string, subject string) (*ChangeResult, error) {
	who := s.resolver.Resolve(ctx, subject)
	return s.mutate(ctx, "cancel_change", id, who, func(p *domain.Policy, now time.Time) (*domain.Policy, governance.Outcome, error) {
		out, err := governance.CancelChange(p, who, now)
		return out, governance.OutcomeCancelled, err
	})
}

type step func(p *domain.Policy, now time.Time) (*domain.Policy, governance.Outcome, error)

func (s *PolicyService) mutate(ctx context.Context, op, id string, who domain.Identity, fn step) (*ChangeResult, error) {
	var res *ChangeResult
	err := casLoop(ctx, s.opts.CASAttempts, func(attempt uint) error {
		s.countRetry(op, attempt)

		cur, err := s.repo.GetPolicy(ctx, id)
		if err != nil {
			return err
		}
		next, outcome, err := fn(cur, s.now())
		if err != nil {
			return err
		}

		switch outcome {
		case governance.OutcomeDuplicate:
			// Повторный голос: состояние не меняется, писать нечего
		case governance.OutcomeDeleted:
			if err := s.repo.DeletePolicy(ctx, id, cur.Version); err != nil {
				return err
			}
		default:
			if err := s.repo.UpdatePolicy(ctx, next); err != nil {
				return err
			}
		}
		res = &ChangeResult{Policy: next, Outcome: outcome}
		return nil
	})

	if res == nil {
		res = &ChangeResult{}
	}
	s.finish(ctx, op, id, who, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// finish выполняет общий хвост операции: метрики, журнал, сигнал шлюзам, предупреждения.
func (s *PolicyService) finish(ctx context.Context, op, policyID string, who domain.Identity, res *ChangeResult, err error) {
	outcome := string(res.Outcome)
	if err != nil {
		outcome = rejection(err)
	}
	s.metrics.GovernanceOps.WithLabelValues(op, outcome).Inc()

	event := audit.Event{
		ID:        uuid.NewString(),
		Kind:      audit.KindPolicyChange,
		Source:    "console",
		Actor:     who.String(),
		PolicyID:  policyID,
		Action:    op,
		Outcome:   outcome,
		Timestamp: s.now(),
	}
	if err != nil {
		event.Reason = err.Error()
		s.log(event)
		s.logger.Info("governance operation rejected",
			zap.String("operation", op), zap.String("policy_id", policyID),
			zap.String("actor", who.String()), zap.Error(err))
		return
	}
	s.log(event)

	if res.Outcome == governance.OutcomeDuplicate {
		return
	}

	p := res.Policy
	if p != nil && p.Status != domain.StatusDeleted {
		res.Warnings = s.analyzer.LintPolicy(p)
		if !p.Governed() {
			s.logger.Warn("policy is ungoverned: changes apply without approval",
				zap.String("policy_id", p.ID), zap.String("operation", op))
		}
	}

	if s.opts.Notifier != nil {
		var version int64
		if p != nil {
			version = p.Version
		}
		if nErr := s.opts.Notifier.PolicyChanged(ctx, policyID, version); nErr != nil {
			// Запись уже зафиксирована; шлюзы с кэшем догонят на следующем сигнале
			s.logger.Error("failed to notify gateways", zap.String("policy_id", policyID), zap.Error(nErr))
		}
	}
}

func (s *PolicyService) log(e audit.Event) {
	if s.opts.Auditor != nil {
		s.opts.Auditor.Log(e)
	}
}

func (s *PolicyService) countRetry(op string, attempt uint) {
	if attempt > 1 {
		s.metrics.CASRetries.WithLabelValues(op).Inc()
	}
}

// rejection: метка исхода для отказа (метрики и журнал).
func rejection(err error) string {
	for _, c := range []struct {
		target error
		label  string
	}{
		{domain.ErrValidation, "invalid"},
		{domain.ErrNotFound, "not_found"},
		{domain.ErrNotAuthorized, "not_authorized"},
		{domain.ErrQuorumInfeasible, "quorum_infeasible"},
		{domain.ErrIdentityAmbiguous, "identity_ambiguous"},
		{domain.ErrChangePending, "change_pending"},
		{domain.ErrNotPending, "not_pending"},
		{domain.ErrVersionConflict, "conflict"},
		{domain.ErrAlreadyCompleted, "already_completed"},
	} {
		if errors.Is(err, c.target) {
			return c.label
		}
	}
	return "error"
}

