package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/governance"
)

// TransactionRepository: очередь переводов, ожидающих подтверждения.
type TransactionRepository interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error
}

type TransactionResult struct {
	Transaction *domain.Transaction `json:"transaction"`
	Outcome     governance.Outcome  `json:"outcome"`
}

type TransactionService struct {
	repo     TransactionRepository
	resolver IdentityResolver
	metrics  *Metrics
	auditor  audit.Auditor
	logger   *zap.Logger
	attempts uint
	now      func() time.Time
}

func NewTransactionService(repo TransactionRepository, resolver IdentityResolver, metrics *Metrics, auditor audit.Auditor, logger *zap.Logger, casAttempts uint) *TransactionService {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &TransactionService{
		repo:     repo,
		resolver: resolver,
		metrics:  metrics,
		auditor:  auditor,
		logger:   logger.Named("transaction-service"),
		attempts: casAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *TransactionService) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// List: очередь для админки; по умолчанию только ожидающие.
func (s *TransactionService) List(ctx context.Context, status domain.TransactionStatus) ([]*domain.Transaction, error) {
	return s.repo.ListTransactions(ctx, status)
}

// Approve учитывает голос участника ростера. Конкурентные голоса не теряются:
// проигравший CAS перечитывает запись и голосует заново.
func (s *TransactionService) Approve(ctx context.Context, id, subject string) (*TransactionResult, error) {
	who := s.resolver.Resolve(ctx, subject)

	var res *TransactionResult
	err := casLoop(ctx, s.attempts, func(attempt uint) error {
		if attempt > 1 {
			s.metrics.CASRetries.WithLabelValues("approve_transaction").Inc()
		}
		cur, err := s.repo.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		next, outcome, err := governance.ApproveTransaction(cur, who, s.now())
		if err != nil {
			return err
		}
		if outcome != governance.OutcomeDuplicate {
			if err := s.repo.UpdateTransaction(ctx, next); err != nil {
				return err
			}
		}
		res = &TransactionResult{Transaction: next, Outcome: outcome}
		return nil
	})

	var outcome string
	if err != nil {
		outcome = rejection(err)
	} else {
		outcome = string(res.Outcome)
	}
	s.metrics.GovernanceOps.WithLabelValues("approve_transaction", outcome).Inc()

	event := audit.Event{
		ID:            uuid.NewString(),
		Kind:          audit.KindTransactionApproval,
		Source:        "console",
		Actor:         who.String(),
		TransactionID: id,
		Action:        "approve",
		Outcome:       outcome,
		Timestamp:     s.now(),
	}
	if err != nil {
		event.Reason = err.Error()
	} else {
		event.PolicyID = res.Transaction.PolicyID
	}
	if s.auditor != nil {
		s.auditor.Log(event)
	}

	if err != nil {
		return nil, err
	}
	if res.Outcome == governance.OutcomeCompleted {
		s.logger.Info("transaction approved by quorum",
			zap.String("transaction_id", id), zap.Strings("approvals", res.Transaction.Approvals))
	}
	return res, nil
}
