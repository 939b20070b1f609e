package engine

/*
Файл gateway.go реализует шлюз оценки переводов.

Единый пайплайн для HTTP и gRPC:
 1. проверка запроса;
 2. решение Enforcer (всегда есть, при сбое хранилища, запрет);
 3. для require_approval, перевод в очередь на кворум по ростеру сработавшей политики;
 4. асинхронная запись в журнал решений и метрики.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/governance"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
	"github.com/xela07ax/treasury-guard/internal/policy"
)

// ScopeEvaluate: scope токена, открывающий оценку переводов.
const ScopeEvaluate = "transfers.evaluate"

// TransactionCreator: куда шлюз кладет переводы, ожидающие подтверждения.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
}

type IdentityResolver interface {
	Resolve(ctx context.Context, subject string) domain.Identity
}

// Result: ответ шлюза вызывающей стороне.
type Result struct {
	TraceID     string              `json:"trace_id"`
	Decision    domain.Decision     `json:"decision"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

type Gateway struct {
	enforcer policy.Enforcer
	txs      TransactionCreator
	resolver IdentityResolver
	auditor  audit.Auditor
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewGateway(enforcer policy.Enforcer, txs TransactionCreator, resolver IdentityResolver, auditor audit.Auditor, metrics *Metrics, logger *zap.Logger) *Gateway {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gateway{
		enforcer: enforcer,
		txs:      txs,
		resolver: resolver,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger.Named("gateway"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate: общий пайплайн для HTTP и gRPC. transport попадает в журнал и метрики.
func (g *Gateway) Evaluate(ctx context.Context, req *domain.TransactionRequest, transport string) (*Result, error) {
	start := g.now()

	if err := req.Validate(); err != nil {
		g.metrics.ErrorTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	decision := g.enforcer.Decide(ctx, req)
	res := &Result{TraceID: extractTraceID(ctx), Decision: decision}

	var txErr error
	if decision.Action == domain.ActionRequireApproval && decision.Matched != nil {
		initiator := g.resolver.Resolve(ctx, req.Initiator)
		tx, outcome := governance.NewTransaction(uuid.NewString(), decision.Matched, *req, initiator, start)
		if txErr = g.txs.CreateTransaction(ctx, tx); txErr == nil {
			res.Transaction = tx
			g.metrics.TransactionsOpened.Inc()
			g.logger.Info("transfer queued for approval",
				zap.String("trace_id", res.TraceID),
				zap.String("transaction_id", tx.ID),
				zap.String("policy_id", decision.PolicyID),
				zap.String("outcome", string(outcome)))
		} else {
			g.metrics.ErrorTotal.WithLabelValues("transaction_store").Inc()
		}
	}

	source := "policy"
	if decision.PolicyID == "" {
		source = "default"
	}
	g.metrics.Decisions.WithLabelValues(string(decision.Action), source).Inc()
	g.metrics.RequestDuration.WithLabelValues(transport, string(decision.Action)).Observe(time.Since(start).Seconds())

	event := audit.Event{
		ID:         uuid.NewString(),
		TraceID:    res.TraceID,
		Kind:       audit.KindTransferDecision,
		Source:     transport,
		Actor:      req.Initiator,
		PolicyID:   decision.PolicyID,
		Action:     string(decision.Action),
		Reason:     decision.Reason,
		Payload:    requestPayload(req),
		Timestamp:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if res.Transaction != nil {
		event.TransactionID = res.Transaction.ID
		event.Outcome = string(res.Transaction.Status)
	}
	if txErr != nil {
		event.Outcome = "error"
		event.Reason = decision.Reason + "; approval transaction not created: " + txErr.Error()
	}
	// Асинхронная запись в журнал
	if g.auditor != nil {
		g.auditor.Log(event)
	}

	if txErr != nil {
		// Без записи перевода подтвердить его будет нельзя: отвечаем ошибкой, а не "ждите кворума"
		return nil, fmt.Errorf("gateway: failed to open approval transaction: %w", txErr)
	}
	return res, nil
}

func requestPayload(req *domain.TransactionRequest) map[string]interface{} {
	return map[string]interface{}{
		"initiator":               req.Initiator,
		"initiator_groups":        req.InitiatorGroups,
		"source_wallet":           req.SourceWallet,
		"destination":             req.Destination,
		"destination_is_internal": req.DestinationIsInternal,
		"amount_usd":              req.AmountUSD.String(),
		"asset":                   req.Asset,
	}
}

// Routes: HTTP-API шлюза. metrics монтируется на metricsPath без авторизации.
func (g *Gateway) Routes(validator auth.TokenValidator, metrics http.Handler, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if metrics != nil {
		r.Handle(metricsPath, metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(validator, g.logger))
		r.Use(auth.RequireScope(ScopeEvaluate))
		r.Post("/v1/transfers/evaluate", g.HandleEvaluate)
	})
	return r
}

// HandleEvaluate: POST /v1/transfers/evaluate. Пустой initiator заменяется субъектом токена.
func (g *Gateway) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Initiator == "" {
		req.Initiator = auth.Subject(r.Context())
	}

	res, err := g.Evaluate(r.Context(), &req, "http")
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		g.logger.Error("evaluation failed", zap.String("trace_id", extractTraceID(r.Context())), zap.Error(err))
		// tip: Не отдаем детали внутренних ошибок
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "evaluation unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
