package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/console/handler"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
)

// Scopes токена, открывающие операции консоли (admin открывает все).
const (
	ScopePoliciesRead       = "policies.read"
	ScopePoliciesWrite      = "policies.write"
	ScopeTransactionsRead   = "transactions.read"
	ScopeTransactionApprove = "transactions.approve"
	ScopeAuditRead          = "audit.read"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler        *handler.AuthHandler        // /auth/token
	policyHandler      *handler.PolicyHandler      // /v1/policies
	transactionHandler *handler.TransactionHandler // /v1/transactions (кворум переводов)
	auditHandler       *handler.AuditHandler       // /v1/audit (журнал решений)
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	policyH *handler.PolicyHandler,
	txH *handler.TransactionHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:             chi.NewRouter(),
		logger:             logger.Named("console-api"),
		authValidator:      validator,
		authHandler:        authH,
		policyHandler:      policyH,
		transactionHandler: txH,
		auditHandler:       auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Политики и управление их изменениями
		r.Route("/v1/policies", func(r chi.Router) {
			r.With(auth.RequireScope(ScopePoliciesRead)).Get("/", s.policyHandler.List)
			r.With(auth.RequireScope(ScopePoliciesRead)).Get("/lint", s.policyHandler.Lint)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireScope(ScopePoliciesWrite))
				r.Post("/", s.policyHandler.Create)
				r.Post("/reorder", s.policyHandler.Reorder)
			})

			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopePoliciesRead)).Get("/", s.policyHandler.Get)

				// Полномочия на голос проверяет ростер политики, scope лишь открывает доступ к операции
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(ScopePoliciesWrite))
					r.Post("/changes", s.policyHandler.SubmitChange)
					r.Post("/deletion", s.policyHandler.SubmitDeletion)
					r.Post("/approve", s.policyHandler.Approve)
					r.Post("/cancel", s.policyHandler.Cancel)
				})
			})
		})

		// Переводы, ожидающие кворума
		r.Route("/v1/transactions", func(r chi.Router) {
			r.With(auth.RequireScope(ScopeTransactionsRead)).Get("/", s.transactionHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(ScopeTransactionsRead)).Get("/", s.transactionHandler.GetDetails)
				r.With(auth.RequireScope(ScopeTransactionApprove)).Post("/approve", s.transactionHandler.Approve)
			})
		})

		// Журнал решений (Observability)
		r.With(auth.RequireScope(ScopeAuditRead)).Get("/v1/audit", s.auditHandler.GetLogs)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
