package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/console/handler"
	"github.com/xela07ax/treasury-guard/internal/console/server"
	"github.com/xela07ax/treasury-guard/internal/console/service"
	"github.com/xela07ax/treasury-guard/internal/identity"
	"github.com/xela07ax/treasury-guard/internal/infra"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
	"github.com/xela07ax/treasury-guard/internal/repository/postgres"
	"github.com/xela07ax/treasury-guard/internal/risk"
)

func main() {
	// 0. Конфиг и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("console")

	// 1. Инициализация ресурсов
	if cfg.Database.URL == "" {
		logger.Fatal("database.url (DATABASE_URL) is required")
	}
	db, err := postgres.Open(cfg.Database)
	if err != nil {
		logger.Fatal("database open failed", zap.Error(err))
	}
	defer db.Close()

	store := postgres.NewStore(db)
	// Проверяем соединение с таймаутом
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(ctx); err != nil {
		cancel()
		logger.Fatal("database unreachable", zap.Error(err))
	}
	if cfg.Database.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			cancel()
			logger.Fatal("migration failed", zap.Error(err))
		}
	}
	cancel()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	// 2. Ключи RS256: консоль и выпускает токены, и проверяет их
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("private key", zap.Error(err))
	}
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("public key", zap.Error(err))
	}

	// 3. Справочник адресов и журнал
	resolver, err := newResolver(cfg.Identity, db, logger)
	if err != nil {
		logger.Fatal("identity directory", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	metrics := service.NewMetrics(reg)

	journal := audit.NewJournal(postgres.NewAuditRepo(db), audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, logger)
	journal.OnDrop(func() { logger.Warn("audit buffer full, event dropped") })
	journal.Start()
	defer journal.Stop()

	// 4. Инициализация слоев (Dependency Injection)
	analyzer := risk.NewAnalyzer(cfg.Engine.StalePendingAge, logger)
	policyService := service.NewPolicyService(store, resolver, analyzer, metrics, logger, service.Options{
		CASAttempts: cfg.Engine.CASRetryAttempts,
		Notifier:    infra.NewRedisNotifier(rdb),
		Auditor:     journal,
	})
	txService := service.NewTransactionService(store, resolver, metrics, journal, logger, cfg.Engine.CASRetryAttempts)
	authService := service.NewAuthService(store, privateKey, cfg.Auth.TokenTTL)
	auditService := service.NewAuditService(postgres.NewAuditRepo(db))

	consoleSrv := server.NewConsoleServer(
		logger,
		auth.NewBaseValidator(publicKey),
		handler.NewAuthHandler(authService),
		handler.NewPolicyHandler(policyService),
		handler.NewTransactionHandler(txService),
		handler.NewAuditHandler(auditService),
	)

	root := chi.NewRouter()
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Mount("/", consoleSrv)

	// 5. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("console API stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}

func newResolver(cfg infra.IdentityConfig, db *sql.DB, logger *zap.Logger) (*identity.Resolver, error) {
	dir, err := identity.FromConfig(cfg, postgres.NewWalletDirectory(db), func(name string, from, to gobreaker.State) {
		logger.Warn("identity directory breaker", zap.String("name", name),
			zap.String("from", from.String()), zap.String("to", to.String()))
	})
	if err != nil {
		return nil, err
	}
	return identity.NewResolver(dir, logger), nil
}
