package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/engine"
	"github.com/xela07ax/treasury-guard/internal/identity"
	"github.com/xela07ax/treasury-guard/internal/infra"
	"github.com/xela07ax/treasury-guard/internal/infra/auth"
	"github.com/xela07ax/treasury-guard/internal/policy"
	"github.com/xela07ax/treasury-guard/internal/repository/postgres"
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
	logger = logger.Named("gateway")

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGTERM cancel() остановит подписку на обновления политик
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Инфраструктура и ресурсы
	if cfg.Database.URL == "" {
		logger.Fatal("database.url (DATABASE_URL) is required")
	}
	db, err := postgres.Open(cfg.Database)
	if err != nil {
		logger.Fatal("database open failed", zap.Error(err))
	}
	defer db.Close()
	store := postgres.NewStore(db)

	pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		pingCancel()
		logger.Fatal("database unreachable", zap.Error(err))
	}
	pingCancel()

	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("public key", zap.Error(err))
	}
	validator := auth.NewBaseValidator(publicKey)

	// Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	// 2. Справочник адресов за Circuit Breaker (для http-источника)
	dir, err := identity.FromConfig(cfg.Identity, postgres.NewWalletDirectory(db), metrics.ObserveBreaker)
	if err != nil {
		logger.Fatal("identity directory", zap.Error(err))
	}
	resolver := identity.NewResolver(dir, logger)

	// 3. Журнал решений: данные полетят в базу пачками
	journal := audit.NewJournal(postgres.NewAuditRepo(db), audit.Options{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, logger)
	journal.OnDrop(metrics.JournalDropped.Inc)
	journal.Start()
	defer journal.Stop()

	// 4. Enforcer: чтение хранилища на каждый запрос или снимок в RAM с сигналами Redis
	var enforcer policy.Enforcer = policy.NewStoreEnforcer(store, logger)
	if cfg.Engine.PolicyCache {
		memo := policy.NewMemoEnforcer(store, logger)
		if err := engine.WarmupPolicies(appCtx, memo, logger, 5); err != nil {
			logger.Fatal("policy cache warm-up failed", zap.Error(err))
		}

		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()

		onReconnect, onMessage := engine.FollowPolicyUpdates(memo, logger)
		go engine.ListenStateResilient(appCtx, rdb, logger, infra.RedisChanPolicyUpdate, onReconnect, onMessage)
		enforcer = memo
	}

	// 5. Core: единый пайплайн для HTTP и gRPC
	gw := engine.NewGateway(enforcer, store, resolver, journal, metrics, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.HTTPPort),
		Handler:      gw.Routes(validator, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), cfg.Gateway.MetricsPath),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, metrics)))
	health := engine.NewGRPCGatewayServer(gw).Register(grpcSrv)

	// Запускаем gRPC в отдельной горутине
	go func() {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.GRPCPort))
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		logger.Info("gRPC server started", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP server started", zap.String("addr", srv.Addr), zap.Bool("policy_cache", cfg.Engine.PolicyCache))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 6. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop // Ждем сигнал
	logger.Info("gateway stopping")

	health.Shutdown()
	cancel()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	logger.Info("gateway exited properly")
}
