package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/botfleet/internal/bot"
	"github.com/xela07ax/botfleet/internal/bus"
	"github.com/xela07ax/botfleet/internal/command"
	"github.com/xela07ax/botfleet/internal/console/handler"
	"github.com/xela07ax/botfleet/internal/console/server"
	"github.com/xela07ax/botfleet/internal/console/service"
	"github.com/xela07ax/botfleet/internal/fleet"
	"github.com/xela07ax/botfleet/internal/infra"
	"github.com/xela07ax/botfleet/internal/infra/auth"
	"github.com/xela07ax/botfleet/internal/journal"
	"github.com/xela07ax/botfleet/internal/lookup"
	"github.com/xela07ax/botfleet/internal/repository/postgres"
	"github.com/xela07ax/botfleet/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: fleet registry, control listener and Control Plane API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// dialers собирает основной и резервный транспорт. Закрытие соединений - на вызывающем.
func dialers(cfg infra.TransportConfig, logger *zap.Logger) (primary, emergency transport.Dialer, closeFn func(), err error) {
	if cfg.Driver == "memory" {
		logger.Warn("in-process memory transport enabled, sessions are simulated")
		return transport.NewMemoryDialer(transport.VariantPrimary, true),
			transport.NewMemoryDialer(transport.VariantEmergency, true),
			func() {}, nil
	}

	pconn, err := grpc.NewClient(cfg.PrimaryAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("primary sidecar: %w", err)
	}
	primary = transport.NewSidecarDialer(pconn, transport.VariantPrimary, cfg.CallTimeout, logger).
		WithReconnectBackoff(cfg.ReconnectDelay, cfg.ReconnectMaxDelay)
	closeFn = func() { _ = pconn.Close() }

	if cfg.EmergencyAddr == "" {
		return primary, nil, closeFn, nil
	}
	econn, err := grpc.NewClient(cfg.EmergencyAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("emergency sidecar: %w", err)
	}
	emergency = transport.NewSidecarDialer(econn, transport.VariantEmergency, cfg.CallTimeout, logger).
		WithReconnectBackoff(cfg.ReconnectDelay, cfg.ReconnectMaxDelay)
	return primary, emergency, func() {
		_ = pconn.Close()
		_ = econn.Close()
	}, nil
}

func serve(parent context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// Контекст процесса: SIGINT/SIGTERM останавливают слушателей и запускают graceful shutdown
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура
	pool, err := openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := postgres.NewBotRepo(pool)

	rdb, err := openRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := infra.NewMetrics(reg)

	// 2. Журнал переходов: пачками в bot_events
	jr := journal.New(repo, cfg.Fleet.JournalBufferSize, cfg.Fleet.JournalFlushInterval, metrics, logger)
	jr.Start()

	// 3. Транспорт и реестр
	primary, emergency, closeDialers, err := dialers(cfg.Transport, logger)
	if err != nil {
		return err
	}
	defer closeDialers()

	osFs := afero.NewOsFs()
	registry := fleet.NewRegistry(fleet.Options{
		Primary:         primary,
		Emergency:       emergency,
		Store:           repo,
		Locker:          bus.NewLocker(rdb),
		LockKey:         infra.RedisKeyLockRecovery,
		LockTTL:         cfg.Fleet.RecoveryLockTTL,
		BulkConcurrency: cfg.Fleet.BulkConcurrency,
		Logger:          logger,
		Deps: bot.Deps{
			Notifier:  bus.NewNotifier(rdb),
			Journal:   jr,
			Artifacts: bot.NewArtifacts(osFs, cfg.Fleet.SessionPath),
			Lookups:   lookup.NewClient(cfg.Lookup, &http.Client{Timeout: cfg.Lookup.Timeout}, metrics, logger),
			Stickers:  command.NewStickers(osFs, cfg.Fleet.StickerPath),
			Metrics:   metrics,
			Settings:  bot.SettingsFrom(cfg.Fleet),
		},
	})

	// 4. Восстановление флота после рестарта
	if out, err := registry.InitializeAll(ctx); err != nil {
		logger.Error("fleet recovery failed", zap.Error(err))
	} else if failed := fleet.Failed(out); len(failed) > 0 {
		logger.Warn("some bots were not recovered", zap.Int("failed", len(failed)))
	}

	// 5. Сигналы управления из шины
	go bus.Listen(ctx, rdb, logger.Named("control"), infra.RedisChanFleetControl, func(ctx context.Context, payload string) {
		if err := registry.HandleSignal(ctx, payload); err != nil {
			logger.Warn("fleet signal failed", zap.String("payload", payload), zap.Error(err))
		}
	})

	// 6. Control Plane
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return fmt.Errorf("auth public key: %w", err)
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return fmt.Errorf("auth private key: %w", err)
	}
	validator := auth.NewBaseValidator(pub, priv, cfg.Auth.TokenTTL)
	botService := service.NewBotService(repo, registry, logger)

	console := server.NewConsoleServer(logger, validator,
		handler.NewAuthHandler(service.NewAuthService(repo, validator, cfg.Auth.BcryptCost)),
		handler.NewBotHandler(botService, logger),
		handler.NewFleetHandler(botService, logger),
	)
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		logger.Error("control plane failed", zap.Error(err))
	}
	logger.Info("orchestrator stopping...")

	// 7. Graceful shutdown: API, затем агенты (OFFLINE, сессии сохраняются), затем журнал
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control plane shutdown failed", zap.Error(err))
	}
	out := registry.BulkStop(shutdownCtx)
	logger.Info("agents stopped", zap.Int("bots", len(out)), zap.Int("failed", len(fleet.Failed(out))))
	jr.Stop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("orchestrator exited properly")
	return err
}
