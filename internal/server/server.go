package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"matchvoice/internal/api"
	"matchvoice/internal/config"
	"matchvoice/internal/eventbus"
	"matchvoice/internal/identity"
	"matchvoice/internal/lock"
	"matchvoice/internal/monitor"
	"matchvoice/internal/orchestrator"
	"matchvoice/internal/retry"
	"matchvoice/internal/signal"
	"matchvoice/internal/store"
	"matchvoice/internal/voice"

	"github.com/hibiken/asynq"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	sweeper     *orchestrator.Sweeper
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	stateStore := store.NewRedis(deps.Redis)
	locks := lock.NewManager(stateStore, logger)
	bus := eventbus.NewRedisBus(deps.Redis, logger)

	links := identity.NewPGLinks(deps.PG)
	directory := identity.NewCachedDirectory(links, stateStore, logger)

	adapter := voice.NewDiscord(voice.DiscordConfig{
		BotToken:   cfg.Discord.BotToken,
		GuildID:    cfg.Discord.GuildID,
		CategoryID: cfg.Discord.CategoryID,
		APIBase:    cfg.Discord.APIBase,
		Timeout:    cfg.Discord.Timeout,
	}, logger)

	orch := orchestrator.New(stateStore, locks, directory, adapter, bus, orchestrator.Config{
		SessionTTL:       cfg.Orchestrator.SessionTTL,
		MatchTTL:         cfg.Orchestrator.MatchTTL,
		RoomTTL:          cfg.Orchestrator.RoomTTL,
		LockLease:        cfg.Orchestrator.LockLease,
		CallTimeout:      cfg.Orchestrator.CallTimeout,
		MinLinkedPlayers: cfg.Orchestrator.MinLinkedPlayers,
		Retry: retry.Config{
			MaxAttempts: cfg.Orchestrator.RetryAttempts,
			BaseDelay:   cfg.Orchestrator.RetryBaseDelay,
			MaxDelay:    cfg.Orchestrator.RetryMaxDelay,
			Jitter:      true,
		},
	}, logger)

	sweeper := orchestrator.NewSweeper(orch, orchestrator.SweepConfig{
		Interval:        cfg.Sweep.Interval,
		SafetyThreshold: cfg.Sweep.SafetyThreshold,
		TeardownGrace:   cfg.Sweep.TeardownGrace,
	}, logger)

	enqueuer := signal.NewEnqueuer(deps.AsynqClient, logger)
	signalWorker := signal.NewWorker(orch, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(signal.PhaseSignalTask, signalWorker.HandlePhaseSignal)

	router := api.NewRouter(enqueuer, orch, bus)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		sweeper:     sweeper,
		logger:      logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Asynq worker failed", "error", err)
		}
	}()

	s.sweeper.Start()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()
	s.sweeper.Stop()

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
