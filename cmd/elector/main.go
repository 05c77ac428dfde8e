package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "zkelect/configs"
	"zkelect/pkg/api"
	"zkelect/pkg/coordination"
	"zkelect/pkg/coordination/backends"
	"zkelect/pkg/election"
	"zkelect/pkg/events"
	"zkelect/pkg/logger"
	tracing "zkelect/pkg/observability"
	"zkelect/pkg/scheduler"
	"zkelect/pkg/storage/history"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: cfg.LogOutput,
		Service:    "zkelect-elector",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "zkelect-elector",
		Endpoint:     cfg.OTLPEndpoint,
		Enabled:      cfg.TracingEnabled,
		SamplingRate: cfg.TraceSamplingRate,
	})
	if err != nil {
		log.Error("failed to initialize tracing", zap.Error(err))
		return 1
	}
	defer shutdownWithTimeout(log, "tracing", provider.Shutdown)

	hist, err := history.Open(history.Config{
		DatabaseURL:  cfg.DatabaseURL,
		RedisAddr:    cfg.RedisAddr,
		StreamKey:    cfg.EventsStream,
		RecentEvents: 1000,
	}, log)
	if err != nil {
		log.Error("failed to open event history", zap.Error(err))
		return 1
	}
	defer func() {
		if err := hist.Close(); err != nil {
			log.Warn("failed to close event history", zap.Error(err))
		}
	}()

	identity, err := os.Hostname()
	if err != nil {
		identity = "elector-" + uuid.NewString()
	}
	identity = fmt.Sprintf("%s-%d", identity, os.Getpid())
	emitter := events.NewEmitter(identity, log, hist.Sinks()...)

	dialer, err := backends.Dialer(cfg.Backend, log)
	if err != nil {
		log.Error("invalid backend", zap.Error(err))
		return 1
	}

	participant := election.NewParticipant(election.Config{
		Namespace:            cfg.Namespace,
		Prefix:               cfg.CandidatePrefix,
		MaxAttempts:          cfg.MaxAttempts,
		RetryInitialInterval: cfg.RetryInitialInterval,
		RetryMaxInterval:     cfg.RetryMaxInterval,
	}, dialer, log, emitter)
	defer func() {
		if err := participant.Shutdown(); err != nil {
			log.Warn("failed to close session", zap.Error(err))
		}
	}()

	log.Info("connecting",
		zap.String("backend", cfg.Backend),
		zap.String("address", cfg.Address),
		zap.Duration("session_timeout", cfg.SessionTimeout),
		zap.String("participant", identity),
	)
	if err := participant.Connect(ctx, cfg.Address, cfg.SessionTimeout); err != nil {
		log.Error("failed to connect", zap.Error(err))
		return 1
	}

	entry, err := participant.Volunteer(ctx)
	if err != nil {
		log.Error("failed to volunteer", zap.Error(err))
		return 1
	}
	status, err := participant.Evaluate(ctx)
	if err != nil {
		log.Error("failed to evaluate leadership", zap.Error(err))
		return 1
	}
	log.Info("joined election",
		zap.String("entry", entry),
		zap.Stringer("status", status.Status),
		zap.String("leader", status.Leader),
	)

	if cfg.ReconcileSchedule != "" {
		reconciler, err := scheduler.NewReconciler(cfg.ReconcileSchedule, participant, cfg.SessionTimeout, log)
		if err != nil {
			log.Error("failed to start reconciler", zap.Error(err))
			return 1
		}
		reconciler.Start()
		defer reconciler.Stop()
	}

	if cfg.APIPort != "" {
		server := api.NewServer(api.Config{
			Port:        cfg.APIPort,
			ServiceName: "zkelect-elector",
			Elector:     participant,
			Events:      hist.Query(),
			Log:         log,
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Error("status API failed", zap.Error(err))
			}
		}()
		defer shutdownWithTimeout(log, "status API", server.Shutdown)
	}

	ev, err := participant.Run(ctx)
	if errors.Is(err, coordination.ErrInterrupted) {
		log.Info("received shutdown signal, leaving election")
		return 0
	}
	if err != nil {
		log.Error("serving loop failed", zap.Error(err))
		return 1
	}

	// The token is gone with the session; a supervisor restarts us.
	log.Error("session ended",
		zap.Stringer("state", ev.State),
		zap.Int64("session_id", ev.SessionID),
	)
	return 1
}

func shutdownWithTimeout(log *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("shutdown error", zap.String("component", what), zap.Error(err))
	}
}
