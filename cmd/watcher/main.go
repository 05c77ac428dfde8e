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
	"zkelect/pkg/events"
	"zkelect/pkg/logger"
	"zkelect/pkg/metrics"
	tracing "zkelect/pkg/observability"
	"zkelect/pkg/session"
	"zkelect/pkg/storage/history"
	"zkelect/pkg/watch"
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
		Service:    "zkelect-watcher",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "zkelect-watcher",
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
		identity = "watcher-" + uuid.NewString()
	}
	emitter := events.NewEmitter(fmt.Sprintf("%s-%d", identity, os.Getpid()), log, hist.Sinks()...)

	dialer, err := backends.Dialer(cfg.Backend, log)
	if err != nil {
		log.Error("invalid backend", zap.Error(err))
		return 1
	}

	log.Info("connecting",
		zap.String("backend", cfg.Backend),
		zap.String("address", cfg.Address),
		zap.String("target", cfg.WatchTarget),
	)
	client, err := dialer.Dial(ctx, cfg.Address, cfg.SessionTimeout)
	if err != nil {
		log.Error("failed to connect", zap.Error(err))
		return 1
	}
	defer func() { _ = client.Close() }()

	monitor := session.NewMonitor()
	go func() {
		for ev := range client.SessionEvents() {
			metrics.SessionEvents.WithLabelValues(ev.State.String()).Inc()
			log.Info("session event", zap.Stringer("state", ev.State), zap.Int64("session_id", ev.SessionID))
			monitor.Observe(ev)
		}
	}()

	registrar := watch.NewRegistrar(client, cfg.WatchTarget, watch.LogObserver{Log: log.Named("watch")}, log, emitter,
		watch.WithRearmRetry(cfg.RetryInitialInterval, cfg.RetryMaxInterval, uint(cfg.MaxAttempts)))

	if cfg.APIPort != "" {
		server := api.NewServer(api.Config{
			Port:        cfg.APIPort,
			ServiceName: "zkelect-watcher",
			Watcher:     registrar,
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

	runErr := make(chan error, 1)
	go func() { runErr <- registrar.Run(ctx) }()

	select {
	case err := <-runErr:
		switch {
		case errors.Is(err, coordination.ErrInterrupted):
			log.Info("received shutdown signal")
			return 0
		case err != nil:
			log.Error("failed to arm watches", zap.Error(err))
			return 1
		}
		log.Error("watches dropped by the session")
		return 1
	case <-monitor.Done():
		registrar.Stop()
		ev, _ := monitor.Terminated()
		log.Error("session ended", zap.Stringer("state", ev.State), zap.Int64("session_id", ev.SessionID))
		return 1
	}
}

func shutdownWithTimeout(log *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("shutdown error", zap.String("component", what), zap.Error(err))
	}
}
