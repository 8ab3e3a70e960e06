package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("callbridge stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Reject an unusable wire contract at startup.
	if _, err := protocol.NewAgentAdapter(cfg.AgentOptions()); err != nil {
		return fmt.Errorf("agent adapter: %w", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := calllog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("call log init: %w", err)
	}
	defer store.Close()
	logger.Info("call log ready", zap.String("mode", store.Mode()))

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(c *session.Call) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		logger.Info("call expired after inactivity",
			zap.String("session_id", c.ID),
			zap.String("stream_sid", c.StreamSID),
		)
	})

	dialer := bridge.NewWSDialer(cfg.AgentURL(), cfg.AIAuthHeader, cfg.ElevenLabsAPIKey)

	api := httpapi.New(cfg, sessions, metrics, store, dialer, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("variant", string(cfg.AIVariant)),
			zap.Int("agent_sample_rate", cfg.AISampleRate),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
	}

	runCancel()
	// Live calls hold hijacked connections that Shutdown does not track.
	sessions.CancelAll("shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	waitForCalls(shutdownCtx, sessions)

	logger.Info("shutdown complete")
	return nil
}

// waitForCalls gives cancelled calls until ctx ends to release.
func waitForCalls(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for sessions.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
