package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alecgard/mailgate/internal/api"
	"github.com/alecgard/mailgate/internal/auth"
	"github.com/alecgard/mailgate/internal/config"
	"github.com/alecgard/mailgate/internal/metrics"
	"github.com/alecgard/mailgate/internal/ratelimit"
	"github.com/alecgard/mailgate/internal/requestlog"
	"github.com/alecgard/mailgate/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Mailgate server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	st, err := openStore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer st.Close()

	gate, err := auth.NewGate(cfg.Auth.APISecret)
	if err != nil {
		return err
	}

	rl := requestlog.New(st, cfg.RequestLog.BatchSize, cfg.RequestLog.FlushInterval)
	rl.SetMetrics(m)
	go rl.Start(ctx)

	limits := newRateGate(cfg, st)
	go runJanitor(ctx, cfg, limits, st)

	router := api.NewRouter(api.RouterDeps{
		Dispatcher:     newDispatcher(cfg, m),
		Auth:           gate,
		RateGate:       limits,
		RequestLog:     rl,
		Store:          st,
		Metrics:        m,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxRequestSize: cfg.Server.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-sigCh:
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("server error", "error", err)
		rl.Stop()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	// In-flight requests have finished; write what they logged.
	rl.Stop()
	return err
}

// runJanitor periodically drops closed rate-limit windows and, when a
// retention is configured, old request log records.
func runJanitor(ctx context.Context, cfg *config.Config, limits *ratelimit.Gate, st store.Store) {
	interval := cfg.RateLimit.JanitorInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limits != nil {
				if n, err := limits.Purge(ctx); err != nil {
					slog.Warn("purging rate-limit windows", "error", err)
				} else if n > 0 {
					slog.Debug("purged rate-limit windows", "count", n)
				}
			}
			if cfg.RequestLog.Retention > 0 {
				cutoff := time.Now().UTC().Add(-cfg.RequestLog.Retention)
				if n, err := st.PurgeRecords(ctx, cutoff); err != nil {
					slog.Warn("purging request logs", "error", err)
				} else if n > 0 {
					slog.Info("purged request logs", "count", n, "before", cutoff)
				}
			}
		}
	}
}
