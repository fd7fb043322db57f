package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/mailgate/internal/config"
	"github.com/alecgard/mailgate/internal/dispatch"
	"github.com/alecgard/mailgate/internal/mail"
	"github.com/alecgard/mailgate/internal/metrics"
	"github.com/alecgard/mailgate/internal/ratelimit"
	"github.com/alecgard/mailgate/internal/store"
	"github.com/alecgard/mailgate/internal/token"
)

const (
	msgGmailUnconfigured    = "Gmail service not configured. Set GMAIL_CLIENT_EMAIL and GMAIL_PRIVATE_KEY"
	msgDelegatedIncomplete  = "Auth0 configuration incomplete. Check AUTH0_DOMAIN, AUTH0_CLIENT_ID, AUTH0_CLIENT_SECRET"
	msgSendGridUnconfigured = "SendGrid service not configured"
)

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the slog default handler described by cfg.
func setupLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler
	if cfg.Logging.Format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openStore connects the configured backend. When a Redis URL is set the
// rate-limit windows move to Redis and everything else stays put. m may be
// nil.
func openStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (store.Store, error) {
	var st store.Store

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		if m != nil {
			m.RegisterStorePool(config.DriverPostgres, func() metrics.PoolStats {
				s := pool.Stat()
				return metrics.PoolStats{
					Open:  int(s.TotalConns()),
					Idle:  int(s.IdleConns()),
					InUse: int(s.AcquiredConns()),
					Waits: s.EmptyAcquireCount(),
				}
			})
		}
		st = store.NewPostgres(pool)
	case config.DriverSQLite:
		db, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		if m != nil {
			m.RegisterStorePool(config.DriverSQLite, func() metrics.PoolStats {
				s := db.DB().Stats()
				return metrics.PoolStats{Open: s.OpenConnections, Idle: s.Idle, InUse: s.InUse, Waits: s.WaitCount}
			})
		}
		st = db
	case config.DriverMemory:
		st = store.NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	slog.Info("store opened", "driver", cfg.Store.Driver)

	if cfg.Store.RedisURL != "" {
		windows, err := store.OpenRedisWindows(ctx, cfg.Store.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st = store.WithWindows(st, windows)
		slog.Info("rate-limit windows stored in redis")
	}
	return st, nil
}

// newRateGate returns nil when rate limiting is disabled.
func newRateGate(cfg *config.Config, windows store.WindowStore) *ratelimit.Gate {
	if !cfg.RateLimit.Enabled {
		slog.Warn("rate limiting disabled")
		return nil
	}
	w := cfg.RateLimit.Window
	return ratelimit.New(windows, map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassGeneral: {Limit: cfg.RateLimit.General, Window: w},
		ratelimit.ClassSend:    {Limit: cfg.RateLimit.Send, Window: w},
		ratelimit.ClassBatch:   {Limit: cfg.RateLimit.Batch, Window: w},
	})
}

// newDispatcher registers both providers. A provider without credentials is
// registered as unconfigured so requests for it fail with a clear message.
func newDispatcher(cfg *config.Config, m *metrics.Metrics) *dispatch.Dispatcher {
	tokenOpts := []token.Option{
		token.WithMargin(cfg.Dispatch.TokenMargin),
		token.WithTimeout(cfg.Dispatch.TokenTimeout),
	}
	if m != nil {
		tokenOpts = append(tokenOpts, token.WithRefreshHook(m.ObserveTokenRefresh))
	}

	d := dispatch.New(cfg.Dispatch.Timeout,
		gmailProvider(cfg, tokenOpts),
		sendGridProvider(cfg),
	)
	if m != nil {
		d.SetMetrics(m)
	}
	for _, p := range mail.Providers {
		slog.Info("provider registered", "provider", p, "configured", d.Configured(p))
	}
	return d
}

func gmailProvider(cfg *config.Config, tokenOpts []token.Option) dispatch.Provider {
	var (
		src    token.Source
		err    error
		gcfg   = dispatch.GmailConfig{BaseURL: cfg.Gmail.BaseURL}
		source string
	)

	switch cfg.GmailAuthMethod() {
	case config.GmailDelegated:
		d := token.Delegated{
			Domain:       cfg.Auth0.Domain,
			ClientID:     cfg.Auth0.ClientID,
			ClientSecret: cfg.Auth0.ClientSecret,
			Audience:     cfg.Gmail.Audience,
		}
		if !d.Configured() {
			return dispatch.Unconfigured(mail.ProviderGmail, msgDelegatedIncomplete)
		}
		src, err = token.NewDelegatedSource(d)
		gcfg.UserEmail = cfg.Gmail.UserEmail
		gcfg.Delegated = true
		source = "gmail-delegated"
	default:
		sa := token.ServiceAccount{
			ClientEmail: cfg.Gmail.ClientEmail,
			PrivateKey:  cfg.Gmail.PrivateKey,
		}
		if !sa.Configured() {
			return dispatch.Unconfigured(mail.ProviderGmail, msgGmailUnconfigured)
		}
		gcfg.UserEmail = sa.ClientEmail
		if cfg.Gmail.UserEmail != "" {
			// Domain-wide delegation: act as the configured mailbox.
			sa.Subject = cfg.Gmail.UserEmail
			gcfg.UserEmail = cfg.Gmail.UserEmail
		}
		src, err = token.NewServiceAccountSource(sa)
		source = "gmail-service-account"
	}
	if err != nil {
		slog.Error("gmail token source", "error", err)
		return dispatch.Unconfigured(mail.ProviderGmail, err.Error())
	}

	tokens := token.NewManager(source, src, tokenOpts...)
	gmail := dispatch.NewGmail(tokens, gcfg)
	return dispatch.NewPaced(gmail, cfg.Gmail.Pacing.MaxRPS, cfg.Gmail.Pacing.Burst)
}

func sendGridProvider(cfg *config.Config) dispatch.Provider {
	if cfg.SendGrid.APIKey == "" {
		return dispatch.Unconfigured(mail.ProviderSendGrid, msgSendGridUnconfigured)
	}
	sg := dispatch.NewSendGrid(dispatch.SendGridConfig{
		APIKey:      cfg.SendGrid.APIKey,
		BaseURL:     cfg.SendGrid.BaseURL,
		DefaultFrom: cfg.SendGrid.DefaultFrom,
	})
	return dispatch.NewPaced(sg, cfg.SendGrid.Pacing.MaxRPS, cfg.SendGrid.Pacing.Burst)
}
