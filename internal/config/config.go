package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alecgard/mailgate/internal/secret"
)

// Gmail auth methods.
const (
	GmailServiceAccount = "service-account"
	GmailDelegated      = "delegated"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	Gmail      GmailConfig      `yaml:"gmail"`
	Auth0      Auth0Config      `yaml:"auth0"`
	SendGrid   SendGridConfig   `yaml:"sendgrid"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Store      StoreConfig      `yaml:"store"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	RequestLog RequestLogConfig `yaml:"request_log"`
	CORS       CORSConfig       `yaml:"cors"`
	Logging    LoggingConfig    `yaml:"logging"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestSize  int64         `yaml:"max_request_size"`
}

type AuthConfig struct {
	APISecret string `yaml:"api_secret"`
}

type GmailConfig struct {
	AuthMethod  string `yaml:"auth_method"` // service-account | delegated
	ClientEmail string `yaml:"client_email"`
	PrivateKey  string `yaml:"private_key"`
	UserEmail   string `yaml:"user_email"`
	Audience    string `yaml:"audience"`
	BaseURL     string `yaml:"base_url"`
	Pacing      Pacing `yaml:"pacing"`
}

type Auth0Config struct {
	Domain       string `yaml:"domain"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type SendGridConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	DefaultFrom string `yaml:"default_from"`
	Pacing      Pacing `yaml:"pacing"`
}

// Pacing limits outbound sends to a provider. Zero MaxRPS disables it.
type Pacing struct {
	MaxRPS float64 `yaml:"max_rps"`
	Burst  int     `yaml:"burst"`
}

type DispatchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	TokenTimeout time.Duration `yaml:"token_timeout"`
	TokenMargin  time.Duration `yaml:"token_margin"`
}

type StoreConfig struct {
	Driver   string `yaml:"driver"` // memory | sqlite | postgres
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	RedisURL string `yaml:"redis_url"`
}

type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Window          time.Duration `yaml:"window"`
	General         int           `yaml:"general"`
	Send            int           `yaml:"send"`
	Batch           int           `yaml:"batch"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type RequestLogConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// Retention purges older records periodically; zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // entries may be "*" or "*.example.com"
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

type EncryptionConfig struct {
	Key string `yaml:"key"` // hex-encoded 32 bytes; opens enc: values
}

func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		expanded := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestSize:  10 * 1024 * 1024,
		},
		Gmail: GmailConfig{
			AuthMethod: GmailServiceAccount,
			Audience:   "https://www.googleapis.com/auth/gmail.send",
		},
		Dispatch: DispatchConfig{
			Timeout:      15 * time.Second,
			TokenTimeout: 15 * time.Second,
			TokenMargin:  5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "data/mailgate.db",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Window:          time.Minute,
			General:         10,
			Send:            5,
			Batch:           3,
			JanitorInterval: 5 * time.Minute,
		},
		RequestLog: RequestLogConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173", "http://localhost:8080"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func expandEnvVars(s string) string {
	return os.ExpandEnv(s)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAILGATE_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := firstEnv("MAILGATE_PORT", "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := firstEnv("MAILGATE_API_SECRET", "API_SECRET"); v != "" {
		cfg.Auth.APISecret = v
	}

	if v := os.Getenv("GMAIL_AUTH_METHOD"); v != "" {
		cfg.Gmail.AuthMethod = v
	}
	if v := os.Getenv("GMAIL_CLIENT_EMAIL"); v != "" {
		cfg.Gmail.ClientEmail = v
	}
	if v := os.Getenv("GMAIL_PRIVATE_KEY"); v != "" {
		cfg.Gmail.PrivateKey = v
	}
	if v := os.Getenv("GMAIL_USER_EMAIL"); v != "" {
		cfg.Gmail.UserEmail = v
	}
	if v := firstEnv("GMAIL_AUDIENCE", "GMAIL_AUTH0_AUDIENCE"); v != "" {
		cfg.Gmail.Audience = v
	}
	if v := os.Getenv("AUTH0_DOMAIN"); v != "" {
		cfg.Auth0.Domain = v
	}
	if v := os.Getenv("AUTH0_CLIENT_ID"); v != "" {
		cfg.Auth0.ClientID = v
	}
	if v := os.Getenv("AUTH0_CLIENT_SECRET"); v != "" {
		cfg.Auth0.ClientSecret = v
	}
	if v := os.Getenv("SENDGRID_API_KEY"); v != "" {
		cfg.SendGrid.APIKey = v
	}

	if v := os.Getenv("MAILGATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := firstEnv("MAILGATE_DATABASE_URL", "DATABASE_URL"); v != "" {
		cfg.Store.URL = v
		if os.Getenv("MAILGATE_STORE_DRIVER") == "" {
			cfg.Store.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("MAILGATE_SQLITE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := firstEnv("MAILGATE_REDIS_URL", "REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		// Anything but an explicit "false" keeps limiting on.
		cfg.RateLimit.Enabled = v != "false"
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORS.AllowedOrigins = append(cfg.CORS.AllowedOrigins, o)
			}
		}
	}
	if v := os.Getenv("MAILGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MAILGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MAILGATE_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

// openSecrets replaces enc: values with their plaintext.
func (c *Config) openSecrets() error {
	sealer, err := secret.NewSealer(c.Encryption.Key)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	err = sealer.OpenAll(
		&c.Auth.APISecret,
		&c.Gmail.PrivateKey,
		&c.Auth0.ClientSecret,
		&c.SendGrid.APIKey,
		&c.Store.URL,
		&c.Store.RedisURL,
	)
	if err != nil {
		return fmt.Errorf("opening sealed config value: %w", err)
	}
	return nil
}

// Validate checks the settings serve needs. Provider credentials are not
// required; a provider without them reports itself as not configured.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read and write timeouts must be positive"))
	}
	if c.Server.MaxRequestSize <= 0 {
		errs = append(errs, errors.New("server.max_request_size must be positive"))
	}
	if c.Auth.APISecret == "" {
		errs = append(errs, errors.New("auth.api_secret (API_SECRET) is required"))
	}
	switch c.GmailAuthMethod() {
	case GmailServiceAccount, GmailDelegated:
	default:
		errs = append(errs, fmt.Errorf("gmail.auth_method must be %q or %q, got %q", GmailServiceAccount, GmailDelegated, c.Gmail.AuthMethod))
	}
	if c.Dispatch.Timeout <= 0 || c.Dispatch.TokenTimeout <= 0 {
		errs = append(errs, errors.New("dispatch timeouts must be positive"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.RateLimit.General < 1 || c.RateLimit.Send < 1 || c.RateLimit.Batch < 1 {
		errs = append(errs, errors.New("rate_limit class limits must be at least 1"))
	}
	if c.RequestLog.BatchSize < 1 {
		errs = append(errs, errors.New("request_log.batch_size must be at least 1"))
	}
	if c.RequestLog.FlushInterval <= 0 {
		errs = append(errs, errors.New("request_log.flush_interval must be positive"))
	}
	if c.RequestLog.Retention < 0 {
		errs = append(errs, errors.New("request_log.retention must not be negative"))
	}
	return errors.Join(errs...)
}

// GmailAuthMethod returns the normalized Gmail auth method. "auth0" is
// accepted as a synonym for delegated.
func (c *Config) GmailAuthMethod() string {
	m := strings.ToLower(strings.TrimSpace(c.Gmail.AuthMethod))
	switch m {
	case "", GmailServiceAccount:
		return GmailServiceAccount
	case "auth0", GmailDelegated:
		return GmailDelegated
	default:
		return m
	}
}

// SlogLevel parses Logging.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) MigrationsSource() string {
	return "file://migrations"
}

func (c *Config) DatabaseURLForMigrate() string {
	url := c.Store.URL
	if !strings.Contains(url, "sslmode=") {
		if strings.Contains(url, "?") {
			url += "&sslmode=disable"
		} else {
			url += "?sslmode=disable"
		}
	}
	return url
}
