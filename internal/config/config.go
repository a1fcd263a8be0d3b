package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kea-semester-1/best-bank-as/internal/federation"
)

const (
	defaultAppName        = "BestBank"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultQueueKey       = "tasks:federation"
	defaultTokenTTL       = time.Hour
)

// Config captures application runtime configuration loaded from the
// environment and an optional YAML file.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	DBMaxConns     int32
	RedisURL       string
	RedisPoolSize  int
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	Bank       BankConfig
	Federation FederationConfig
	Auth       AuthConfig
	Queue      QueueConfig
	Peers      []PeerConfig
}

// BankConfig identifies this bank to its peers.
type BankConfig struct {
	RegistrationNumber string
	Name               string
}

// FederationConfig tunes the outbound leg of inter-bank transfers.
type FederationConfig struct {
	Username          string
	Password          string
	HTTPTimeout       time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	ReconcileAfter    time.Duration // zero disables the reconciliation sweep
	ReconcileInterval time.Duration
	Workers           int
	InlineWorker      bool
}

// AuthConfig holds the bearer token settings for peer-facing routes.
type AuthConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
}

// QueueConfig selects the background task queue.
type QueueConfig struct {
	Backend string // "redis" or "memory"
	Key     string
}

// PeerConfig is one entry of the peer bank directory, seeded by the
// provision command.
type PeerConfig struct {
	RegistrationNumber string `mapstructure:"registration_number"`
	Name               string `mapstructure:"name"`
	BranchName         string `mapstructure:"branch_name"`
	BaseURL            string `mapstructure:"base_url"`
	AuthScheme         string `mapstructure:"auth_scheme"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", defaultAppName)
	v.SetDefault("app.env", defaultAppEnv)
	v.SetDefault("port", defaultPort)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.pool_size", 0)
	v.SetDefault("shutdown.timeout", defaultShutdownDelay)
	v.SetDefault("idempotency.ttl", defaultIdempotencyTTL)

	v.SetDefault("bank.registration_number", "")
	v.SetDefault("bank.name", defaultAppName)

	v.SetDefault("federation.username", "")
	v.SetDefault("federation.password", "")
	v.SetDefault("federation.http_timeout", 10*time.Second)
	v.SetDefault("federation.max_attempts", 5)
	v.SetDefault("federation.initial_backoff", 500*time.Millisecond)
	v.SetDefault("federation.reconcile_after", time.Duration(0))
	v.SetDefault("federation.reconcile_interval", time.Minute)
	v.SetDefault("federation.workers", 2)
	v.SetDefault("federation.inline_worker", true)

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_ttl", defaultTokenTTL)

	v.SetDefault("queue.backend", "")
	v.SetDefault("queue.key", defaultQueueKey)
}

// Load reads configuration. Environment variables override the file: the key
// federation.http_timeout is read from FEDERATION_HTTP_TIMEOUT. An empty path
// skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		AppName:        v.GetString("app.name"),
		AppEnv:         v.GetString("app.env"),
		Port:           v.GetString("port"),
		LogLevel:       strings.ToLower(v.GetString("log.level")),
		LogFormat:      strings.ToLower(v.GetString("log.format")),
		DatabaseURL:    v.GetString("database.url"),
		DBMaxConns:     v.GetInt32("database.max_conns"),
		RedisURL:       v.GetString("redis.url"),
		RedisPoolSize:  v.GetInt("redis.pool_size"),
		ShutdownPeriod: v.GetDuration("shutdown.timeout"),
		IdempotencyTTL: v.GetDuration("idempotency.ttl"),
		Bank: BankConfig{
			RegistrationNumber: v.GetString("bank.registration_number"),
			Name:               v.GetString("bank.name"),
		},
		Federation: FederationConfig{
			Username:          v.GetString("federation.username"),
			Password:          v.GetString("federation.password"),
			HTTPTimeout:       v.GetDuration("federation.http_timeout"),
			MaxAttempts:       v.GetInt("federation.max_attempts"),
			InitialBackoff:    v.GetDuration("federation.initial_backoff"),
			ReconcileAfter:    v.GetDuration("federation.reconcile_after"),
			ReconcileInterval: v.GetDuration("federation.reconcile_interval"),
			Workers:           v.GetInt("federation.workers"),
			InlineWorker:      v.GetBool("federation.inline_worker"),
		},
		Auth: AuthConfig{
			TokenSecret: v.GetString("auth.token_secret"),
			TokenTTL:    v.GetDuration("auth.token_ttl"),
		},
		Queue: QueueConfig{
			Backend: strings.ToLower(v.GetString("queue.backend")),
			Key:     v.GetString("queue.key"),
		},
	}
	if err := v.UnmarshalKey("peers", &cfg.Peers); err != nil {
		return Config{}, fmt.Errorf("invalid peers: %w", err)
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
		if cfg.RedisURL != "" {
			cfg.Queue.Backend = "redis"
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	if !c.Development() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set"))
		}
		if c.Auth.TokenSecret == "" {
			errs = append(errs, errors.New("AUTH_TOKEN_SECRET must be set"))
		}
	}
	if reg := c.Bank.RegistrationNumber; reg != "" && len(reg) != 4 {
		errs = append(errs, fmt.Errorf("BANK_REGISTRATION_NUMBER must be 4 characters, got %q", reg))
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, errors.New("QUEUE_BACKEND=redis requires REDIS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.Queue.Backend))
	}
	if c.Federation.MaxAttempts < 1 {
		errs = append(errs, errors.New("FEDERATION_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Federation.Workers < 1 {
		errs = append(errs, errors.New("FEDERATION_WORKERS must be at least 1"))
	}
	// The sweep must not reverse a leg a worker may still be pushing.
	f := c.Federation
	if lease := federation.SettleLease(f.MaxAttempts, f.HTTPTimeout, f.InitialBackoff); f.ReconcileAfter > 0 && f.ReconcileAfter < lease {
		errs = append(errs, fmt.Errorf("FEDERATION_RECONCILE_AFTER must be 0 or at least %s, the settlement retry window", lease))
	}
	for i, p := range c.Peers {
		if len(p.RegistrationNumber) != 4 || p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: registration_number (4 chars) and base_url are required", i))
		}
	}
	return errors.Join(errs...)
}

// Development reports whether the app runs with development defaults: an
// in-memory ledger when DATABASE_URL is empty and a fixed token secret.
func (c Config) Development() bool {
	return c.AppEnv == "development"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
