// Package config defines the top-level configuration for the billswap engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/pipeline"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BILLSWAP_* environment variables.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Engine   EngineConfig   `toml:"engine"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StorageConfig selects the store backend.
type StorageConfig struct {
	// Backend is "postgres" or "memory". The memory backend loses all state
	// on restart and is meant for local development.
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Without Redis the engine
// runs single-replica: no sweeper leader lock, no cross-replica events, no
// rate limiting and no trust cache.
type RedisConfig struct {
	Enabled       bool     `toml:"enabled"`
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	TrustCacheTTL duration `toml:"trust_cache_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the swap
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EngineConfig holds the matching and lifecycle parameters.
type EngineConfig struct {
	AmountTolerance       float64  `toml:"amount_tolerance"`
	TopN                  int      `toml:"top_n"`
	WeightComplementarity float64  `toml:"weight_complementarity"`
	WeightAmount          float64  `toml:"weight_amount"`
	WeightRating          float64  `toml:"weight_rating"`
	ProposalTTL           duration `toml:"proposal_ttl"`
	AcceptanceTTL         duration `toml:"acceptance_ttl"`
	// AcceptancePolicy is "mutual" or "either".
	AcceptancePolicy         string   `toml:"acceptance_policy"`
	ProposerAutoAccept       bool     `toml:"proposer_auto_accept"`
	SwappableCategories      []string `toml:"swappable_categories"`
	DisputeCreditRatio       float64  `toml:"dispute_credit_ratio"`
	CancelRatingPenalty      float64  `toml:"cancel_rating_penalty"`
	LateDeclineRatingPenalty float64  `toml:"late_decline_rating_penalty"`
	CandidatePoolLimit       int      `toml:"candidate_pool_limit"`
}

// SweeperConfig holds expiry sweeper parameters.
type SweeperConfig struct {
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
	LockTTL   duration `toml:"lock_ttl"`
}

// ArchiveConfig holds terminal swap archival parameters. Archival needs S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
	BatchSize     int    `toml:"batch_size"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// AuthConfig holds bearer token verification parameters. An empty JWTSecret
// switches the API to trusting the X-User-ID header.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	Issuer    string `toml:"issuer"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Storage: StorageConfig{Backend: "postgres"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "billswap",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:       false,
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			TrustCacheTTL: duration{5 * time.Minute},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "billswap-archive",
			ForcePathStyle: true,
		},
		Engine: EngineConfig{
			AmountTolerance:       0.25,
			TopN:                  20,
			WeightComplementarity: 0.5,
			WeightAmount:          0.3,
			WeightRating:          0.2,
			ProposalTTL:           duration{48 * time.Hour},
			AcceptanceTTL:         duration{24 * time.Hour},
			AcceptancePolicy:      "mutual",
			ProposerAutoAccept:    true,
			SwappableCategories:   nil,
			DisputeCreditRatio:    0.5,
			CancelRatingPenalty:   0.25,
			CandidatePoolLimit:    500,
		},
		Sweeper: SweeperConfig{
			Interval:  duration{time.Minute},
			BatchSize: 100,
			LockTTL:   duration{30 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 30,
			Cron:          "0 4 * * *",
			BatchSize:     500,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8080,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 120,
		},
		Auth:     AuthConfig{Issuer: "billix"},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"sweeper": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Storage
	switch strings.ToLower(c.Storage.Backend) {
	case "memory":
		if c.Mode == "sweeper" {
			errs = append(errs, "storage: sweeper mode needs a shared backend, memory is process-local")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: postgres, memory)", c.Storage.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.TrustCacheTTL.Duration < 0 {
			errs = append(errs, "redis: trust_cache_ttl must not be negative")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Engine
	e := c.Engine
	if e.AmountTolerance <= 0 {
		errs = append(errs, "engine: amount_tolerance must be > 0")
	}
	if e.TopN < 1 {
		errs = append(errs, "engine: top_n must be >= 1")
	}
	if e.WeightComplementarity < 0 || e.WeightAmount < 0 || e.WeightRating < 0 {
		errs = append(errs, "engine: weights must not be negative")
	}
	if e.WeightComplementarity+e.WeightAmount+e.WeightRating <= 0 {
		errs = append(errs, "engine: at least one weight must be > 0")
	}
	if e.ProposalTTL.Duration <= 0 {
		errs = append(errs, "engine: proposal_ttl must be > 0")
	}
	if e.AcceptanceTTL.Duration <= 0 {
		errs = append(errs, "engine: acceptance_ttl must be > 0")
	}
	if p := strings.ToLower(e.AcceptancePolicy); p != "mutual" && p != "either" {
		errs = append(errs, fmt.Sprintf("engine: unknown acceptance_policy %q (valid: mutual, either)", e.AcceptancePolicy))
	}
	for _, s := range e.SwappableCategories {
		if _, err := domain.ParseCategory(s); err != nil {
			errs = append(errs, fmt.Sprintf("engine: swappable_categories: unknown category %q", s))
		}
	}
	if e.DisputeCreditRatio < 0 || e.DisputeCreditRatio > 1 {
		errs = append(errs, "engine: dispute_credit_ratio must be in [0,1]")
	}
	if e.CancelRatingPenalty < 0 || e.LateDeclineRatingPenalty < 0 {
		errs = append(errs, "engine: rating penalties must not be negative")
	}
	if e.CandidatePoolLimit < 0 {
		errs = append(errs, "engine: candidate_pool_limit must be >= 0")
	}

	// Sweeper
	if c.Sweeper.Interval.Duration <= 0 {
		errs = append(errs, "sweeper: interval must be > 0")
	}
	if c.Sweeper.BatchSize < 1 {
		errs = append(errs, "sweeper: batch_size must be >= 1")
	}
	if c.Redis.Enabled && c.Sweeper.LockTTL.Duration <= 0 {
		errs = append(errs, "sweeper: lock_ttl must be > 0")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if err := pipeline.ValidateCron(c.Archive.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("archive: cron: %v", err))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}
	if c.Mode != "sweeper" && !c.Server.Enabled {
		errs = append(errs, "server: must be enabled for mode "+c.Mode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Categories returns the parsed swappable category policy. Call after
// Validate.
func (e EngineConfig) Categories() []domain.Category {
	out := make([]domain.Category, 0, len(e.SwappableCategories))
	for _, s := range e.SwappableCategories {
		if c, err := domain.ParseCategory(s); err == nil {
			out = append(out, c)
		}
	}
	return out
}
