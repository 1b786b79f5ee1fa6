package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BILLSWAP_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BILLSWAP_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Backend, "BILLSWAP_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform convention
	setStr(&cfg.Postgres.DSN, "BILLSWAP_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BILLSWAP_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BILLSWAP_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BILLSWAP_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BILLSWAP_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BILLSWAP_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BILLSWAP_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BILLSWAP_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BILLSWAP_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BILLSWAP_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BILLSWAP_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BILLSWAP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BILLSWAP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BILLSWAP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BILLSWAP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BILLSWAP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BILLSWAP_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.TrustCacheTTL, "BILLSWAP_REDIS_TRUST_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BILLSWAP_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BILLSWAP_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BILLSWAP_S3_REGION")
	setStr(&cfg.S3.Bucket, "BILLSWAP_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BILLSWAP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BILLSWAP_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BILLSWAP_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BILLSWAP_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setFloat64(&cfg.Engine.AmountTolerance, "BILLSWAP_ENGINE_AMOUNT_TOLERANCE")
	setInt(&cfg.Engine.TopN, "BILLSWAP_ENGINE_TOP_N")
	setFloat64(&cfg.Engine.WeightComplementarity, "BILLSWAP_ENGINE_WEIGHT_COMPLEMENTARITY")
	setFloat64(&cfg.Engine.WeightAmount, "BILLSWAP_ENGINE_WEIGHT_AMOUNT")
	setFloat64(&cfg.Engine.WeightRating, "BILLSWAP_ENGINE_WEIGHT_RATING")
	setDuration(&cfg.Engine.ProposalTTL, "BILLSWAP_ENGINE_PROPOSAL_TTL")
	setDuration(&cfg.Engine.AcceptanceTTL, "BILLSWAP_ENGINE_ACCEPTANCE_TTL")
	setStr(&cfg.Engine.AcceptancePolicy, "BILLSWAP_ENGINE_ACCEPTANCE_POLICY")
	setBool(&cfg.Engine.ProposerAutoAccept, "BILLSWAP_ENGINE_PROPOSER_AUTO_ACCEPT")
	setStringSlice(&cfg.Engine.SwappableCategories, "BILLSWAP_ENGINE_SWAPPABLE_CATEGORIES")
	setFloat64(&cfg.Engine.DisputeCreditRatio, "BILLSWAP_ENGINE_DISPUTE_CREDIT_RATIO")
	setFloat64(&cfg.Engine.CancelRatingPenalty, "BILLSWAP_ENGINE_CANCEL_RATING_PENALTY")
	setFloat64(&cfg.Engine.LateDeclineRatingPenalty, "BILLSWAP_ENGINE_LATE_DECLINE_RATING_PENALTY")
	setInt(&cfg.Engine.CandidatePoolLimit, "BILLSWAP_ENGINE_CANDIDATE_POOL_LIMIT")

	// ── Sweeper ──
	setDuration(&cfg.Sweeper.Interval, "BILLSWAP_SWEEPER_INTERVAL")
	setInt(&cfg.Sweeper.BatchSize, "BILLSWAP_SWEEPER_BATCH_SIZE")
	setDuration(&cfg.Sweeper.LockTTL, "BILLSWAP_SWEEPER_LOCK_TTL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BILLSWAP_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BILLSWAP_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "BILLSWAP_ARCHIVE_CRON")
	setInt(&cfg.Archive.BatchSize, "BILLSWAP_ARCHIVE_BATCH_SIZE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BILLSWAP_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BILLSWAP_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BILLSWAP_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMinute, "BILLSWAP_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "BILLSWAP_AUTH_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "BILLSWAP_AUTH_ISSUER")

	// ── Top-level ──
	setStr(&cfg.Mode, "BILLSWAP_MODE")
	setStr(&cfg.LogLevel, "BILLSWAP_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
