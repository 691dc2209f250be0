/*
config.go - Server configuration

PURPOSE:
  One Config value built from, in increasing precedence:
    1. defaults
    2. YAML file (optional)
    3. .env file, loaded into the environment if present
    4. FUEL_* environment variables
  cmd/server applies command-line flags on top.

EXAMPLE (fuel.yaml):
  http:
    addr: ":8080"
    trust_proxy: false  # true only behind a proxy that sets X-Forwarded-For
    dev_routes: false   # demo scenarios; load/reset delete all history
  database:
    driver: sqlite
    dsn: fuel.db
  ledger:
    negative_balance: clamp
  pricing:
    strict_overlap: false
  redis:
    addr: ""          # empty: in-process locking
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape (YAML).
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// TrustProxy reads the client IP from proxy headers (rate limiting).
	TrustProxy bool `yaml:"trust_proxy"`
	// DevRoutes mounts the demo scenario routes, which wipe the database.
	DevRoutes bool `yaml:"dev_routes"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables the distributed pair lock when Addr is set.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
	RetryEvery time.Duration `yaml:"retry_every"`
}

type LedgerConfig struct {
	NegativeBalance string        `yaml:"negative_balance"` // clamp | reject | allow
	Retries         int           `yaml:"retries"`
	ReconcileEvery  time.Duration `yaml:"reconcile_every"` // 0 disables the background check
}

type PricingConfig struct {
	StrictOverlap bool `yaml:"strict_overlap"`
}

// AuthConfig enables bearer auth when Secret is set.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"` // 0 disables
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | text
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "fuel.db"},
		Redis:    RedisConfig{LockTTL: 10 * time.Second, RetryEvery: 50 * time.Millisecond},
		Ledger:   LedgerConfig{NegativeBalance: "clamp", Retries: 3, ReconcileEvery: time.Hour},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects unknown enum values and nonsensical limits.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	switch c.Ledger.NegativeBalance {
	case "", "clamp", "reject", "allow":
	default:
		errs = append(errs, fmt.Errorf("ledger.negative_balance: unknown policy %q", c.Ledger.NegativeBalance))
	}
	if c.Ledger.Retries < 0 {
		errs = append(errs, errors.New("ledger.retries must not be negative"))
	}
	if c.Ledger.ReconcileEvery < 0 {
		errs = append(errs, errors.New("ledger.reconcile_every must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		errs = append(errs, errors.New("redis.lock_ttl must be positive"))
	}
	return errors.Join(errs...)
}

// applyEnv overlays FUEL_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("FUEL_HTTP_ADDR", &c.HTTP.Addr)
	dur("FUEL_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	if v, ok := lookup("FUEL_HTTP_ALLOWED_ORIGINS"); ok {
		c.HTTP.AllowedOrigins = strings.Split(v, ",")
	}
	str("FUEL_DB_DRIVER", &c.Database.Driver)
	str("FUEL_DB_DSN", &c.Database.DSN)
	str("FUEL_REDIS_ADDR", &c.Redis.Addr)
	str("FUEL_REDIS_PASSWORD", &c.Redis.Password)
	integer("FUEL_REDIS_DB", &c.Redis.DB)
	dur("FUEL_REDIS_LOCK_TTL", &c.Redis.LockTTL)
	str("FUEL_NEGATIVE_BALANCE", &c.Ledger.NegativeBalance)
	integer("FUEL_LEDGER_RETRIES", &c.Ledger.Retries)
	dur("FUEL_RECONCILE_EVERY", &c.Ledger.ReconcileEvery)
	boolean("FUEL_HTTP_TRUST_PROXY", &c.HTTP.TrustProxy)
	boolean("FUEL_HTTP_DEV_ROUTES", &c.HTTP.DevRoutes)
	boolean("FUEL_STRICT_OVERLAP", &c.Pricing.StrictOverlap)
	str("FUEL_JWT_SECRET", &c.Auth.Secret)
	str("FUEL_JWT_ISSUER", &c.Auth.Issuer)
	if v, ok := lookup("FUEL_RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FUEL_RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	integer("FUEL_RATE_LIMIT_BURST", &c.RateLimit.Burst)
	str("FUEL_LOG_LEVEL", &c.Log.Level)
	str("FUEL_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}
