// Package config loads runtime configuration from the environment.  A .env
// file in the working directory is read first when present; real
// environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/iliyamo/gametable/internal/database"
)

// Config holds every setting of a server process.
type Config struct {
	Env  string `env:"APP_ENV" envDefault:"dev"`
	Port string `env:"APP_PORT" envDefault:"8080"`

	// LockNodes are the independent Redis nodes the quorum lock spans.
	LockNodes []string `env:"REDIS_LOCK_NODES" envSeparator:"," envDefault:"localhost:6379"`
	Redis     RedisConfig

	DBDriver       string `env:"DB_DRIVER" envDefault:"mysql"`
	DBUser         string `env:"DB_USER"`
	DBPass         string `env:"DB_PASS"`
	DBHost         string `env:"DB_HOST" envDefault:"localhost"`
	DBPort         string `env:"DB_PORT" envDefault:"3306"`
	DBName         string `env:"DB_NAME" envDefault:"gametable"`
	DBSQLitePath   string `env:"DB_SQLITE_PATH" envDefault:"gametable.db"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS"`

	JWTSecret string        `env:"JWT_SECRET"`
	AccessTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`

	// RabbitURL is empty when table updates are only logged.
	RabbitURL string `env:"RABBITMQ_URL"`

	StateIdleTTL     time.Duration `env:"STATE_IDLE_TTL" envDefault:"10m"`
	BroadcastTimeout time.Duration `env:"BROADCAST_TIMEOUT" envDefault:"2s"`

	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

// Load reads the optional .env file and parses the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return Parse()
}

// Parse parses the process environment without touching .env.
func Parse() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	cfg.LockNodes = compact(cfg.LockNodes)
	if len(cfg.LockNodes) == 0 {
		return Config{}, errors.New("config: REDIS_LOCK_NODES lists no nodes")
	}
	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch cfg.DBDriver {
	case database.DriverMySQL:
		if cfg.DBUser == "" {
			return Config{}, errors.New("config: DB_USER is required for mysql")
		}
	case database.DriverSQLite:
	default:
		return Config{}, fmt.Errorf("config: unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	cfg.RateLimit = cfg.RateLimit.Normalized()
	return cfg, nil
}

// Database returns the options for database.Open.
func (c Config) Database() database.Options {
	return database.Options{
		Driver:       c.DBDriver,
		User:         c.DBUser,
		Pass:         c.DBPass,
		Host:         c.DBHost,
		Port:         c.DBPort,
		Name:         c.DBName,
		SQLitePath:   c.DBSQLitePath,
		MaxOpenConns: c.DBMaxOpenConns,
	}
}

// RequireJWTSecret fails when no signing secret is configured.
func (c Config) RequireJWTSecret() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	return nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
