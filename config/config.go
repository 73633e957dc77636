// Package config loads the server configuration from a TOML file, an
// optional .env file and LEDGER_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/lock"
	"github.com/warp/credit-ledger/logger"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Lock     LockConfig     `toml:"lock"`
	Log      logger.Config  `toml:"log"`
}

type ServerConfig struct {
	Addr         string        `toml:"addr"`
	CORSOrigins  []string      `toml:"cors_origins"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `toml:"path"` // SQLite file, or ":memory:"
}

type LedgerConfig struct {
	MaxAmount                string `toml:"max_amount"`
	HistoryWindowDays        int    `toml:"history_window_days"` // 0 = unbounded
	ExpenseHistoryWindowDays int    `toml:"expense_history_window_days"`
	MaxBatchSize             int    `toml:"max_batch_size"`
}

type LockConfig struct {
	Backend string           `toml:"backend"` // local or redis
	Redis   lock.RedisConfig `toml:"redis"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	v := ledger.DefaultValidatorConfig()
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			CORSOrigins:  []string{"*"},
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "./data/ledger.db"},
		Ledger: LedgerConfig{
			MaxAmount:                v.MaxAmount.StringFixed(2),
			HistoryWindowDays:        v.HistoryWindowDays,
			ExpenseHistoryWindowDays: v.ExpenseHistoryWindowDays,
			MaxBatchSize:             ledger.DefaultMaxBatchSize,
		},
		Lock: LockConfig{Backend: "local", Redis: lock.DefaultRedisConfig()},
		Log:  logger.DefaultConfig(),
	}
}

// Load reads path (optional) on top of Default, then applies .env and
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("LEDGER_ADDR", &c.Server.Addr)
	str("LEDGER_DB_PATH", &c.Database.Path)
	str("LEDGER_MAX_AMOUNT", &c.Ledger.MaxAmount)
	str("LEDGER_LOCK_BACKEND", &c.Lock.Backend)
	str("LEDGER_REDIS_ADDR", &c.Lock.Redis.Addr)
	str("LEDGER_REDIS_PASSWORD", &c.Lock.Redis.Password)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)
	str("LEDGER_LOG_FORMAT", &c.Log.Format)
	if v := getenv("LEDGER_CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	for key, dst := range map[string]*int{
		"LEDGER_HISTORY_WINDOW_DAYS":         &c.Ledger.HistoryWindowDays,
		"LEDGER_EXPENSE_HISTORY_WINDOW_DAYS": &c.Ledger.ExpenseHistoryWindowDays,
		"LEDGER_MAX_BATCH_SIZE":              &c.Ledger.MaxBatchSize,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if _, err := decimal.NewFromString(c.Ledger.MaxAmount); err != nil {
		return fmt.Errorf("ledger.max_amount %q: %w", c.Ledger.MaxAmount, err)
	}
	if c.Ledger.MaxBatchSize <= 0 {
		return fmt.Errorf("ledger.max_batch_size must be positive, got %d", c.Ledger.MaxBatchSize)
	}
	if c.Ledger.HistoryWindowDays < 0 || c.Ledger.ExpenseHistoryWindowDays < 0 {
		return errors.New("ledger history windows must not be negative")
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("lock.backend must be local or redis, got %q", c.Lock.Backend)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	return nil
}

// ValidatorConfig converts the ledger section for ledger.NewEngine.
func (c Config) ValidatorConfig() ledger.ValidatorConfig {
	v := ledger.DefaultValidatorConfig()
	v.MaxAmount = decimal.RequireFromString(c.Ledger.MaxAmount)
	v.HistoryWindowDays = c.Ledger.HistoryWindowDays
	v.ExpenseHistoryWindowDays = c.Ledger.ExpenseHistoryWindowDays
	return v
}
