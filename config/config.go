/*
Package config loads process configuration for the points engine.

SOURCES (later wins):
  1. Built-in defaults (setDefaults)
  2. Optional config file (YAML or JSON), from --config or ./points.yaml
  3. Environment variables prefixed POINTS_, with "." replaced by "_"
     e.g. POINTS_DATABASE_DSN, POINTS_SERVER_PORT, POINTS_LOG_LEVEL

SECTIONS:
  server:    HTTP listener and CORS
  database:  driver (sqlite3 | pgx) and DSN
  log:       zap level and encoder
  ledger:    optimistic retry bound and per-unit timeout
  scheduler: cron spec for the daily sweep/maturity job
  defaults:  seed values for the admin settings records

  Admin-mutable settings (investment, allocation, withdrawal) live in the
  database once saved; the defaults section only seeds them.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/points-engine/investment"
	"github.com/warp/points-engine/points"
	"github.com/warp/points-engine/sponsorship"
	"github.com/warp/points-engine/withdrawal"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Log       LogConfig
	Ledger    LedgerConfig
	Scheduler SchedulerConfig
	Defaults  Defaults
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type LogConfig struct {
	Level       string
	Development bool
}

type LedgerConfig struct {
	MaxAttempts  int
	StoreTimeout time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	Spec        string
	Concurrency int
}

// Defaults seed the admin settings records on first start.
type Defaults struct {
	Investment investment.Settings
	Allocation sponsorship.Settings
	Withdrawal withdrawal.Settings
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("points")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/points")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "points.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("ledger.max_attempts", points.DefaultMaxAttempts)
	v.SetDefault("ledger.store_timeout", 10*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.spec", "0 3 * * *")
	v.SetDefault("scheduler.concurrency", investment.DefaultConcurrency)

	inv := investment.DefaultSettings()
	v.SetDefault("defaults.investment.auto_invest_enabled", inv.AutoInvestEnabled)
	v.SetDefault("defaults.investment.percentage", inv.InvestmentPercentage.String())
	v.SetDefault("defaults.investment.minimum_threshold", int64(inv.MinimumThreshold))
	v.SetDefault("defaults.investment.platform", inv.InvestmentPlatform)
	v.SetDefault("defaults.investment.type", inv.InvestmentType)
	v.SetDefault("defaults.investment.expected_return_rate", inv.ExpectedReturnRate.String())
	v.SetDefault("defaults.investment.processing_day", inv.ProcessingDay)
	v.SetDefault("defaults.investment.maturity_days", inv.MaturityDays)

	alloc := sponsorship.DefaultSettings()
	v.SetDefault("defaults.allocation.points_per_dollar", alloc.PointsPerDollar.String())
	v.SetDefault("defaults.allocation.management_fee_percentage", alloc.ManagementFeePercent.String())

	wd := withdrawal.DefaultSettings()
	v.SetDefault("defaults.withdrawal.conversion_rate", wd.ConversionRate.String())
	v.SetDefault("defaults.withdrawal.min_amount", int64(wd.MinAmount))
	v.SetDefault("defaults.withdrawal.max_amount", int64(wd.MaxAmount))
	v.SetDefault("defaults.withdrawal.fee_percentage", wd.FeePercent.String())
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			IdleTimeout:    v.GetDuration("server.idle_timeout"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Ledger: LedgerConfig{
			MaxAttempts:  v.GetInt("ledger.max_attempts"),
			StoreTimeout: v.GetDuration("ledger.store_timeout"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     v.GetBool("scheduler.enabled"),
			Spec:        v.GetString("scheduler.spec"),
			Concurrency: v.GetInt("scheduler.concurrency"),
		},
	}

	var err error
	dec := func(key string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		var d decimal.Decimal
		if d, err = decimal.NewFromString(v.GetString(key)); err != nil {
			err = fmt.Errorf("%s: %w", key, err)
		}
		return d
	}

	cfg.Defaults.Investment = investment.Settings{
		AutoInvestEnabled:    v.GetBool("defaults.investment.auto_invest_enabled"),
		InvestmentPercentage: dec("defaults.investment.percentage"),
		MinimumThreshold:     points.Points(v.GetInt64("defaults.investment.minimum_threshold")),
		InvestmentPlatform:   v.GetString("defaults.investment.platform"),
		InvestmentType:       v.GetString("defaults.investment.type"),
		ExpectedReturnRate:   dec("defaults.investment.expected_return_rate"),
		ProcessingDay:        v.GetInt("defaults.investment.processing_day"),
		MaturityDays:         v.GetInt("defaults.investment.maturity_days"),
	}
	cfg.Defaults.Allocation = sponsorship.Settings{
		PointsPerDollar:      dec("defaults.allocation.points_per_dollar"),
		ManagementFeePercent: dec("defaults.allocation.management_fee_percentage"),
	}
	cfg.Defaults.Withdrawal = withdrawal.Settings{
		ConversionRate: dec("defaults.withdrawal.conversion_rate"),
		MinAmount:      points.Points(v.GetInt64("defaults.withdrawal.min_amount")),
		MaxAmount:      points.Points(v.GetInt64("defaults.withdrawal.max_amount")),
		FeePercent:     dec("defaults.withdrawal.fee_percentage"),
	}
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or pgx, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Ledger.MaxAttempts <= 0 {
		return errors.New("ledger.max_attempts must be positive")
	}
	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.Spec); err != nil {
			return fmt.Errorf("scheduler.spec: %w", err)
		}
	}
	if err := c.Defaults.Investment.Validate(); err != nil {
		return fmt.Errorf("defaults.investment: %w", err)
	}
	if err := c.Defaults.Allocation.Validate(); err != nil {
		return fmt.Errorf("defaults.allocation: %w", err)
	}
	if err := c.Defaults.Withdrawal.Validate(); err != nil {
		return fmt.Errorf("defaults.withdrawal: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
