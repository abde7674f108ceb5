// Package config loads service configuration from an optional YAML file and
// PAYOUTS_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ksred/klear-payouts/internal/auth"
	"github.com/ksred/klear-payouts/internal/fee"
)

const (
	EnvPrefix = "PAYOUTS"

	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

type Config struct {
	Env        string           `mapstructure:"env"`
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// FeesConfig holds rates as decimal strings so "0.035" stays exact.
type FeesConfig struct {
	PlatformRate  string `mapstructure:"platform_rate"`
	ProcessorRate string `mapstructure:"processor_rate"`
}

type SettlementConfig struct {
	GracePeriod time.Duration  `mapstructure:"grace_period"`
	Currency    string         `mapstructure:"currency"`
	Schedule    ScheduleConfig `mapstructure:"schedule"`
}

type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Period   string        `mapstructure:"period"`
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	AdminAPIKey    string        `mapstructure:"admin_api_key"`
	AdminAPISecret string        `mapstructure:"admin_api_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	Clients        []auth.Client `mapstructure:"clients"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "payouts.db")
	v.SetDefault("fees.platform_rate", "0.10")
	v.SetDefault("fees.processor_rate", "0.035")
	v.SetDefault("settlement.grace_period", "168h")
	v.SetDefault("settlement.currency", "KRW")
	v.SetDefault("settlement.schedule.enabled", false)
	v.SetDefault("settlement.schedule.interval", "1h")
	v.SetDefault("settlement.schedule.period", PeriodWeekly)
	v.SetDefault("auth.jwt_secret", "payouts-secret-key")
	v.SetDefault("auth.admin_api_key", "")
	v.SetDefault("auth.admin_api_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
}

// Load reads configuration. path may be empty, in which case config.yaml is
// looked up in the working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service can not run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if _, err := c.FeeRates(); err != nil {
		return err
	}
	if c.Settlement.GracePeriod < 0 {
		return fmt.Errorf("settlement.grace_period must not be negative, got %s", c.Settlement.GracePeriod)
	}
	if len(c.Settlement.Currency) != 3 {
		return fmt.Errorf("settlement.currency must be a 3 letter code, got %q", c.Settlement.Currency)
	}
	switch c.Settlement.Schedule.Period {
	case PeriodWeekly, PeriodMonthly:
	default:
		return fmt.Errorf("settlement.schedule.period must be weekly or monthly, got %q", c.Settlement.Schedule.Period)
	}
	if c.Settlement.Schedule.Enabled && c.Settlement.Schedule.Interval <= 0 {
		return errors.New("settlement.schedule.interval must be positive when the schedule is enabled")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	return nil
}

// FeeRates parses the configured rates.
func (c *Config) FeeRates() (fee.Rates, error) {
	rates, err := fee.ParseRates(c.Fees.PlatformRate, c.Fees.ProcessorRate)
	if err != nil {
		return fee.Rates{}, fmt.Errorf("invalid fees config: %w", err)
	}
	return rates, nil
}

// IsProduction reports whether env is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// APIClients returns every client to register with the auth service,
// including the admin key pair when it is set.
func (c *Config) APIClients() []auth.Client {
	clients := make([]auth.Client, 0, len(c.Auth.Clients)+1)
	if c.Auth.AdminAPIKey != "" && c.Auth.AdminAPISecret != "" {
		clients = append(clients, auth.Client{
			APIKey:    c.Auth.AdminAPIKey,
			APISecret: c.Auth.AdminAPISecret,
			ClientID:  "admin",
			Role:      auth.RoleAdmin,
		})
	}
	return append(clients, c.Auth.Clients...)
}
