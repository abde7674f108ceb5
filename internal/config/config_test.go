package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-payouts/internal/auth"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 168*time.Hour, cfg.Settlement.GracePeriod)
	assert.Equal(t, "KRW", cfg.Settlement.Currency)
	assert.Equal(t, PeriodWeekly, cfg.Settlement.Schedule.Period)
	assert.False(t, cfg.Settlement.Schedule.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)

	rates, err := cfg.FeeRates()
	require.NoError(t, err)
	assert.True(t, rates.Platform.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, rates.Processor.Equal(decimal.RequireFromString("0.035")))
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PAYOUTS_FEES_PLATFORM_RATE", "0.12")
	t.Setenv("PAYOUTS_SETTLEMENT_GRACE_PERIOD", "72h")
	t.Setenv("PAYOUTS_DATABASE_DRIVER", "postgres")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.12", cfg.Fees.PlatformRate)
	assert.Equal(t, 72*time.Hour, cfg.Settlement.GracePeriod)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "payouts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
settlement:
  currency: USD
  schedule:
    enabled: true
    interval: 30m
    period: monthly
auth:
  admin_api_key: ops
  admin_api_secret: ops-secret
  clients:
    - api_key: seller-key
      api_secret: seller-secret
      client_id: seller-1
      role: seller
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "USD", cfg.Settlement.Currency)
	assert.True(t, cfg.Settlement.Schedule.Enabled)
	assert.Equal(t, 30*time.Minute, cfg.Settlement.Schedule.Interval)
	assert.Equal(t, PeriodMonthly, cfg.Settlement.Schedule.Period)

	clients := cfg.APIClients()
	require.Len(t, clients, 2)
	assert.Equal(t, auth.RoleAdmin, clients[0].Role)
	assert.Equal(t, "seller-1", clients[1].ClientID)
	assert.Equal(t, auth.RoleSeller, clients[1].Role)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Port: "8080"},
			Database: DatabaseConfig{Driver: "sqlite"},
			Fees:     FeesConfig{PlatformRate: "0.10", ProcessorRate: "0.035"},
			Settlement: SettlementConfig{
				GracePeriod: time.Hour,
				Currency:    "KRW",
				Schedule:    ScheduleConfig{Period: PeriodWeekly},
			},
			Auth: AuthConfig{JWTSecret: "secret"},
		}
	}

	base := valid()
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"rate above one", func(c *Config) { c.Fees.PlatformRate = "1.5" }},
		{"rate not a number", func(c *Config) { c.Fees.ProcessorRate = "abc" }},
		{"negative grace", func(c *Config) { c.Settlement.GracePeriod = -time.Second }},
		{"currency", func(c *Config) { c.Settlement.Currency = "WON!" }},
		{"period", func(c *Config) { c.Settlement.Schedule.Period = "daily" }},
		{"interval", func(c *Config) {
			c.Settlement.Schedule.Enabled = true
			c.Settlement.Schedule.Interval = 0
		}},
		{"jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
