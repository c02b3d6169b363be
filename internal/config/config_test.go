package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setRequired sets the minimum environment for a valid configuration.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("HERALD_OPENROUTER_API_KEY", "or-key")
	t.Setenv("HERALD_TELEGRAM_BOT_TOKEN", "tg-token")
	t.Setenv("HERALD_TELEGRAM_CHAT_ID", "42")
	t.Setenv("HERALD_SMTP_HOST", "smtp.example.com")
	t.Setenv("HERALD_SMTP_USER", "reports@example.com")
	t.Setenv("HERALD_SMTP_PASSWORD", "secret")
	t.Setenv("HERALD_LEMONSQUEEZY_WEBHOOK_SECRET", "whsec")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 50.0, cfg.BudgetTotal)
	assert.Equal(t, 10.0, cfg.BudgetWarn)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 32, cfg.QueueDepth)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 2048, cfg.CacheCapacity)
	assert.Zero(t, cfg.CacheNegativeTTL)
	assert.Equal(t, 60*time.Minute, cfg.SchedulerInterval)
	assert.Equal(t, 30*time.Second, cfg.DrainTimeout)
	assert.Equal(t, 10*time.Minute, cfg.ReservationWindow)
	assert.Equal(t, 120*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, 3, cfg.ProviderMaxAttempts)
	assert.Equal(t, []string{"openrouter", "gemini"}, cfg.ProviderOrder)
	assert.Equal(t, []string{"openrouter"}, cfg.ConfiguredProviders())
	assert.Equal(t, 3, cfg.MinDocuments)
	assert.Equal(t, 20, cfg.MaxDocuments)
	assert.Equal(t, 750, cfg.StandardPriceCents)
	assert.Equal(t, 1200, cfg.PremiumPriceCents)
	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 5432, cfg.DBPort)
	assert.Equal(t, 6379, cfg.RedisPort)
	assert.False(t, cfg.DiscoveryEnabled)
	assert.Len(t, cfg.DiscoverySources, 3)
	assert.Equal(t, "https://techcrunch.com/", cfg.DiscoverySources[0])
	assert.Equal(t, 24*time.Hour, cfg.DiscoveryCooldown)
}

func TestLoad_CustomValues(t *testing.T) {
	setRequired(t)
	t.Setenv("HERALD_PORT", "9090")
	t.Setenv("HERALD_BUDGET_TOTAL", "120.5")
	t.Setenv("HERALD_PROVIDER_ORDER", " Gemini , openrouter ")
	t.Setenv("HERALD_GEMINI_API_KEY", "gm-key")
	t.Setenv("HERALD_MONITORING_TOPICS", "solar storage,wind power")
	t.Setenv("POSTGRES_HOST", "db.example.com")
	t.Setenv("POSTGRES_PORT", "5433")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 120.5, cfg.BudgetTotal)
	assert.Equal(t, []string{"gemini", "openrouter"}, cfg.ProviderOrder)
	assert.Equal(t, []string{"gemini", "openrouter"}, cfg.ConfiguredProviders())
	assert.Equal(t, []string{"solar storage", "wind power"}, cfg.MonitoringTopics)
	assert.Equal(t, "db.example.com", cfg.DBHost)
	assert.Equal(t, 5433, cfg.DBPort)
}

func TestLoad_InvalidPort(t *testing.T) {
	setRequired(t)
	t.Setenv("POSTGRES_PORT", "not_a_number")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestLoad_MissingRequiredFieldsReportedTogether(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "primary provider openrouter has no API key")
	assert.Contains(t, msg, "TELEGRAM_BOT_TOKEN")
	assert.Contains(t, msg, "SMTP_HOST")
	assert.Contains(t, msg, "LEMONSQUEEZY_WEBHOOK_SECRET")
}

func TestLoad_WebhookSecretOptionalWhenDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("HERALD_LEMONSQUEEZY_WEBHOOK_SECRET", "")
	t.Setenv("HERALD_WEBHOOK_ENABLED", "false")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HERALD_QUEUE_DEPTH=7\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HERALD_QUEUE_DEPTH") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.QueueDepth)
}

func TestValidate_Ranges(t *testing.T) {
	setRequired(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	bad := *cfg
	bad.BudgetWarn = 80
	bad.ProviderOrder = []string{"openrouter", "anthropic"}
	bad.SourceURLs = []string{"https://news.example.com/search"}
	bad.MinDocuments = 30

	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUDGET_WARN_THRESHOLD")
	assert.Contains(t, err.Error(), `unknown provider "anthropic"`)
	assert.Contains(t, err.Error(), "{topic}")
	assert.Contains(t, err.Error(), "MIN_DOCUMENTS")
}

func TestValidate_ReservationWindowOutlivesProviderCall(t *testing.T) {
	setRequired(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Greater(t, cfg.ReservationWindow, cfg.ProviderTimeout)

	bad := *cfg
	bad.ProviderTimeout = 10 * time.Minute
	bad.ReservationWindow = 10 * time.Minute
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESERVATION_WINDOW")

	bad.ReservationWindow = 11 * time.Minute
	assert.NoError(t, bad.Validate())
}

func TestValidate_Discovery(t *testing.T) {
	setRequired(t)
	t.Setenv("HERALD_DISCOVERY_ENABLED", "true")
	t.Setenv("HERALD_DISCOVERY_KEYWORDS", " Funding ,, Layoff")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, []string{"funding", "layoff"}, cfg.DiscoveryKeywords)

	bad := *cfg
	bad.DiscoverySources = nil
	bad.DiscoveryMaxTopics = 0
	bad.DiscoveryCooldown = 0
	err = bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISCOVERY_SOURCES")
	assert.Contains(t, err.Error(), "DISCOVERY_MAX_TOPICS")
	assert.Contains(t, err.Error(), "DISCOVERY_COOLDOWN")

	bad.DiscoveryEnabled = false
	assert.NoError(t, bad.Validate())
}

func TestDSN(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBHost: "h", DBPort: 5432, DBName: "d", DBSSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", cfg.DSN())
	assert.Equal(t, "postgres://u:***@h:5432/d?sslmode=disable", cfg.RedactedDSN())
}
