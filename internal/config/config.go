// Package config handles loading and validating configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Prefix is the environment variable prefix. Variables with an explicit
// envconfig name are also read without the prefix (POSTGRES_HOST, REDIS_HOST).
const Prefix = "HERALD"

// Config holds all configuration for Herald.
type Config struct {
	// Server
	Port        string   `envconfig:"PORT" default:"8080"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"` // json or console
	AdminAPIKey string   `envconfig:"ADMIN_API_KEY"`             // required for /api/v1; empty = reject all
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	Brand       string   `envconfig:"BRAND_NAME" default:"Herald"`
	AppURL      string   `envconfig:"APP_URL" default:"https://herald.local"`

	// Database
	DBEnabled  bool   `envconfig:"DB_ENABLED" default:"true"`
	DBHost     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	DBPort     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	DBName     string `envconfig:"POSTGRES_DB" default:"herald"`
	DBUser     string `envconfig:"POSTGRES_USER" default:"herald"`
	DBPassword string `envconfig:"POSTGRES_PASSWORD"`
	DBSSLMode  string `envconfig:"POSTGRES_SSLMODE" default:"disable"`

	// Redis
	RedisEnabled  bool   `envconfig:"REDIS_ENABLED" default:"true"`
	RedisHost     string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort     int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	// Budget ledger
	BudgetName        string        `envconfig:"BUDGET_NAME" default:"default"`
	BudgetTotal       float64       `envconfig:"BUDGET_TOTAL" default:"50"`
	BudgetWarn        float64       `envconfig:"BUDGET_WARN_THRESHOLD" default:"10"`
	ReservationWindow time.Duration `envconfig:"RESERVATION_WINDOW" default:"10m"`

	// Artifact cache
	CacheBackend     string        `envconfig:"CACHE_BACKEND" default:"memory"` // memory or redis
	CacheTTL         time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	CacheCapacity    int           `envconfig:"CACHE_CAPACITY" default:"2048"`
	CacheNegativeTTL time.Duration `envconfig:"CACHE_NEGATIVE_TTL" default:"0s"`

	// Scheduler
	MaxConcurrent     int           `envconfig:"MAX_CONCURRENT" default:"3"`
	QueueDepth        int           `envconfig:"QUEUE_DEPTH" default:"32"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"60m"`
	DrainTimeout      time.Duration `envconfig:"DRAIN_TIMEOUT" default:"30s"`
	MonitoringTopics  []string      `envconfig:"MONITORING_TOPICS"`
	MonitoringTier    string        `envconfig:"MONITORING_TIER" default:"standard"`

	// Trigger discovery adds companies found in news feeds to the monitored topics
	DiscoveryEnabled   bool          `envconfig:"DISCOVERY_ENABLED" default:"false"`
	DiscoverySources   []string      `envconfig:"DISCOVERY_SOURCES" default:"https://techcrunch.com/,https://news.google.com/rss/search?q=startup+funding+OR+acquisition+OR+layoffs+OR+%22major+partnership%22&hl=en-US&gl=US&ceid=US%3Aen,https://news.ycombinator.com/news"`
	DiscoveryKeywords  []string      `envconfig:"DISCOVERY_KEYWORDS"`
	DiscoveryMaxEvents int           `envconfig:"DISCOVERY_MAX_EVENTS" default:"5"`
	DiscoveryMaxTopics int           `envconfig:"DISCOVERY_MAX_TOPICS" default:"3"`
	DiscoveryCooldown  time.Duration `envconfig:"DISCOVERY_COOLDOWN" default:"24h"`

	// Tiers
	StandardPriceCents int     `envconfig:"STANDARD_PRICE_CENTS" default:"750"`
	PremiumPriceCents  int     `envconfig:"PREMIUM_PRICE_CENTS" default:"1200"`
	StandardMaxTokens  int     `envconfig:"STANDARD_MAX_TOKENS" default:"2500"`
	PremiumMaxTokens   int     `envconfig:"PREMIUM_MAX_TOKENS" default:"6000"`
	StandardBudgetHint float64 `envconfig:"STANDARD_BUDGET_HINT" default:"1.5"`
	PremiumBudgetHint  float64 `envconfig:"PREMIUM_BUDGET_HINT" default:"4"`

	// Analysis providers
	ProviderOrder        []string      `envconfig:"PROVIDER_ORDER" default:"openrouter,gemini"`
	ProviderTimeout      time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"120s"`
	ProviderMaxAttempts  int           `envconfig:"PROVIDER_MAX_ATTEMPTS" default:"3"`
	OpenRouterKey        string        `envconfig:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL    string        `envconfig:"OPENROUTER_BASE_URL" default:"https://openrouter.ai/api/v1"`
	OpenRouterStandard   string        `envconfig:"OPENROUTER_STANDARD_MODEL" default:"anthropic/claude-3-haiku-20240307"`
	OpenRouterPremium    string        `envconfig:"OPENROUTER_PREMIUM_MODEL" default:"openai/gpt-4-turbo"`
	GeminiKey            string        `envconfig:"GEMINI_API_KEY"`
	GeminiBaseURL        string        `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com"`
	GeminiStandard       string        `envconfig:"GEMINI_STANDARD_MODEL" default:"gemini-1.5-flash"`
	GeminiPremium        string        `envconfig:"GEMINI_PREMIUM_MODEL" default:"gemini-1.5-pro"`
	PricingRefreshPeriod time.Duration `envconfig:"PRICING_REFRESH" default:"15m"`

	// Collection
	SourceURLs        []string      `envconfig:"SOURCE_URLS"`
	ProxyURL          string        `envconfig:"PROXY_URL"`
	CollectorTimeout  time.Duration `envconfig:"COLLECTOR_TIMEOUT" default:"20s"`
	CollectorMaxChars int           `envconfig:"COLLECTOR_MAX_CHARS" default:"20000"`
	MinDocuments      int           `envconfig:"MIN_DOCUMENTS" default:"3"`
	MaxDocuments      int           `envconfig:"MAX_DOCUMENTS" default:"20"`

	// Rendering
	RendererURL     string        `envconfig:"RENDERER_URL"` // empty = local PDF
	RendererAPIKey  string        `envconfig:"RENDERER_API_KEY"`
	RendererTimeout time.Duration `envconfig:"RENDERER_TIMEOUT" default:"60s"`

	// Notifications
	TelegramToken       string        `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID      string        `envconfig:"TELEGRAM_CHAT_ID"`
	TelegramMinSeverity string        `envconfig:"TELEGRAM_MIN_SEVERITY" default:"info"`
	TwilioAccountSID    string        `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken     string        `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFrom          string        `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioTo            string        `envconfig:"TWILIO_TO_NUMBER"`
	TwilioVoice         bool          `envconfig:"TWILIO_VOICE" default:"false"`
	SMTPHost            string        `envconfig:"SMTP_HOST"`
	SMTPPort            int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser            string        `envconfig:"SMTP_USER"`
	SMTPPassword        string        `envconfig:"SMTP_PASSWORD"`
	SMTPFrom            string        `envconfig:"SMTP_FROM"`
	OperatorEmail       string        `envconfig:"OPERATOR_EMAIL"`
	NotifyRetryDelay    time.Duration `envconfig:"NOTIFY_RETRY_DELAY" default:"2s"`

	// Payment webhook
	WebhookEnabled    bool     `envconfig:"WEBHOOK_ENABLED" default:"true"`
	WebhookSecret     string   `envconfig:"LEMONSQUEEZY_WEBHOOK_SECRET"`
	PremiumVariantIDs []string `envconfig:"PREMIUM_VARIANT_IDS"`

	// Rate limiting for the public webhook
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

var knownProviders = map[string]bool{"openrouter": true, "gemini": true}

// Load reads an optional .env file (or the given files), then the
// environment, and validates the result.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.ProviderOrder = cleanList(c.ProviderOrder, true)
	c.MonitoringTopics = cleanList(c.MonitoringTopics, false)
	c.SourceURLs = cleanList(c.SourceURLs, false)
	c.DiscoverySources = cleanList(c.DiscoverySources, false)
	c.DiscoveryKeywords = cleanList(c.DiscoveryKeywords, true)
	c.CORSOrigins = cleanList(c.CORSOrigins, false)
	c.PremiumVariantIDs = cleanList(c.PremiumVariantIDs, false)
	c.CacheBackend = strings.ToLower(strings.TrimSpace(c.CacheBackend))
	c.MonitoringTier = strings.ToLower(strings.TrimSpace(c.MonitoringTier))
}

func cleanList(in []string, lower bool) []string {
	out := in[:0]
	for _, v := range in {
		v = strings.TrimSpace(v)
		if lower {
			v = strings.ToLower(v)
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Validate checks required fields and value ranges. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.ProviderOrder) == 0 {
		add("PROVIDER_ORDER must name at least one provider")
	}
	seen := map[string]bool{}
	for i, p := range c.ProviderOrder {
		if !knownProviders[p] {
			add("PROVIDER_ORDER: unknown provider %q", p)
			continue
		}
		if seen[p] {
			add("PROVIDER_ORDER: duplicate provider %q", p)
		}
		seen[p] = true
		if i == 0 && c.providerKey(p) == "" {
			add("primary provider %s has no API key", p)
		}
	}
	if c.TelegramToken == "" || c.TelegramChatID == "" {
		add("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required")
	}
	if c.SMTPHost == "" || c.SMTPUser == "" || c.SMTPPassword == "" {
		add("SMTP_HOST, SMTP_USER and SMTP_PASSWORD are required")
	}
	if c.WebhookEnabled && c.WebhookSecret == "" {
		add("LEMONSQUEEZY_WEBHOOK_SECRET is required when the webhook is enabled")
	}
	if c.TwilioAccountSID != "" && (c.TwilioAuthToken == "" || c.TwilioFrom == "" || c.TwilioTo == "") {
		add("TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and TWILIO_TO_NUMBER are required with TWILIO_ACCOUNT_SID")
	}

	if c.BudgetTotal <= 0 {
		add("BUDGET_TOTAL must be positive, got %v", c.BudgetTotal)
	}
	if c.BudgetWarn < 0 || c.BudgetWarn > c.BudgetTotal {
		add("BUDGET_WARN_THRESHOLD must be between 0 and BUDGET_TOTAL, got %v", c.BudgetWarn)
	}
	if c.MaxConcurrent <= 0 {
		add("MAX_CONCURRENT must be positive, got %d", c.MaxConcurrent)
	}
	if c.QueueDepth <= 0 {
		add("QUEUE_DEPTH must be positive, got %d", c.QueueDepth)
	}
	if c.CacheTTL <= 0 {
		add("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	if c.CacheCapacity <= 0 {
		add("CACHE_CAPACITY must be positive, got %d", c.CacheCapacity)
	}
	if c.CacheNegativeTTL < 0 {
		add("CACHE_NEGATIVE_TTL must not be negative")
	}
	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		add("CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend)
	}
	if c.CacheBackend == "redis" && !c.RedisEnabled {
		add("CACHE_BACKEND=redis requires REDIS_ENABLED")
	}
	if c.SchedulerInterval != 0 && c.SchedulerInterval < time.Second {
		add("SCHEDULER_INTERVAL must be at least 1s or 0 to disable, got %s", c.SchedulerInterval)
	}
	if c.DrainTimeout <= 0 {
		add("DRAIN_TIMEOUT must be positive")
	}
	if c.MonitoringTier != "standard" && c.MonitoringTier != "premium" {
		add("MONITORING_TIER must be standard or premium, got %q", c.MonitoringTier)
	}
	if c.ProviderMaxAttempts <= 0 {
		add("PROVIDER_MAX_ATTEMPTS must be positive")
	}
	if c.ProviderTimeout <= 0 {
		add("PROVIDER_TIMEOUT must be positive")
	}
	// a reservation must outlive the call it covers or the spend is lost
	if c.ReservationWindow <= c.ProviderTimeout {
		add("RESERVATION_WINDOW (%s) must be longer than PROVIDER_TIMEOUT (%s)", c.ReservationWindow, c.ProviderTimeout)
	}
	if c.MinDocuments <= 0 || c.MaxDocuments < c.MinDocuments {
		add("MIN_DOCUMENTS must be positive and not above MAX_DOCUMENTS (%d > %d)", c.MinDocuments, c.MaxDocuments)
	}
	for _, src := range c.SourceURLs {
		if !strings.Contains(src, "{topic}") {
			add("SOURCE_URLS entry %q has no {topic} placeholder", src)
		}
	}
	if c.DiscoveryEnabled {
		if len(c.DiscoverySources) == 0 {
			add("DISCOVERY_SOURCES must name at least one feed when discovery is enabled")
		}
		if c.DiscoveryMaxEvents <= 0 || c.DiscoveryMaxTopics <= 0 {
			add("DISCOVERY_MAX_EVENTS and DISCOVERY_MAX_TOPICS must be positive")
		}
		if c.DiscoveryCooldown <= 0 {
			add("DISCOVERY_COOLDOWN must be positive, got %s", c.DiscoveryCooldown)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		add("LOG_LEVEL: %v", err)
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		add("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) providerKey(name string) string {
	switch name {
	case "openrouter":
		return c.OpenRouterKey
	case "gemini":
		return c.GeminiKey
	}
	return ""
}

// ConfiguredProviders returns ProviderOrder without providers that have no key.
func (c *Config) ConfiguredProviders() []string {
	var out []string
	for _, p := range c.ProviderOrder {
		if c.providerKey(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedactedDSN returns the DSN with the password masked for safe logging.
func (c *Config) RedactedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RedisAddr returns the Redis address in host:port format.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
