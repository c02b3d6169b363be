package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/analytics"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/budget"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/collector"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/config"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/database"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/discovery"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/llm"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/pipeline"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/render"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/reportcache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/herald/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

const version = "0.1.0"

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if strings.EqualFold(cfg.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)
	log.Info().Str("version", version).Str("port", cfg.Port).Str("brand", cfg.Brand).Msg("starting herald")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pricing := llm.NewPriceTable()

	// Database. Without it reports and invocations live in memory only.
	var db *database.DB
	if cfg.DBEnabled {
		db, err = database.New(cfg.DSN())
		if err != nil {
			log.Warn().Err(err).Str("dsn", cfg.RedactedDSN()).Msg("database unavailable, running with in-memory archive")
			db = nil
		} else {
			defer db.Close()
			if err := db.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to run migrations")
			}
			if err := db.SeedPricing(ctx, pricing.Rows()); err != nil {
				log.Warn().Err(err).Msg("failed to seed pricing data")
			}
			if rows, err := db.ListModelPricing(ctx); err != nil {
				log.Warn().Err(err).Msg("failed to load pricing, using built-in table")
			} else {
				pricing.Merge(rows)
			}
			log.Info().Str("dsn", cfg.RedactedDSN()).Msg("database connected and migrations applied")
		}
	}

	// Redis. Optional unless it backs the artifact cache.
	var rdb *cache.Cache
	if cfg.RedisEnabled {
		rdb, err = cache.NewCache(ctx, cfg.RedisAddr(), cfg.RedisPassword)
		if err != nil {
			if cfg.CacheBackend == "redis" {
				log.Fatal().Err(err).Msg("redis is required by CACHE_BACKEND=redis")
			}
			log.Warn().Err(err).Msg("redis unavailable, spend is persisted to the database only and rate limiting is off")
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	// Operator notifications.
	mailer, err := notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		Operator: cfg.OperatorEmail,
		Brand:    cfg.Brand,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure smtp")
	}
	telegram, err := notify.NewTelegram(notify.TelegramConfig{
		Token:       cfg.TelegramToken,
		ChatID:      cfg.TelegramChatID,
		MinSeverity: models.Severity(cfg.TelegramMinSeverity),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure telegram")
	}
	channels := []notify.Channel{telegram}
	if cfg.TwilioAccountSID != "" {
		twilio := notify.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
			To:         cfg.TwilioTo,
		}
		sms, err := notify.NewSMS(twilio)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure sms")
		}
		channels = append(channels, sms)
		if cfg.TwilioVoice {
			voice, err := notify.NewVoice(twilio)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to configure voice")
			}
			channels = append(channels, voice)
		}
	}
	if cfg.OperatorEmail != "" {
		channels = append(channels, mailer)
	}
	gateway := notify.NewGateway(channels...).WithRetryDelay(cfg.NotifyRetryDelay)
	log.Info().Strs("channels", gateway.Channels()).Msg("notification gateway ready")

	// Budget ledger. Spend survives restarts through every available store.
	var spend budget.MultiStore
	if db != nil {
		spend = append(spend, db.SpendStore())
	}
	if rdb != nil {
		spend = append(spend, budget.NewRedisStore(rdb))
	}
	var store budget.SpendStore = budget.NewMemoryStore()
	if len(spend) > 0 {
		store = spend
	}
	ledger, err := budget.NewLedger(budget.Options{
		Name:              cfg.BudgetName,
		Total:             cfg.BudgetTotal,
		WarnThreshold:     cfg.BudgetWarn,
		ReservationWindow: cfg.ReservationWindow,
		Store:             store,
		Alerter:           gateway,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create budget ledger")
	}
	if err := ledger.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to restore ledger spend, starting from zero")
	}
	snap := ledger.Snapshot()
	log.Info().Float64("total_usd", snap.Total).Float64("remaining_usd", snap.Remaining).Msg("budget ledger ready")

	// Analysis providers in fallback order.
	var providers []llm.Provider
	for _, name := range cfg.ConfiguredProviders() {
		switch name {
		case "openrouter":
			providers = append(providers, llm.NewOpenRouter(llm.OpenRouterConfig{
				APIKey:  cfg.OpenRouterKey,
				BaseURL: cfg.OpenRouterBaseURL,
				Referer: cfg.AppURL,
				Title:   cfg.Brand,
				Models: map[models.PlanTier]string{
					models.TierStandard: cfg.OpenRouterStandard,
					models.TierPremium:  cfg.OpenRouterPremium,
				},
			}))
		case "gemini":
			providers = append(providers, llm.NewGemini(llm.GeminiConfig{
				APIKey:  cfg.GeminiKey,
				BaseURL: cfg.GeminiBaseURL,
				Models: map[models.PlanTier]string{
					models.TierStandard: cfg.GeminiStandard,
					models.TierPremium:  cfg.GeminiPremium,
				},
			}))
		}
	}
	llmOpts := llm.Options{
		MaxAttempts: cfg.ProviderMaxAttempts,
		CallTimeout: cfg.ProviderTimeout,
		Pricing:     pricing,
	}
	if db != nil {
		llmOpts.Recorder = db
	}
	client, err := llm.NewClient(ledger, providers, llmOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create analysis client")
	}
	log.Info().Interface("providers", client.Providers()).Msg("analysis client ready")

	// Collection and rendering.
	if len(cfg.SourceURLs) == 0 {
		log.Warn().Msg("SOURCE_URLS not set, every report will fail with insufficient data")
	}
	sources, err := collector.NewHTTPCollector(collector.HTTPConfig{
		Sources:   cfg.SourceURLs,
		ProxyURL:  cfg.ProxyURL,
		Timeout:   cfg.CollectorTimeout,
		UserAgent: cfg.Brand + "/" + version + " (+" + cfg.AppURL + ")",
		MaxChars:  cfg.CollectorMaxChars,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create collector")
	}
	var renderer render.Renderer = render.NewPDF(cfg.Brand)
	if cfg.RendererURL != "" {
		renderer = render.NewRemote(cfg.RendererURL, cfg.RendererAPIKey, cfg.RendererTimeout)
	}

	// Artifact cache.
	var artifacts reportcache.Store[models.Artifact] = reportcache.NewMemoryStore[models.Artifact](cfg.CacheCapacity)
	if cfg.CacheBackend == "redis" {
		artifacts = reportcache.NewRedisStore[models.Artifact](rdb, "herald:report:")
	}
	reports := reportcache.New(pipeline.CacheOptions(cfg.CacheTTL, cfg.CacheNegativeTTL, artifacts))

	// Pipeline.
	var archive interface {
		pipeline.RequestStore
		api.ReportStore
		analytics.ReportSource
	} = pipeline.NewMemoryStore(0)
	if db != nil {
		archive = db
	}
	orch, err := pipeline.New(pipeline.Config{
		MinDocuments:       cfg.MinDocuments,
		MaxDocuments:       cfg.MaxDocuments,
		CacheTTL:           cfg.CacheTTL,
		DeliveryRetryDelay: cfg.NotifyRetryDelay,
		Tiers: map[models.PlanTier]pipeline.TierConfig{
			models.TierStandard: {
				PriceCents:      cfg.StandardPriceCents,
				MaxOutputTokens: cfg.StandardMaxTokens,
				BudgetHint:      cfg.StandardBudgetHint,
				Temperature:     0.4,
			},
			models.TierPremium: {
				PriceCents:      cfg.PremiumPriceCents,
				MaxOutputTokens: cfg.PremiumMaxTokens,
				BudgetHint:      cfg.PremiumBudgetHint,
				Temperature:     0.3,
			},
		},
	}, pipeline.Deps{
		Cache:     reports,
		Analyzer:  client,
		Collector: sources,
		Renderer:  renderer,
		Deliverer: mailer,
		Alerter:   gateway,
		Store:     archive,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create pipeline")
	}

	// Scheduler.
	var topics scheduler.TopicSource = scheduler.StaticTopics(cfg.MonitoringTopics)
	if db != nil {
		if err := db.UpsertTopics(ctx, cfg.MonitoringTopics); err != nil {
			log.Warn().Err(err).Msg("failed to store monitoring topics")
		}
		topics = db
	}
	if cfg.DiscoveryEnabled {
		feeds, err := collector.NewHTTPCollector(collector.HTTPConfig{
			Sources:   cfg.DiscoverySources,
			ProxyURL:  cfg.ProxyURL,
			Timeout:   cfg.CollectorTimeout,
			UserAgent: cfg.Brand + "/" + version + " (+" + cfg.AppURL + ")",
			MaxChars:  cfg.CollectorMaxChars,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create discovery collector")
		}
		triggers, err := discovery.New(discovery.Options{
			Collector:  feeds,
			Analyzer:   client,
			Keywords:   cfg.DiscoveryKeywords,
			MaxEvents:  cfg.DiscoveryMaxEvents,
			MaxTopics:  cfg.DiscoveryMaxTopics,
			Cooldown:   cfg.DiscoveryCooldown,
			Tier:       models.TierStandard,
			BudgetHint: cfg.StandardBudgetHint,
			Fallback:   topics,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create trigger discovery")
		}
		topics = triggers
		log.Info().Strs("feeds", cfg.DiscoverySources).Msg("trigger discovery enabled")
	}
	sched, err := scheduler.New(orch, scheduler.Options{
		Workers:      cfg.MaxConcurrent,
		QueueDepth:   cfg.QueueDepth,
		Interval:     cfg.SchedulerInterval,
		DrainTimeout: cfg.DrainTimeout,
		Topics:       topics,
		Tier:         models.PlanTier(cfg.MonitoringTier),
		Budget:       ledger,
		Alerter:      gateway,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduler")
	}
	if err := sched.Every(time.Minute, func() {
		if n := ledger.ExpireStale(); n > 0 {
			log.Warn().Int("released", n).Msg("expired stale budget reservations")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule reservation expiry")
	}
	if db != nil && cfg.PricingRefreshPeriod > 0 {
		if err := sched.Every(cfg.PricingRefreshPeriod, func() {
			refreshCtx, refreshCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer refreshCancel()
			rows, err := db.ListModelPricing(refreshCtx)
			if err != nil {
				log.Warn().Err(err).Msg("pricing refresh failed")
				return
			}
			pricing.Merge(rows)
		}); err != nil {
			log.Fatal().Err(err).Msg("failed to schedule pricing refresh")
		}
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	// Analytics and HTTP surface.
	var invocations analytics.InvocationSource = analytics.FromLog(client)
	if db != nil {
		invocations = db
	}
	handlers, err := api.NewHandlers(api.Deps{
		Ledger:      ledger,
		Queue:       sched,
		Tracker:     orch,
		Cache:       orch.Cache(),
		Store:       archive,
		Invocations: invocations,
		Insights:    analytics.NewInsightsEngine(invocations, archive),
		Alerter:     gateway,
	}, api.WebhookConfig{
		Secret:          cfg.WebhookSecret,
		PremiumVariants: cfg.PremiumVariantIDs,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create handlers")
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.AdminAPIKey == "" {
		log.Warn().Msg("HERALD_ADMIN_API_KEY not set, management API is disabled")
	}
	r := router.New(handlers, router.Options{
		AdminAPIKey:    cfg.AdminAPIKey,
		CORSOrigins:    cfg.CORSOrigins,
		WebhookEnabled: cfg.WebhookEnabled,
		RateLimiter:    rdb,
		RateLimit:      int64(cfg.RateLimitRequests),
		RateWindow:     cfg.RateLimitWindow,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("herald is ready")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shut down")
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler did not drain cleanly")
	}
	ledger.WaitAlerts()
	log.Info().Msg("herald exited")
}
