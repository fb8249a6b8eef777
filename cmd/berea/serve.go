package main

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/berea-app/berea/internal/auth"
	"github.com/berea-app/berea/internal/billing"
	"github.com/berea-app/berea/internal/config"
	httpapi "github.com/berea-app/berea/internal/interfaces/http"
	"github.com/berea-app/berea/internal/llm"
	"github.com/berea-app/berea/internal/memory"
	"github.com/berea-app/berea/internal/persistence"
	"github.com/berea-app/berea/internal/persistence/postgres"
	"github.com/berea-app/berea/internal/plan"
	"github.com/berea-app/berea/internal/ratelimit"
	"github.com/berea-app/berea/internal/study"
	"github.com/berea-app/berea/internal/tokens"
)

const (
	sweepInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

func nowUTC() time.Time { return time.Now().UTC() }

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.Logger

	manager, err := postgres.NewManager(cfg.DBURL, cfg.DB)
	if err != nil {
		return err
	}
	defer manager.Close()
	if err := manager.Migrate(ctx); err != nil {
		return err
	}
	repos := manager.Repository()

	// Redis backs the generation lease and rate limiter when configured;
	// single-node deployments fall back to in-process equivalents.
	var (
		locker  study.Locker
		limiter study.MissLimiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker = study.NewRedisLocker(rdb)
		limiter = ratelimit.NewLimiter(rdb)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	} else {
		locker = study.NewLocalLocker()
		limiter = ratelimit.NewLocalLimiter()
		logger.Warn().Msg("REDIS_ADDR not set, using in-process lease and rate limiter")
	}

	ledger := tokens.NewLedger(manager.DB(), cfg, logger)
	resolver := plan.NewResolver(repos.Subscriptions, ledger)

	gateway := llm.NewGateway(buildProviders(cfg), cfg.LLMAttemptTO,
		llm.Params{Temperature: cfg.BaseTemperature, TopP: cfg.BaseTopP}, logger)

	studySvc := study.NewService(repos.Content, repos.Ownership, ledger, resolver,
		limiter, gateway, locker, cfg, cfg.GenerateBudget, logger)
	billingSvc := billing.NewService(repos.Subscriptions, ledger, billing.DevCharger{},
		cfg.PaymentsWebhookSecret, cfg.CheckoutBaseURL, logger)
	authSvc := auth.NewService(repos.Sessions, repos.Ownership, auth.DevExchanger{},
		cfg.JWTSecret, cfg.AnonJWTSecret, logger)
	memorySvc := memory.NewService(repos.Memory, memory.Config{
		MinEase:         cfg.MinEaseFactor,
		MaxIntervalDays: cfg.MaxIntervalDays,
	}, logger)

	handlers := httpapi.NewHandlers(studySvc, billingSvc, memorySvc, authSvc,
		resolver, ledger, repos.Ownership, repos.Catalog, manager, logger)
	server := httpapi.NewServer(cfg.Server, cfg.Origins, authSvc, handlers, logger)

	go sweepLoop(ctx, repos.Ownership.SweepExpired)
	go dailyVerseLoop(ctx, repos.Catalog, gateway)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildProviders orders generation providers by the configured primary, with
// the other as failover when its key is present.
func buildProviders(cfg *config.Config) []llm.Provider {
	if cfg.UseMock {
		return []llm.Provider{llm.MockProvider{}}
	}

	var openai, anthropic llm.Provider
	if cfg.OpenAIKey != "" {
		openai = llm.NewOpenAIProvider(cfg.OpenAIKey, nil)
	}
	if cfg.AnthropicKey != "" {
		anthropic = llm.NewAnthropicProvider(cfg.AnthropicKey, nil)
	}

	ordered := []llm.Provider{openai, anthropic}
	if cfg.LLMProvider == config.ProviderAnthropic {
		ordered = []llm.Provider{anthropic, openai}
	}

	providers := make([]llm.Provider, 0, 2)
	for _, p := range ordered {
		if p != nil {
			providers = append(providers, p)
		}
	}
	return providers
}

// dailyVerseLoop backfills the verse of the day. It runs at startup and then
// hourly, fetching from the LLM gateway only when the date has no verse yet,
// so transient provider outages retry within the day.
func dailyVerseLoop(ctx context.Context, catalog persistence.CatalogRepo, gateway *llm.Gateway) {
	ensure := func() {
		today := nowUTC().Truncate(24 * time.Hour)
		existing, err := catalog.GetDailyVerse(ctx, today)
		if err != nil {
			log.Error().Err(err).Msg("daily verse lookup failed")
			return
		}
		if existing != nil {
			return
		}

		verse, err := gateway.FetchDailyVerse(ctx, today)
		if err != nil {
			log.Warn().Err(err).Msg("daily verse fetch failed, will retry")
			return
		}
		if err := catalog.UpsertDailyVerse(ctx, persistence.DailyVerse{
			Date:         today,
			Reference:    verse.Reference,
			Translations: verse.Translations,
		}); err != nil {
			log.Error().Err(err).Msg("daily verse upsert failed")
			return
		}
		log.Info().Str("reference", verse.Reference).Msg("daily verse backfilled")
	}

	ensure()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ensure()
		}
	}
}

// sweepLoop removes expired anonymous ownership rows and sessions hourly.
func sweepLoop(ctx context.Context, sweep func(ctx context.Context, now time.Time) (int, error)) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := sweep(ctx, nowUTC())
			if err != nil {
				log.Error().Err(err).Msg("expired session sweep failed")
				continue
			}
			if removed > 0 {
				log.Info().Int("removed", removed).Msg("expired session sweep")
			}
		}
	}
}
