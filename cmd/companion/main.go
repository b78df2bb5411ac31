package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"companion/internal/companion"
	"companion/internal/config"
	"companion/internal/httpapi"
	"companion/internal/metrics"
	"companion/internal/providers"
	"companion/internal/providers/catalog"
	"companion/internal/providers/registry"
	"companion/internal/quota"
	"companion/internal/retry"
	"companion/internal/router"
	"companion/internal/secrets"
	"companion/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Int("retry_attempts", cfg.Retry.Attempts).
		Str("utility_model", cfg.Models.UtilityModel).
		Bool("generation_log", cfg.DB.Enabled).
		Bool("quota", cfg.Redis.Addr != "").
		Msg("starting companion")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat, err := catalog.New(applyOverrides(catalog.DefaultProfiles(), cfg.Models), catalog.DefaultEdges())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid model catalog")
	}

	var sealer *secrets.Sealer
	if secrets.NeedsSealer(cat.KeySources()) {
		if err := cfg.RequireMasterKey(); err != nil {
			log.Fatal().Err(err).Msg("sealed key sources configured without a master key")
		}
	}
	if cfg.Crypto.Enabled() {
		sealer, err = secrets.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize sealer")
		}
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.HTTP.ProviderTimeout}

	reg := registry.New(registry.Options{
		Catalog:    cat,
		Keys:       secrets.NewResolver(sealer, os.LookupEnv),
		HTTPClient: httpClient,
		Headers:    openRouterHeaders(cfg.Models),
	})
	engine := retry.New(retry.Config{
		Attempts:       cfg.Retry.Attempts,
		RetryDelay:     cfg.Retry.RetryDelay,
		RateLimitDelay: cfg.Retry.RateLimitDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		Logger:         log.Logger,
		Metrics:        m,
	})
	rt := router.New(router.Config{
		Resolver: reg,
		Engine:   engine,
		Logger:   log.Logger,
		Metrics:  m,
	})

	svcCfg := companion.Config{
		Router:       rt,
		Logger:       log.Logger,
		Metrics:      m,
		UtilityModel: cfg.Models.UtilityModel,
		ImageModel:   cfg.Models.ImageModel,
	}
	apiCfg := httpapi.Config{
		Catalog:         cat,
		Logger:          log.Logger,
		Metrics:         m,
		CORSOrigins:     httpapi.ParseOrigins(cfg.HTTP.CORSAllowOrigins),
		RateLimitPerMin: cfg.HTTP.RateLimitPerMin,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
	}

	if cfg.DB.Enabled {
		store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize storage")
		}
		defer store.Close()
		svcCfg.Recorder = store
		apiCfg.History = store
		apiCfg.Health = store
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		apiCfg.Quota = quota.NewLimiter(rdb, cfg.Redis.QuotaPerHour)
		apiCfg.Idempotency = quota.NewIdempotency(rdb, cfg.Redis.IdempotencyTTL)
	}

	svc, err := companion.New(svcCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize companion service")
	}
	apiCfg.Generator = svc

	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           httpapi.NewServer(apiCfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// applyOverrides points every profile of a family at the configured base URL
// and key source.
func applyOverrides(profiles []providers.Profile, mc config.ModelsConfig) []providers.Profile {
	for i := range profiles {
		p := &profiles[i]
		switch p.Family {
		case providers.FamilyGemini:
			if mc.GeminiBaseURL != "" {
				p.Endpoint = mc.GeminiBaseURL
			}
			if mc.GeminiKeySource != "" {
				p.KeySource = mc.GeminiKeySource
			}
		case providers.FamilyOpenAICompat:
			if mc.OpenRouterBaseURL != "" {
				p.Endpoint = mc.OpenRouterBaseURL
			}
			if mc.OpenRouterKeySource != "" {
				p.KeySource = mc.OpenRouterKeySource
			}
		}
	}
	return profiles
}

func openRouterHeaders(mc config.ModelsConfig) map[string]string {
	h := map[string]string{}
	if mc.OpenRouterReferer != "" {
		h["HTTP-Referer"] = mc.OpenRouterReferer
	}
	if mc.OpenRouterTitle != "" {
		h["X-Title"] = mc.OpenRouterTitle
	}
	return h
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
