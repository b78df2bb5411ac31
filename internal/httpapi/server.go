package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"companion/internal/chat"
	"companion/internal/companion"
	"companion/internal/metrics"
	"companion/internal/providers"
	"companion/internal/quota"
	"companion/internal/storage"
)

// Generator is the public API the handlers expose.
type Generator interface {
	GenerateBotResponse(ctx context.Context, history []chat.Turn, bot companion.BotProfile, model string) string
	GenerateUserResponseSuggestion(ctx context.Context, history []chat.Turn, personality, model string) string
	GenerateDynamicDescription(ctx context.Context, personality string) string
	GenerateScenarioIdea(ctx context.Context, personalities []string) string
	GenerateStory(ctx context.Context, characters []companion.StoryCharacter, otherNames []string, scenario, model string) string
	GenerateCodePrompt(ctx context.Context, task, language string) string
	GenerateImage(ctx context.Context, prompt string, sourceDataURL *string) (providers.ImageResult, error)
}

type Catalog interface {
	Models() []providers.Profile
	Fallback(modelID string) (string, bool)
}

type History interface {
	RecentGenerations(ctx context.Context, limit int) ([]storage.Generation, error)
	OutcomeCounts(ctx context.Context) ([]storage.OutcomeCount, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type QuotaLimiter interface {
	Allow(ctx context.Context, clientID string, now time.Time) (quota.Decision, error)
}

type IdempotencyGuard interface {
	Claim(ctx context.Context, scope, key string) (bool, error)
	Release(ctx context.Context, scope, key string) error
}

type Config struct {
	Generator Generator
	Catalog   Catalog
	// History, Health, Quota and Idempotency are optional.
	History     History
	Health      Pinger
	Quota       QuotaLimiter
	Idempotency IdempotencyGuard

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	CORSOrigins     []string
	RateLimitPerMin int
	MaxBodyBytes    int64
}

type Server struct {
	cfg Config
	now func() time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	return &Server{cfg: cfg, now: time.Now}
}

// ParseOrigins splits a comma separated origin list. Empty means any origin.
func ParseOrigins(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Handler builds the router with its middleware stack.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Recoverer(s.cfg.Logger))
	r.Use(AccessLog(s.cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", headerClientID, "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After", "X-Quota-Limit", "X-Quota-Used"},
		MaxAge:         300,
	}))

	r.Group(func(gr chi.Router) {
		if s.cfg.RateLimitPerMin > 0 {
			gr.Use(httprate.LimitByIP(s.cfg.RateLimitPerMin, time.Minute))
		}
		gr.Post("/v1/bot-response", s.botResponse)
		gr.Post("/v1/suggestion", s.suggestion)
		gr.Post("/v1/description", s.description)
		gr.Post("/v1/scenario", s.scenario)
		gr.Post("/v1/story", s.story)
		gr.Post("/v1/code-prompt", s.codePrompt)
		gr.Post("/v1/images", s.image)
	})

	r.Get("/v1/models", s.models)
	r.Get("/v1/generations", s.generations)
	r.Get("/v1/generations/stats", s.generationStats)
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}
