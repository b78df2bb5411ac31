package companion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"companion/internal/chat"
	"companion/internal/metrics"
	"companion/internal/providers"
	"companion/internal/retry"
	"companion/internal/router"
	"companion/internal/storage"
)

// Operation names, as recorded in the generation log and metrics.
const (
	OpBotResponse = "bot_response"
	OpSuggestion  = "suggestion"
	OpDescription = "description"
	OpScenario    = "scenario"
	OpStory       = "story"
	OpCodePrompt  = "code_prompt"
	OpImage       = "image"
)

type Router interface {
	Chat(ctx context.Context, req providers.ChatRequest) (router.Reply, error)
	Image(ctx context.Context, req providers.ImageRequest) (router.ImageReply, error)
}

type Recorder interface {
	LogGeneration(ctx context.Context, g storage.Generation) error
}

type Config struct {
	Router    Router
	Augmenter Augmenter
	// Recorder is optional.
	Recorder Recorder
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	// UtilityModel serves descriptions, scenarios and code prompts.
	UtilityModel string
	ImageModel   string
}

// Service is the entry point used by the UI. Text operations never fail:
// errors become one of the fixed messages in this package. Calls do not share
// state, so concurrent calls may complete in any order; a caller that needs
// ordering (regenerate while typing, for instance) has to sequence them.
type Service struct {
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.UtilityModel == "" {
		return nil, fmt.Errorf("utility model is required")
	}
	if cfg.Augmenter == nil {
		cfg.Augmenter = DefaultAugmenter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Service{cfg: cfg}, nil
}

func (s *Service) GenerateBotResponse(ctx context.Context, history []chat.Turn, bot BotProfile, model string) string {
	bot = bot.normalized()
	personality := s.cfg.Augmenter.Augment(history, chat.LastUserText(history), bot.Personality, bot.Mode, bot.Attribute)

	start := time.Now()
	reply, err := s.cfg.Router.Chat(ctx, providers.ChatRequest{
		Model:        model,
		SystemPrompt: personality,
		History:      history,
	})
	s.record(ctx, OpBotResponse, reply, err, start)
	if err != nil {
		return failureMessage(reply, err)
	}
	return reply.Text
}

// GenerateUserResponseSuggestion returns "" when no suggestion could be made.
func (s *Service) GenerateUserResponseSuggestion(ctx context.Context, history []chat.Turn, personality, model string) string {
	text, err := s.utility(ctx, OpSuggestion, model, suggestionSystem, suggestionPrompt(history, personality))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(text, `"`, ""))
}

func (s *Service) GenerateDynamicDescription(ctx context.Context, personality string) string {
	return s.utilityOr(ctx, OpDescription, s.cfg.UtilityModel, descriptionSystem, descriptionPrompt(personality), FallbackDescription)
}

func (s *Service) GenerateScenarioIdea(ctx context.Context, personalities []string) string {
	return s.utilityOr(ctx, OpScenario, s.cfg.UtilityModel, scenarioSystem, scenarioPrompt(personalities), FallbackScenario)
}

func (s *Service) GenerateStory(ctx context.Context, characters []StoryCharacter, otherNames []string, scenario, model string) string {
	if model == "" {
		model = s.cfg.UtilityModel
	}
	return s.utilityOr(ctx, OpStory, model, storySystem, storyPrompt(characters, otherNames, scenario), FallbackStory)
}

func (s *Service) GenerateCodePrompt(ctx context.Context, task, language string) string {
	return s.utilityOr(ctx, OpCodePrompt, s.cfg.UtilityModel, codePromptSystem, codePrompt(task, language), FallbackCodePrompt)
}

// GenerateImage is the only operation that returns an error. sourceDataURL,
// when set, is sent along as the image to edit.
func (s *Service) GenerateImage(ctx context.Context, prompt string, sourceDataURL *string) (providers.ImageResult, error) {
	req := providers.ImageRequest{Model: s.cfg.ImageModel, Prompt: prompt}
	if sourceDataURL != nil && strings.TrimSpace(*sourceDataURL) != "" {
		src, err := providers.ParseDataURL(*sourceDataURL)
		if err != nil {
			return providers.ImageResult{}, fmt.Errorf("source image: %w", err)
		}
		req.Source = src
	}

	start := time.Now()
	reply, err := s.cfg.Router.Image(ctx, req)
	s.save(ctx, storage.Generation{
		Operation:      OpImage,
		RequestedModel: req.Model,
		ServedModel:    reply.Model,
		Outcome:        outcomeLabel(reply.Outcome, err),
		Attempts:       reply.Attempts,
	}, err, start)
	if err != nil {
		return providers.ImageResult{}, err
	}
	return reply.Image, nil
}

func (s *Service) utilityOr(ctx context.Context, op, model, system, prompt, fallback string) string {
	text, err := s.utility(ctx, op, model, system, prompt)
	if err != nil {
		return fallback
	}
	return strings.TrimSpace(text)
}

func (s *Service) utility(ctx context.Context, op, model, system, prompt string) (string, error) {
	start := time.Now()
	reply, err := s.cfg.Router.Chat(ctx, providers.ChatRequest{
		Model:           model,
		SystemPrompt:    system,
		RawSystemPrompt: true,
		History:         []chat.Turn{{Text: prompt, Sender: chat.SenderUser, Timestamp: start.UnixMilli()}},
	})
	s.record(ctx, op, reply, err, start)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (s *Service) record(ctx context.Context, op string, reply router.Reply, err error, start time.Time) {
	s.save(ctx, storage.Generation{
		Operation:      op,
		RequestedModel: reply.RequestedModel,
		ServedModel:    reply.ServedModel,
		Fallback:       reply.Fallback,
		Outcome:        outcomeLabel(reply.Outcome, err),
		Attempts:       reply.Attempts,
	}, err, start)
}

func (s *Service) save(ctx context.Context, g storage.Generation, err error, start time.Time) {
	elapsed := time.Since(start)
	result := "ok"
	if err != nil {
		result = "error"
		s.cfg.Logger.Warn().Err(err).
			Str("operation", g.Operation).
			Str("model", g.RequestedModel).
			Str("outcome", g.Outcome).
			Int("attempts", g.Attempts).
			Msg("generation failed")
	}
	s.cfg.Metrics.Generations.WithLabelValues(g.Operation, result).Inc()
	s.cfg.Metrics.GenerationSeconds.WithLabelValues(g.Operation).Observe(elapsed.Seconds())

	if s.cfg.Recorder == nil {
		return
	}
	g.ID = uuid.NewString()
	g.LatencyMS = elapsed.Milliseconds()
	g.CreatedAt = start.UTC()
	// The generation log must outlive a request that was canceled.
	if rerr := s.cfg.Recorder.LogGeneration(context.WithoutCancel(ctx), g); rerr != nil {
		s.cfg.Logger.Error().Err(rerr).Str("operation", g.Operation).Msg("record generation")
	}
}

func outcomeLabel(o retry.Outcome, err error) string {
	var se *router.SurfacedError
	if errors.As(err, &se) {
		return "surfaced:" + retry.OutcomeOf(se.Err).String()
	}
	if err != nil && o == retry.OutcomeSuccess {
		o = retry.OutcomeOf(err)
	}
	return o.String()
}

// failureMessage picks what the user sees when a chat reply failed.
func failureMessage(reply router.Reply, err error) string {
	var se *router.SurfacedError
	if errors.As(err, &se) {
		return se.UserMessage
	}
	// Once the fallback has failed too, the primary's rate limit no longer
	// explains the failure.
	if errors.Is(err, router.ErrFallbackExhausted) {
		return MsgBusy
	}
	if reply.PrimaryOutcome == retry.OutcomeRateLimited || retry.OutcomeOf(err) == retry.OutcomeRateLimited {
		return MsgHighTraffic
	}
	return MsgBusy
}
