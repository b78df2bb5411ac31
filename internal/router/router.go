package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"companion/internal/metrics"
	"companion/internal/providers"
	"companion/internal/retry"
)

var ErrFallbackExhausted = errors.New("fallback model exhausted")

// Resolver looks up profiles, transports and fallback edges.
type Resolver interface {
	Resolve(ctx context.Context, modelID string) (providers.Profile, providers.Provider, error)
	ResolveImage(ctx context.Context, modelID string) (providers.Profile, providers.ImageProvider, error)
	Fallback(modelID string) (string, bool)
}

// SurfacedError carries a message meant to be shown to the user as is. It is
// returned for aggregator routes, which are never retried.
type SurfacedError struct {
	Model       string
	UserMessage string
	Err         error
}

func (e *SurfacedError) Error() string {
	return e.UserMessage
}

func (e *SurfacedError) Unwrap() error {
	return e.Err
}

// Reply describes how a request was served. It is filled in on failure too.
type Reply struct {
	Text           string
	RequestedModel string
	ServedModel    string
	Fallback       bool
	Attempts       int
	PrimaryOutcome retry.Outcome
	Outcome        retry.Outcome
}

type ImageReply struct {
	Image    providers.ImageResult
	Model    string
	Attempts int
	Outcome  retry.Outcome
}

type Config struct {
	Resolver Resolver
	Engine   *retry.Engine
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Router runs a request against its primary model and, once that is
// exhausted, against the single configured fallback. It holds no per-request
// state, so concurrent calls are independent.
type Router struct {
	cfg Config
}

func New(cfg Config) *Router {
	if cfg.Engine == nil {
		cfg.Engine = retry.New(retry.Config{Attempts: retry.DefaultAttempts, Logger: cfg.Logger})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Router{cfg: cfg}
}

func (r *Router) Chat(ctx context.Context, req providers.ChatRequest) (Reply, error) {
	reply := Reply{RequestedModel: req.Model, ServedModel: req.Model}

	primary, client, err := r.cfg.Resolver.Resolve(ctx, req.Model)
	if errors.Is(err, providers.ErrUnknownModel) {
		reply.PrimaryOutcome, reply.Outcome = retry.OutcomeFatal, retry.OutcomeFatal
		return reply, err
	}
	if err == nil && primary.Aggregated {
		return r.single(ctx, primary, client, req, reply)
	}
	if err == nil {
		var res retry.Result
		res, err = r.run(ctx, primary, client, req)
		reply.Attempts = res.Attempts
		if err == nil {
			reply.Text = res.Text
			reply.PrimaryOutcome, reply.Outcome = retry.OutcomeSuccess, retry.OutcomeSuccess
			return reply, nil
		}
	}
	reply.Attempts += attemptsOf(err)
	reply.PrimaryOutcome = retry.OutcomeOf(err)
	reply.Outcome = reply.PrimaryOutcome

	to, ok := r.cfg.Resolver.Fallback(req.Model)
	if !ok {
		return reply, err
	}
	fallback, fclient, ferr := r.cfg.Resolver.Resolve(ctx, to)
	if !r.shouldFallBack(err, primary, fallback) {
		r.cfg.Logger.Warn().Err(err).Str("model", req.Model).Str("fallback", to).
			Msg("fatal failure shares credentials with fallback, not falling back")
		return reply, err
	}

	r.cfg.Logger.Warn().Err(err).
		Str("model", req.Model).
		Str("fallback", to).
		Str("outcome", reply.PrimaryOutcome.String()).
		Msg("primary model exhausted, trying fallback")
	r.cfg.Metrics.Fallbacks.WithLabelValues(req.Model, to).Inc()

	reply.Fallback = true
	reply.ServedModel = to
	if ferr != nil {
		reply.Outcome = retry.OutcomeOf(ferr)
		return reply, fmt.Errorf("%w: %s: %w", ErrFallbackExhausted, to, ferr)
	}

	freq := req
	freq.Model = to
	res, ferr := r.run(ctx, fallback, fclient, freq)
	reply.Attempts += res.Attempts
	if ferr != nil {
		reply.Attempts += attemptsOf(ferr)
		reply.Outcome = retry.OutcomeOf(ferr)
		return reply, fmt.Errorf("%w: %s: %w", ErrFallbackExhausted, to, ferr)
	}
	reply.Text = res.Text
	reply.Outcome = retry.OutcomeSuccess
	return reply, nil
}

// shouldFallBack applies the fallback policy to a failed primary. Fatal
// failures only move on when the fallback uses other credentials, since the
// same key would fail the same way.
func (r *Router) shouldFallBack(err error, primary, fallback providers.Profile) bool {
	if errors.Is(err, providers.ErrModelDisabled) {
		return true
	}
	if retry.OutcomeOf(err) != retry.OutcomeFatal {
		return true
	}
	if primary.KeySource == "" || fallback.ModelID == "" {
		return true
	}
	return primary.KeySource != fallback.KeySource
}

// run drives one model through the retry engine. Aggregated fallbacks still
// get a single attempt.
func (r *Router) run(ctx context.Context, p providers.Profile, client providers.Provider, req providers.ChatRequest) (retry.Result, error) {
	if req.Params == (providers.Params{}) {
		req.Params = p.Defaults
	}
	op := func(ctx context.Context) (string, error) {
		resp, err := client.Chat(ctx, req)
		return resp.Text, err
	}
	if p.Aggregated {
		text, err := op(ctx)
		if err == nil && strings.TrimSpace(text) == "" {
			err = retry.ErrEmptyResponse
		}
		outcome := retry.Classify(err)
		r.cfg.Metrics.ProviderAttempts.WithLabelValues(p.ModelID, outcome.String()).Inc()
		if err != nil {
			return retry.Result{}, &retry.Error{Model: p.ModelID, Outcome: outcome, Attempts: 1, Err: err}
		}
		return retry.Result{Text: text, Attempts: 1}, nil
	}
	return r.cfg.Engine.Do(ctx, p.ModelID, op)
}

func (r *Router) single(ctx context.Context, p providers.Profile, client providers.Provider, req providers.ChatRequest, reply Reply) (Reply, error) {
	res, err := r.run(ctx, p, client, req)
	reply.Attempts = 1
	outcome := retry.OutcomeOf(err)
	reply.PrimaryOutcome, reply.Outcome = outcome, outcome
	if err == nil {
		reply.Text = res.Text
		return reply, nil
	}
	r.cfg.Logger.Warn().Err(err).Str("model", p.ModelID).Str("outcome", outcome.String()).Msg("aggregated model failed")
	return reply, &SurfacedError{Model: p.ModelID, UserMessage: surfacedMessage(p, err), Err: err}
}

func surfacedMessage(p providers.Profile, err error) string {
	if errors.Is(err, retry.ErrEmptyResponse) {
		return fmt.Sprintf("%s returned an empty response.", p.DisplayName)
	}
	detail := err.Error()
	var se *providers.StatusError
	if errors.As(err, &se) {
		detail = fmt.Sprintf("HTTP %d", se.StatusCode)
		if se.Body != "" {
			detail += ": " + se.Body
		}
	}
	return fmt.Sprintf("%s request failed: %s", p.DisplayName, detail)
}

func (r *Router) Image(ctx context.Context, req providers.ImageRequest) (ImageReply, error) {
	reply := ImageReply{Model: req.Model}
	_, client, err := r.cfg.Resolver.ResolveImage(ctx, req.Model)
	if err != nil {
		reply.Outcome = retry.OutcomeFatal
		return reply, err
	}
	var img providers.ImageResult
	res, err := r.cfg.Engine.Do(ctx, req.Model, func(ctx context.Context) (string, error) {
		out, err := client.GenerateImage(ctx, req)
		if err != nil {
			return "", err
		}
		img = out
		return out.Data, nil
	})
	if err != nil {
		reply.Attempts = attemptsOf(err)
		reply.Outcome = retry.OutcomeOf(err)
		return reply, err
	}
	reply.Image = img
	reply.Attempts = res.Attempts
	reply.Outcome = retry.OutcomeSuccess
	return reply, nil
}

func attemptsOf(err error) int {
	var re *retry.Error
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 0
}
