package providers

import (
	"context"
	"errors"
	"fmt"

	"companion/internal/chat"
)

type Family string

const (
	FamilyGemini       Family = "gemini"
	FamilyOpenAICompat Family = "openai_compat"
	FamilyDisabled     Family = "disabled"
)

var (
	ErrMalformedResponse = errors.New("malformed provider response")
	ErrModelDisabled     = errors.New("model is disabled")
	ErrImageMissing      = errors.New("response does not contain an image part")
	ErrUnknownModel      = errors.New("unknown model")
	ErrInvalidImage      = errors.New("invalid image")
)

// Params are the sampling defaults sent with every request. Zero fields are
// left out of the wire payload.
type Params struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

// Profile describes one selectable model. Profiles are built once at startup
// and never modified afterwards.
type Profile struct {
	ModelID     string
	DisplayName string
	Family      Family
	Endpoint    string
	KeySource   string
	// Aggregated routes are billed per call by a third-party aggregator, so
	// they get a single attempt and no fallback.
	Aggregated bool
	Image      bool
	Defaults   Params
}

type FallbackEdge struct {
	From string
	To   string
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	// RawSystemPrompt sends SystemPrompt as the whole instruction, without
	// the roleplay framing used for character replies.
	RawSystemPrompt bool
	History         []chat.Turn
	Params          Params
}

type ChatResponse struct {
	Text string
}

// Provider performs a single transport attempt. Retrying is the caller's job.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

type InlineImage struct {
	MIMEType string
	Data     []byte
}

type ImageRequest struct {
	Model  string
	Prompt string
	Source *InlineImage
}

type ImageResult struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type ImageProvider interface {
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// StatusError is returned for non-2xx provider replies.
type StatusError struct {
	Provider   string
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s status %d", e.Provider, e.StatusCode)
	if e.Status != "" {
		msg += " " + e.Status
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}
