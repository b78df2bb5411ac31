package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"companion/internal/providers"
)

const providerName = "gemini"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

type Client struct {
	models contentGenerator
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is empty")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  cfg.HTTPClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{models: gc.Models}, nil
}

var (
	_ providers.Provider      = (*Client)(nil)
	_ providers.ImageProvider = (*Client)(nil)
)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	p := BuildPayload(req.Model, req.SystemPrompt, req.History, req.Params)
	if req.RawSystemPrompt {
		p = BuildTemplatePayload(req.Model, req.SystemPrompt, req.History, req.Params)
	}
	resp, err := c.models.GenerateContent(ctx, p.Model, p.Contents, p.Config)
	if err != nil {
		return providers.ChatResponse{}, mapError(err)
	}
	text, err := responseText(resp)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.ImageResult, error) {
	p := buildImagePayload(req)
	resp, err := c.models.GenerateContent(ctx, p.Model, p.Contents, p.Config)
	if err != nil {
		return providers.ImageResult{}, mapError(err)
	}
	return firstImage(resp)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: no candidates in gemini response", providers.ErrMalformedResponse)
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

func firstImage(resp *genai.GenerateContentResponse) (providers.ImageResult, error) {
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return providers.ImageResult{
				MIMEType: part.InlineData.MIMEType,
				Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
			}, nil
		}
	}
	return providers.ImageResult{}, providers.ErrImageMissing
}

// mapError turns SDK API errors into StatusError so classification does not
// depend on the SDK's message format.
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.StatusError{Provider: providerName, StatusCode: apiErr.Code, Status: apiErr.Status, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &providers.StatusError{Provider: providerName, StatusCode: apiErrPtr.Code, Status: apiErrPtr.Status, Body: apiErrPtr.Message}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
