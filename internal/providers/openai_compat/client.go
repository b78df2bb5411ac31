package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"companion/internal/chat"
	"companion/internal/providers"
)

// greeting is appended when a request would otherwise carry no user turn.
const greeting = "Hello."

type Config struct {
	Name       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Name == "" {
		cfg.Name = "openai_compat"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// requestBody always carries every sampling field; a zero temperature is a
// deliberate choice, not an absent one.
type requestBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	TopP        float64   `json:"top_p"`
}

func BuildMessages(systemPrompt string, history []chat.Turn) []Message {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: systemPrompt})
	for _, t := range history {
		role := "user"
		if t.Sender == chat.SenderBot {
			role = "assistant"
		}
		messages = append(messages, Message{Role: role, Content: t.Text})
	}
	if len(messages) == 1 {
		messages = append(messages, Message{Role: "user", Content: greeting})
	}
	return messages
}

// Chat performs exactly one call; the body is rebuilt on every invocation.
func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	text, err := c.callOnce(ctx, endpointURL, body)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.ChatResponse{Text: text}, nil
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}
	b, err := json.Marshal(requestBody{
		Model:       req.Model,
		Messages:    BuildMessages(req.SystemPrompt, req.History),
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxOutputTokens,
		TopP:        req.Params.TopP,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read %s response body: %v", providers.ErrMalformedResponse, c.cfg.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &providers.StatusError{
			Provider:   c.cfg.Name,
			StatusCode: resp.StatusCode,
			Body:       errorMessage(respBody),
		}
	}
	return parseChatCompletions(respBody)
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode chat completion response: %v", providers.ErrMalformedResponse, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices in chat completion response", providers.ErrMalformedResponse)
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	// Empty content is returned as-is; the caller decides what an empty reply means.
	return anyToText(resp.Choices[0].Message.Content), nil
}

// errorMessage pulls the human readable message out of an error body,
// falling back to the raw (truncated) body.
func errorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if m := strings.TrimSpace(env.Error.Message); m != "" {
			return m
		}
		if m := strings.TrimSpace(env.Message); m != "" {
			return m
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}
