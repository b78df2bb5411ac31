package gemini

import (
	"strings"

	"google.golang.org/genai"

	"companion/internal/chat"
	"companion/internal/providers"
)

const (
	roleUser  = "user"
	roleModel = "model"

	// placeholderTurn stands in for an empty history; the API needs at least
	// one conversational turn next to the system instruction.
	placeholderTurn = "Hello!"
)

// directives are appended after the persona so identity comes first.
const directives = `You are playing the character described above in an ongoing, unscripted roleplay chat.
- Stay in character at all times. Never mention that you are an AI, a language model or an assistant, and never step outside the story to comment on it.
- Speak and react the way this character would, with their own opinions, moods and voice. Do not lecture the user or summarise the conversation.
- Write actions and descriptions in *asterisks* and dialogue as plain text.
- Keep replies conversational: usually one to three short paragraphs, never a list or a heading.
- Do not repeat earlier replies word for word and do not speak or act for the user.`

type Payload struct {
	Model    string
	Contents []*genai.Content
	Config   *genai.GenerateContentConfig
}

func SystemInstruction(personality string) string {
	return strings.TrimSpace(personality) + "\n\n" + directives
}

func BuildContents(history []chat.Turn) []*genai.Content {
	if len(history) == 0 {
		return []*genai.Content{textContent(roleUser, placeholderTurn)}
	}
	out := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		role := roleUser
		if t.Sender == chat.SenderBot {
			role = roleModel
		}
		out = append(out, textContent(role, t.Text))
	}
	return out
}

// BuildPayload is pure: the same inputs always produce an equal, freshly
// allocated payload.
func BuildPayload(model, personality string, history []chat.Turn, params providers.Params) Payload {
	return payload(model, SystemInstruction(personality), history, params)
}

// BuildTemplatePayload sends instruction as is. Utility prompts use it; they
// are not roleplay.
func BuildTemplatePayload(model, instruction string, history []chat.Turn, params providers.Params) Payload {
	return payload(model, strings.TrimSpace(instruction), history, params)
}

func payload(model, instruction string, history []chat.Turn, params providers.Params) Payload {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: instruction}}},
	}
	applyParams(cfg, params)
	return Payload{
		Model:    model,
		Contents: BuildContents(history),
		Config:   cfg,
	}
}

func buildImagePayload(req providers.ImageRequest) Payload {
	parts := make([]*genai.Part, 0, 2)
	if req.Source != nil {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: req.Source.MIMEType, Data: req.Source.Data}})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})
	return Payload{
		Model:    req.Model,
		Contents: []*genai.Content{{Role: roleUser, Parts: parts}},
		Config: &genai.GenerateContentConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
		},
	}
}

func applyParams(cfg *genai.GenerateContentConfig, p providers.Params) {
	if p.Temperature > 0 {
		cfg.Temperature = float32Ptr(p.Temperature)
	}
	if p.TopP > 0 {
		cfg.TopP = float32Ptr(p.TopP)
	}
	if p.TopK > 0 {
		cfg.TopK = float32Ptr(float64(p.TopK))
	}
	if p.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxOutputTokens)
	}
}

func textContent(role, text string) *genai.Content {
	return &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}}
}

func float32Ptr(v float64) *float32 {
	f := float32(v)
	return &f
}
