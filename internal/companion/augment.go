package companion

import (
	"strings"

	"companion/internal/chat"
)

type Mode string

const (
	ModeDefault   Mode = "default"
	ModeAlternate Mode = "alternate"

	AttributeUnspecified = "unspecified"
)

// BotProfile is the part of a bot definition the core needs.
type BotProfile struct {
	Personality string `json:"personality"`
	Mode        Mode   `json:"mode"`
	Attribute   string `json:"attribute"`
}

func (p BotProfile) normalized() BotProfile {
	if p.Mode != ModeAlternate {
		p.Mode = ModeDefault
	}
	p.Attribute = strings.TrimSpace(p.Attribute)
	if p.Attribute == "" {
		p.Attribute = AttributeUnspecified
	}
	return p
}

// Augmenter rewrites a bot's personality before it becomes the system
// prompt. Implementations must be pure: same inputs, same output.
type Augmenter interface {
	Augment(history []chat.Turn, lastUserText, basePersonality string, mode Mode, attribute string) string
}

type AugmenterFunc func(history []chat.Turn, lastUserText, basePersonality string, mode Mode, attribute string) string

func (f AugmenterFunc) Augment(history []chat.Turn, lastUserText, basePersonality string, mode Mode, attribute string) string {
	return f(history, lastUserText, basePersonality, mode, attribute)
}

const alternateTone = "For this reply, switch to your alternate tone: stay the same character, but let a different side of them show."

// DefaultAugmenter appends the tone and persona attribute to the
// personality. It ignores the history.
var DefaultAugmenter = AugmenterFunc(func(_ []chat.Turn, _ string, base string, mode Mode, attribute string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	if mode == ModeAlternate {
		b.WriteString("\n\n")
		b.WriteString(alternateTone)
	}
	if attribute != "" && attribute != AttributeUnspecified {
		b.WriteString("\n\nPersona attribute: ")
		b.WriteString(attribute)
		b.WriteString(".")
	}
	return b.String()
})
