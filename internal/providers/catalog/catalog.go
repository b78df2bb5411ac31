package catalog

import (
	"errors"
	"fmt"
	"sort"

	"companion/internal/providers"
)

var (
	ErrDuplicateModel = errors.New("duplicate model id")
	ErrSelfFallback   = errors.New("model falls back to itself")
)

const (
	geminiEndpoint     = "https://generativelanguage.googleapis.com"
	openRouterEndpoint = "https://openrouter.ai/api/v1"

	geminiKey     = "env:GEMINI_API_KEY"
	openRouterKey = "env:OPENROUTER_API_KEY"
)

var chatDefaults = providers.Params{Temperature: 0.9, TopP: 0.95, TopK: 40, MaxOutputTokens: 2048}

// Catalog is the read-only table of selectable models and their one-hop
// fallbacks. It is safe for concurrent use because it is never written after
// New returns.
type Catalog struct {
	profiles map[string]providers.Profile
	fallback map[string]string
	order    []string
}

func New(profiles []providers.Profile, edges []providers.FallbackEdge) (*Catalog, error) {
	c := &Catalog{
		profiles: make(map[string]providers.Profile, len(profiles)),
		fallback: make(map[string]string, len(edges)),
	}
	for _, p := range profiles {
		if p.ModelID == "" {
			return nil, fmt.Errorf("profile %q: model id is empty", p.DisplayName)
		}
		if _, ok := c.profiles[p.ModelID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, p.ModelID)
		}
		if p.DisplayName == "" {
			p.DisplayName = p.ModelID
		}
		c.profiles[p.ModelID] = p
		c.order = append(c.order, p.ModelID)
	}
	for _, e := range edges {
		if e.From == e.To {
			return nil, fmt.Errorf("%w: %s", ErrSelfFallback, e.From)
		}
		if _, ok := c.profiles[e.From]; !ok {
			return nil, fmt.Errorf("fallback from %q: %w", e.From, providers.ErrUnknownModel)
		}
		if _, ok := c.profiles[e.To]; !ok {
			return nil, fmt.Errorf("fallback to %q: %w", e.To, providers.ErrUnknownModel)
		}
		if _, ok := c.fallback[e.From]; ok {
			return nil, fmt.Errorf("model %q has more than one fallback", e.From)
		}
		c.fallback[e.From] = e.To
	}
	return c, nil
}

func (c *Catalog) Profile(modelID string) (providers.Profile, error) {
	p, ok := c.profiles[modelID]
	if !ok {
		return providers.Profile{}, fmt.Errorf("%w: %q", providers.ErrUnknownModel, modelID)
	}
	return p, nil
}

// Fallback returns the substitute for modelID, if one is configured. Edges
// may chain in the table; callers take a single hop.
func (c *Catalog) Fallback(modelID string) (string, bool) {
	to, ok := c.fallback[modelID]
	return to, ok
}

// Models lists profiles in declaration order.
func (c *Catalog) Models() []providers.Profile {
	out := make([]providers.Profile, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.profiles[id])
	}
	return out
}

// KeySources returns the distinct key sources referenced by the catalog.
func (c *Catalog) KeySources() []string {
	seen := map[string]struct{}{}
	for _, p := range c.profiles {
		if p.KeySource != "" {
			seen[p.KeySource] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultProfiles is the built-in model table.
func DefaultProfiles() []providers.Profile {
	return []providers.Profile{
		{ModelID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro", Family: providers.FamilyGemini, Endpoint: geminiEndpoint, KeySource: geminiKey, Defaults: chatDefaults},
		{ModelID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash", Family: providers.FamilyGemini, Endpoint: geminiEndpoint, KeySource: geminiKey, Defaults: chatDefaults},
		{ModelID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Family: providers.FamilyGemini, Endpoint: geminiEndpoint, KeySource: geminiKey, Defaults: chatDefaults},
		{ModelID: "gemini-2.0-flash-preview-image-generation", DisplayName: "Gemini Image", Family: providers.FamilyGemini, Endpoint: geminiEndpoint, KeySource: geminiKey, Image: true},
		{ModelID: "deepseek/deepseek-chat-v3-0324:free", DisplayName: "DeepSeek V3", Family: providers.FamilyOpenAICompat, Endpoint: openRouterEndpoint, KeySource: openRouterKey, Aggregated: true, Defaults: providers.Params{Temperature: 0.9, TopP: 0.95, MaxOutputTokens: 2048}},
		{ModelID: "meta-llama/llama-4-maverick:free", DisplayName: "Llama 4 Maverick", Family: providers.FamilyOpenAICompat, Endpoint: openRouterEndpoint, KeySource: openRouterKey, Aggregated: true, Defaults: providers.Params{Temperature: 0.9, TopP: 0.95, MaxOutputTokens: 2048}},
		{ModelID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro (retired)", Family: providers.FamilyDisabled},
	}
}

func DefaultEdges() []providers.FallbackEdge {
	return []providers.FallbackEdge{
		{From: "gemini-2.5-pro", To: "gemini-2.5-flash"},
		{From: "gemini-2.5-flash", To: "gemini-2.0-flash"},
		{From: "gemini-1.5-pro", To: "gemini-2.0-flash"},
	}
}

// Default builds the built-in catalog. The tables are static, so a failure
// here is a programming error.
func Default() *Catalog {
	c, err := New(DefaultProfiles(), DefaultEdges())
	if err != nil {
		panic(err)
	}
	return c
}
