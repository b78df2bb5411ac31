package companion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/chat"
	"companion/internal/providers"
	"companion/internal/retry"
	"companion/internal/router"
	"companion/internal/storage"
)

const testAttempts = 4

type stubProvider struct {
	mu      sync.Mutex
	calls   map[string]int
	systems []string
	raw     []bool
	respond func(model string) (string, error)
}

func (s *stubProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	s.mu.Lock()
	s.calls[req.Model]++
	s.systems = append(s.systems, req.SystemPrompt)
	s.raw = append(s.raw, req.RawSystemPrompt)
	s.mu.Unlock()
	text, err := s.respond(req.Model)
	return providers.ChatResponse{Text: text}, err
}

type stubImages struct {
	result providers.ImageResult
	err    error
	last   providers.ImageRequest
}

func (s *stubImages) GenerateImage(_ context.Context, req providers.ImageRequest) (providers.ImageResult, error) {
	s.last = req
	return s.result, s.err
}

type stubResolver struct {
	profiles map[string]providers.Profile
	edges    map[string]string
	chat     *stubProvider
	images   *stubImages
}

func (r *stubResolver) Resolve(_ context.Context, id string) (providers.Profile, providers.Provider, error) {
	p, ok := r.profiles[id]
	if !ok {
		return providers.Profile{}, nil, fmt.Errorf("%w: %s", providers.ErrUnknownModel, id)
	}
	return p, r.chat, nil
}

func (r *stubResolver) ResolveImage(_ context.Context, id string) (providers.Profile, providers.ImageProvider, error) {
	p, ok := r.profiles[id]
	if !ok || r.images == nil {
		return providers.Profile{}, nil, fmt.Errorf("%w: %s", providers.ErrUnknownModel, id)
	}
	return p, r.images, nil
}

func (r *stubResolver) Fallback(id string) (string, bool) {
	to, ok := r.edges[id]
	return to, ok
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []storage.Generation
}

func (m *memoryRecorder) LogGeneration(_ context.Context, g storage.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, g)
	return nil
}

func testResponder(model string) (string, error) {
	switch model {
	case "primary-ok", "always-ok", "utility":
		return "hello there", nil
	case "always-429", "limited", "chain-429":
		return "", &providers.StatusError{Provider: "gemini", StatusCode: 429, Status: "RESOURCE_EXHAUSTED"}
	case "always-500", "utility-down":
		return "", &providers.StatusError{Provider: "gemini", StatusCode: 500}
	case "quoted":
		return `hi "there"`, nil
	case "agg":
		return "", &providers.StatusError{Provider: "openrouter", StatusCode: 402, Body: "Insufficient credits"}
	}
	return "", errors.New("unexpected model " + model)
}

type harness struct {
	svc      *Service
	chat     *stubProvider
	images   *stubImages
	recorder *memoryRecorder
}

func newHarness(t *testing.T, aug Augmenter, utilityModel string) *harness {
	t.Helper()
	gem := func(id string) providers.Profile {
		return providers.Profile{ModelID: id, DisplayName: id, Family: providers.FamilyGemini, KeySource: "env:K"}
	}
	res := &stubResolver{
		profiles: map[string]providers.Profile{
			"primary-ok":   gem("primary-ok"),
			"always-ok":    gem("always-ok"),
			"always-429":   gem("always-429"),
			"always-500":   gem("always-500"),
			"limited":      gem("limited"),
			"chain-429":    gem("chain-429"),
			"quoted":       gem("quoted"),
			"utility":      gem("utility"),
			"utility-down": gem("utility-down"),
			"img":          gem("img"),
			"agg":          {ModelID: "agg", DisplayName: "Llama 4 Maverick", Family: providers.FamilyOpenAICompat, Aggregated: true},
		},
		edges:  map[string]string{"always-429": "always-ok", "chain-429": "always-500"},
		chat:   &stubProvider{calls: map[string]int{}, respond: testResponder},
		images: &stubImages{},
	}
	r := router.New(router.Config{
		Resolver: res,
		Engine: retry.New(retry.Config{
			Attempts: testAttempts,
			Sleep:    func(context.Context, time.Duration) error { return nil },
			Logger:   zerolog.Nop(),
		}),
		Logger: zerolog.Nop(),
	})
	rec := &memoryRecorder{}
	svc, err := New(Config{
		Router:       r,
		Augmenter:    aug,
		Recorder:     rec,
		Logger:       zerolog.Nop(),
		UtilityModel: utilityModel,
		ImageModel:   "img",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{svc: svc, chat: res.chat, images: res.images, recorder: rec}
}

func TestGenerateBotResponseRoundTrip(t *testing.T) {
	h := newHarness(t, nil, "utility")
	history := []chat.Turn{{ID: "1", Text: "hi", Sender: chat.SenderUser}}

	got := h.svc.GenerateBotResponse(context.Background(), history, BotProfile{Personality: "curious robot"}, "primary-ok")
	if got != "hello there" {
		t.Fatalf("expected provider text, got %q", got)
	}
	if h.chat.calls["primary-ok"] != 1 {
		t.Fatalf("expected no retries, got %d calls", h.chat.calls["primary-ok"])
	}
	if !strings.HasPrefix(h.chat.systems[0], "curious robot") {
		t.Fatalf("system prompt should start with the personality, got %q", h.chat.systems[0])
	}
	if len(h.recorder.entries) != 1 || h.recorder.entries[0].Outcome != "success" || h.recorder.entries[0].ID == "" {
		t.Fatalf("unexpected generation log %+v", h.recorder.entries)
	}
}

func TestGenerateBotResponseFallsBack(t *testing.T) {
	h := newHarness(t, nil, "utility")
	got := h.svc.GenerateBotResponse(context.Background(), nil, BotProfile{Personality: "p"}, "always-429")
	if got != "hello there" {
		t.Fatalf("expected fallback text, got %q", got)
	}
	if h.chat.calls["always-429"] != testAttempts {
		t.Fatalf("expected %d primary attempts, got %d", testAttempts, h.chat.calls["always-429"])
	}
	g := h.recorder.entries[0]
	if !g.Fallback || g.ServedModel != "always-ok" || g.RequestedModel != "always-429" {
		t.Fatalf("unexpected generation log %+v", g)
	}
}

func TestGenerateBotResponseFailureStrings(t *testing.T) {
	h := newHarness(t, nil, "utility")
	ctx := context.Background()

	if got := h.svc.GenerateBotResponse(ctx, nil, BotProfile{Personality: "p"}, "always-500"); got != MsgBusy {
		t.Fatalf("expected busy message, got %q", got)
	}
	if got := h.svc.GenerateBotResponse(ctx, nil, BotProfile{Personality: "p"}, "missing-model"); got != MsgBusy {
		t.Fatalf("expected busy message for unknown model, got %q", got)
	}
	if got := h.svc.GenerateBotResponse(ctx, nil, BotProfile{Personality: "p"}, "agg"); got != "Llama 4 Maverick request failed: HTTP 402: Insufficient credits" {
		t.Fatalf("expected aggregator message verbatim, got %q", got)
	}
	if h.chat.calls["agg"] != 1 {
		t.Fatalf("aggregated model must be called once, got %d", h.chat.calls["agg"])
	}
}

func TestGenerateBotResponseRateLimitedMessage(t *testing.T) {
	h := newHarness(t, nil, "utility")
	if got := h.svc.GenerateBotResponse(context.Background(), nil, BotProfile{Personality: "p"}, "limited"); got != MsgHighTraffic {
		t.Fatalf("expected high traffic message, got %q", got)
	}
	if h.chat.calls["limited"] != testAttempts {
		t.Fatalf("expected the full attempt budget, got %d", h.chat.calls["limited"])
	}
}

func TestGenerateBotResponseExhaustedFallbackIsBusy(t *testing.T) {
	h := newHarness(t, nil, "utility")
	got := h.svc.GenerateBotResponse(context.Background(), nil, BotProfile{Personality: "p"}, "chain-429")
	if got != MsgBusy {
		t.Fatalf("expected busy message once the fallback failed too, got %q", got)
	}
	if h.chat.calls["chain-429"] != testAttempts || h.chat.calls["always-500"] != testAttempts {
		t.Fatalf("expected both models to use their attempt budget, got %v", h.chat.calls)
	}
	if g := h.recorder.entries[0]; !g.Fallback || g.ServedModel != "always-500" {
		t.Fatalf("unexpected generation log %+v", g)
	}
}

func TestOnlyBotResponsesUseTheRoleplayFrame(t *testing.T) {
	h := newHarness(t, nil, "utility")
	ctx := context.Background()
	h.svc.GenerateBotResponse(ctx, nil, BotProfile{Personality: "p"}, "primary-ok")
	h.svc.GenerateCodePrompt(ctx, "parse csv", "go")
	h.svc.GenerateUserResponseSuggestion(ctx, nil, "p", "utility")

	want := []bool{false, true, true}
	if len(h.chat.raw) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(h.chat.raw))
	}
	for i := range want {
		if h.chat.raw[i] != want[i] {
			t.Fatalf("request %d: expected raw system prompt %v, got %v", i, want[i], h.chat.raw[i])
		}
	}
	if h.chat.systems[1] != codePromptSystem {
		t.Fatalf("code prompt must carry its own template, got %q", h.chat.systems[1])
	}
}

func TestAugmenterReceivesProfile(t *testing.T) {
	var gotLast, gotBase, gotAttr string
	var gotMode Mode
	var gotLen int
	aug := AugmenterFunc(func(history []chat.Turn, last, base string, mode Mode, attr string) string {
		gotLen, gotLast, gotBase, gotMode, gotAttr = len(history), last, base, mode, attr
		return "augmented persona"
	})
	h := newHarness(t, aug, "utility")
	history := []chat.Turn{
		{Text: "first", Sender: chat.SenderUser},
		{Text: "reply", Sender: chat.SenderBot},
		{Text: "second", Sender: chat.SenderUser},
		{Text: "trailing bot", Sender: chat.SenderBot},
	}
	h.svc.GenerateBotResponse(context.Background(), history, BotProfile{Personality: "base", Mode: "weird"}, "primary-ok")

	if gotLen != 4 || gotLast != "second" || gotBase != "base" || gotMode != ModeDefault || gotAttr != AttributeUnspecified {
		t.Fatalf("unexpected augmenter input: len=%d last=%q base=%q mode=%q attr=%q", gotLen, gotLast, gotBase, gotMode, gotAttr)
	}
	if h.chat.systems[0] != "augmented persona" {
		t.Fatalf("augmented personality was not used, got %q", h.chat.systems[0])
	}
}

func TestDefaultAugmenter(t *testing.T) {
	if got := DefaultAugmenter.Augment(nil, "", " robot ", ModeDefault, AttributeUnspecified); got != "robot" {
		t.Fatalf("unexpected default augmentation %q", got)
	}
	got := DefaultAugmenter.Augment(nil, "", "robot", ModeAlternate, "sarcastic")
	if !strings.HasPrefix(got, "robot\n\n") || !strings.Contains(got, alternateTone) || !strings.HasSuffix(got, "Persona attribute: sarcastic.") {
		t.Fatalf("unexpected alternate augmentation %q", got)
	}
}

func TestSuggestionStripsQuotes(t *testing.T) {
	h := newHarness(t, nil, "utility")
	got := h.svc.GenerateUserResponseSuggestion(context.Background(), []chat.Turn{{Text: "hey", Sender: chat.SenderBot}}, "pirate", "quoted")
	if got != "hi there" {
		t.Fatalf("expected quotes stripped, got %q", got)
	}
	if h.chat.systems[0] != suggestionSystem {
		t.Fatalf("suggestion must use its own system prompt")
	}
	if got := h.svc.GenerateUserResponseSuggestion(context.Background(), nil, "pirate", "always-500"); got != "" {
		t.Fatalf("expected empty suggestion on failure, got %q", got)
	}
}

func TestUtilitiesReturnFixedStringsOnFailure(t *testing.T) {
	h := newHarness(t, nil, "utility-down")
	ctx := context.Background()
	cases := []struct {
		got, want string
	}{
		{h.svc.GenerateDynamicDescription(ctx, "a knight"), FallbackDescription},
		{h.svc.GenerateScenarioIdea(ctx, nil), FallbackScenario},
		{h.svc.GenerateStory(ctx, []StoryCharacter{{Name: "Ann"}}, nil, "a heist", "utility-down"), FallbackStory},
		{h.svc.GenerateCodePrompt(ctx, "parse csv", "go"), FallbackCodePrompt},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("expected %q, got %q", c.want, c.got)
		}
	}
}

func TestUtilitiesReturnText(t *testing.T) {
	h := newHarness(t, nil, "utility")
	ctx := context.Background()
	if got := h.svc.GenerateDynamicDescription(ctx, "a knight"); got != "hello there" {
		t.Fatalf("unexpected description %q", got)
	}
	if got := h.svc.GenerateStory(ctx, []StoryCharacter{{Name: "Ann", Personality: "brave"}}, []string{"Bob"}, "a heist", ""); got != "hello there" {
		t.Fatalf("unexpected story %q", got)
	}
	if h.chat.calls["utility"] != 2 {
		t.Fatalf("expected utility model calls, got %v", h.chat.calls)
	}
}

func TestGenerateImage(t *testing.T) {
	h := newHarness(t, nil, "utility")
	h.images.result = providers.ImageResult{MIMEType: "image/png", Data: "Y2F0"}

	img, err := h.svc.GenerateImage(context.Background(), "draw a cat", nil)
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if img.Data != "Y2F0" || h.images.last.Prompt != "draw a cat" || h.images.last.Source != nil {
		t.Fatalf("unexpected image %+v request %+v", img, h.images.last)
	}
}

func TestGenerateImageMissing(t *testing.T) {
	h := newHarness(t, nil, "utility")
	h.images.err = providers.ErrImageMissing

	_, err := h.svc.GenerateImage(context.Background(), "draw a cat", nil)
	if retry.OutcomeOf(err) != retry.OutcomeImageMissing {
		t.Fatalf("expected image missing outcome, got %v", err)
	}
	last := h.recorder.entries[len(h.recorder.entries)-1]
	if last.Operation != OpImage || last.Outcome != "image_missing" {
		t.Fatalf("unexpected generation log %+v", last)
	}
}

func TestGenerateImageRejectsBadSource(t *testing.T) {
	h := newHarness(t, nil, "utility")
	bad := "data:text/plain;base64,aGVsbG8="
	if _, err := h.svc.GenerateImage(context.Background(), "edit", &bad); err == nil {
		t.Fatalf("expected source image error")
	}
}

func TestNewRequiresRouterAndUtilityModel(t *testing.T) {
	if _, err := New(Config{UtilityModel: "x"}); err == nil {
		t.Fatalf("expected router error")
	}
	if _, err := New(Config{Router: router.New(router.Config{Resolver: &stubResolver{}, Logger: zerolog.Nop()})}); err == nil {
		t.Fatalf("expected utility model error")
	}
}
