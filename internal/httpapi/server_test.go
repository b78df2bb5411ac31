package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"companion/internal/chat"
	"companion/internal/companion"
	"companion/internal/providers"
	"companion/internal/providers/catalog"
	"companion/internal/quota"
	"companion/internal/retry"
	"companion/internal/storage"
)

type fakeGenerator struct {
	mu        sync.Mutex
	history   []chat.Turn
	bot       companion.BotProfile
	model     string
	imageErr  error
	imageHits int
}

func (f *fakeGenerator) GenerateBotResponse(_ context.Context, history []chat.Turn, bot companion.BotProfile, model string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history, f.bot, f.model = history, bot, model
	return "hello there"
}

func (f *fakeGenerator) GenerateUserResponseSuggestion(context.Context, []chat.Turn, string, string) string {
	return "hi there"
}

func (f *fakeGenerator) GenerateDynamicDescription(context.Context, string) string { return "desc" }

func (f *fakeGenerator) GenerateScenarioIdea(context.Context, []string) string { return "scenario" }

func (f *fakeGenerator) GenerateStory(context.Context, []companion.StoryCharacter, []string, string, string) string {
	return "story"
}

func (f *fakeGenerator) GenerateCodePrompt(context.Context, string, string) string { return "prompt" }

func (f *fakeGenerator) GenerateImage(context.Context, string, *string) (providers.ImageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageHits++
	if f.imageErr != nil {
		return providers.ImageResult{}, f.imageErr
	}
	return providers.ImageResult{MIMEType: "image/png", Data: "Y2F0"}, nil
}

type memoryHistory []storage.Generation

func (m memoryHistory) RecentGenerations(_ context.Context, limit int) ([]storage.Generation, error) {
	if limit < len(m) {
		return m[:limit], nil
	}
	return m, nil
}

func (m memoryHistory) OutcomeCounts(context.Context) ([]storage.OutcomeCount, error) {
	counts := map[[2]string]int64{}
	var order [][2]string
	for _, g := range m {
		k := [2]string{g.Operation, g.Outcome}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}
	out := make([]storage.OutcomeCount, 0, len(order))
	for _, k := range order {
		out = append(out, storage.OutcomeCount{Operation: k[0], Outcome: k[1], Count: counts[k]})
	}
	return out, nil
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestServer(t *testing.T, gen *fakeGenerator, mutate func(*Config)) http.Handler {
	t.Helper()
	cfg := Config{
		Generator: gen,
		Catalog:   catalog.Default(),
		Logger:    zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, rec.Body.String())
	}
	return env.Error
}

func TestBotResponse(t *testing.T) {
	gen := &fakeGenerator{}
	h := newTestServer(t, gen, nil)
	body := `{"history":[{"id":"1","text":"hi","sender":"user","timestamp":1}],"bot":{"personality":"curious robot","mode":"alternate"},"model":"gemini-2.5-pro"}`

	rec := do(t, h, http.MethodPost, "/v1/bot-response", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var reply textReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil || reply.Text != "hello there" {
		t.Fatalf("unexpected reply %s", rec.Body.String())
	}
	if gen.model != "gemini-2.5-pro" || gen.bot.Mode != companion.ModeAlternate || len(gen.history) != 1 || gen.history[0].Sender != chat.SenderUser {
		t.Fatalf("request not passed through: %+v %+v", gen.bot, gen.history)
	}
}

func TestBotResponseValidation(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, nil)

	rec := do(t, h, http.MethodPost, "/v1/bot-response", `{"history":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	apiErr := decodeError(t, rec)
	if apiErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected error code %q", apiErr.Code)
	}
	details, _ := apiErr.Details.(map[string]any)
	if details["model"] != "required" {
		t.Fatalf("expected model validation detail, got %#v", apiErr.Details)
	}

	rec = do(t, h, http.MethodPost, "/v1/bot-response", `{"history":[{"text":"x","sender":"narrator"}],"model":"m"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown sender, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/bot-response", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %d", rec.Code)
	}
}

func TestUtilityEndpoints(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, nil)
	cases := []struct {
		path, body, want string
	}{
		{"/v1/suggestion", `{"history":[],"personality":"p","model":"m"}`, "hi there"},
		{"/v1/description", `{"personality":"a knight"}`, "desc"},
		{"/v1/scenario", `{}`, "scenario"},
		{"/v1/story", `{"characters":[{"name":"Ann"}],"scenario":"heist"}`, "story"},
		{"/v1/code-prompt", `{"task":"parse csv","language":"go"}`, "prompt"},
	}
	for _, c := range cases {
		rec := do(t, h, http.MethodPost, c.path, c.body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", c.path, rec.Code, rec.Body.String())
		}
		var reply textReply
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil || reply.Text != c.want {
			t.Fatalf("%s: unexpected reply %s", c.path, rec.Body.String())
		}
	}

	rec := do(t, h, http.MethodPost, "/v1/story", `{"characters":[{"personality":"nameless"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected character name to be required, got %d", rec.Code)
	}
}

func TestImageIdempotency(t *testing.T) {
	gen := &fakeGenerator{}
	idem := quota.NewIdempotency(newRedis(t), time.Hour)
	h := newTestServer(t, gen, func(c *Config) { c.Idempotency = idem })
	headers := map[string]string{"Idempotency-Key": "req-1"}

	rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"draw a cat"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var img providers.ImageResult
	if err := json.Unmarshal(rec.Body.Bytes(), &img); err != nil || img.Data != "Y2F0" || img.MIMEType != "image/png" {
		t.Fatalf("unexpected image reply %s", rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/v1/images", `{"prompt":"draw a cat"}`, headers)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != "CONFLICT" {
		t.Fatalf("expected 409 on repeated key, got %d", rec.Code)
	}
	if gen.imageHits != 1 {
		t.Fatalf("repeated key must not generate again, got %d generations", gen.imageHits)
	}
}

func TestImageFailureReleasesKey(t *testing.T) {
	gen := &fakeGenerator{imageErr: &retry.Error{Model: "img", Outcome: retry.OutcomeImageMissing, Attempts: 1, Err: providers.ErrImageMissing}}
	idem := quota.NewIdempotency(newRedis(t), time.Hour)
	h := newTestServer(t, gen, func(c *Config) { c.Idempotency = idem })
	headers := map[string]string{"Idempotency-Key": "req-2"}

	rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"draw a cat"}`, headers)
	if rec.Code != http.StatusBadGateway || decodeError(t, rec).Code != "IMAGE_MISSING" {
		t.Fatalf("expected 502 IMAGE_MISSING, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/v1/images", `{"prompt":"draw a cat"}`, headers)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("failed request must be retryable with the same key, got %d", rec.Code)
	}
	if gen.imageHits != 2 {
		t.Fatalf("expected two generations, got %d", gen.imageHits)
	}
}

func TestImageInvalidSource(t *testing.T) {
	gen := &fakeGenerator{imageErr: providers.ErrInvalidImage}
	h := newTestServer(t, gen, nil)
	rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"edit","source_image":"data:text/plain;base64,aGk="}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQuotaExceeded(t *testing.T) {
	limiter := quota.NewLimiter(newRedis(t), 1)
	h := newTestServer(t, &fakeGenerator{}, func(c *Config) { c.Quota = limiter })
	headers := map[string]string{headerClientID: "browser-1"}

	if rec := do(t, h, http.MethodPost, "/v1/description", `{"personality":"p"}`, headers); rec.Code != http.StatusOK {
		t.Fatalf("first request must pass, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/v1/description", `{"personality":"p"}`, headers)
	if rec.Code != http.StatusTooManyRequests || decodeError(t, rec).Code != "RATE_LIMITED" {
		t.Fatalf("expected 429 RATE_LIMITED, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	other := do(t, h, http.MethodPost, "/v1/description", `{"personality":"p"}`, map[string]string{headerClientID: "browser-2"})
	if other.Code != http.StatusOK {
		t.Fatalf("other clients keep their own quota, got %d", other.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/models", "", headers); rec.Code != http.StatusOK {
		t.Fatalf("read endpoints are not metered, got %d", rec.Code)
	}
}

func TestQuotaChargedOnlyForAcceptedRequests(t *testing.T) {
	limiter := quota.NewLimiter(newRedis(t), 1)
	idem := quota.NewIdempotency(newRedis(t), time.Hour)
	gen := &fakeGenerator{}
	h := newTestServer(t, gen, func(c *Config) {
		c.Quota = limiter
		c.Idempotency = idem
	})
	headers := map[string]string{headerClientID: "browser-3"}

	if rec := do(t, h, http.MethodPost, "/v1/description", `{}`, headers); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing personality, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/v1/description", `not json`, headers); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rec.Code)
	}

	if _, err := idem.Claim(context.Background(), imagesScope, "taken"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	dup := map[string]string{headerClientID: "browser-3", "Idempotency-Key": "taken"}
	if rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"draw a cat"}`, dup); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a used key, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/v1/description", `{"personality":"p"}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("rejected requests must not use the quota, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Quota-Used") != "1" {
		t.Fatalf("expected one charged generation, got %q", rec.Header().Get("X-Quota-Used"))
	}
}

func TestQuotaRejectionReleasesImageKey(t *testing.T) {
	limiter := quota.NewLimiter(newRedis(t), 1)
	idem := quota.NewIdempotency(newRedis(t), time.Hour)
	gen := &fakeGenerator{}
	h := newTestServer(t, gen, func(c *Config) {
		c.Quota = limiter
		c.Idempotency = idem
	})

	if rec := do(t, h, http.MethodPost, "/v1/description", `{"personality":"p"}`, map[string]string{headerClientID: "browser-4"}); rec.Code != http.StatusOK {
		t.Fatalf("first request must pass, got %d", rec.Code)
	}
	headers := map[string]string{headerClientID: "browser-4", "Idempotency-Key": "req-9"}
	if rec := do(t, h, http.MethodPost, "/v1/images", `{"prompt":"draw a cat"}`, headers); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if gen.imageHits != 0 {
		t.Fatalf("rejected request must not generate, got %d", gen.imageHits)
	}
	first, err := idem.Claim(context.Background(), imagesScope, "req-9")
	if err != nil || !first {
		t.Fatalf("key must be free again after a quota rejection, first=%v err=%v", first, err)
	}
}

func TestModels(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, nil)
	rec := do(t, h, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Models []modelView `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	found := false
	for _, m := range body.Models {
		if m.ID == "gemini-2.5-pro" {
			found = m.Fallback == "gemini-2.5-flash" && m.Family == "gemini"
		}
	}
	if !found {
		t.Fatalf("expected gemini-2.5-pro with its fallback, got %+v", body.Models)
	}
}

func TestGenerations(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, nil)
	if rec := do(t, h, http.MethodGet, "/v1/generations", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a generation log, got %d", rec.Code)
	}

	history := memoryHistory{{ID: "a", Operation: "bot_response"}, {ID: "b", Operation: "image"}}
	h = newTestServer(t, &fakeGenerator{}, func(c *Config) { c.History = history })
	rec := do(t, h, http.MethodGet, "/v1/generations?limit=1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Generations []storage.Generation `json:"generations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || len(body.Generations) != 1 || body.Generations[0].ID != "a" {
		t.Fatalf("unexpected generations %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/v1/generations?limit=zero", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestGenerationStats(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, nil)
	if rec := do(t, h, http.MethodGet, "/v1/generations/stats", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a generation log, got %d", rec.Code)
	}

	history := memoryHistory{
		{ID: "a", Operation: "bot_response", Outcome: "success"},
		{ID: "b", Operation: "bot_response", Outcome: "success"},
		{ID: "c", Operation: "image", Outcome: "image_missing"},
	}
	h = newTestServer(t, &fakeGenerator{}, func(c *Config) { c.History = history })
	rec := do(t, h, http.MethodGet, "/v1/generations/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Outcomes []storage.OutcomeCount `json:"outcomes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Outcomes) != 2 || body.Outcomes[0].Count != 2 || body.Outcomes[1].Outcome != "image_missing" {
		t.Fatalf("unexpected outcomes %s", rec.Body.String())
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	h := newTestServer(t, &fakeGenerator{}, nil)
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}

	down := pingFunc(func(context.Context) error { return errors.New("database is closed") })
	h = newTestServer(t, &fakeGenerator{}, func(c *Config) { c.Health = down })
	if rec := do(t, h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the store is unreachable, got %d", rec.Code)
	}
}

func TestParseOrigins(t *testing.T) {
	if got := ParseOrigins(""); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard, got %v", got)
	}
	if got := ParseOrigins(" https://a.test , ,https://b.test"); len(got) != 2 || got[1] != "https://b.test" {
		t.Fatalf("unexpected origins %v", got)
	}
}
