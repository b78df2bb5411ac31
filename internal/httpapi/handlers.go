package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"companion/internal/chat"
	"companion/internal/companion"
)

const imagesScope = "images"

type textReply struct {
	Text string `json:"text"`
}

type botResponseRequest struct {
	History []chat.Turn          `json:"history"`
	Bot     companion.BotProfile `json:"bot"`
	Model   string               `json:"model" validate:"required"`
}

type suggestionRequest struct {
	History     []chat.Turn `json:"history"`
	Personality string      `json:"personality"`
	Model       string      `json:"model" validate:"required"`
}

type descriptionRequest struct {
	Personality string `json:"personality" validate:"required,max=20000"`
}

type scenarioRequest struct {
	Personalities []string `json:"personalities"`
}

type storyRequest struct {
	Characters []companion.StoryCharacter `json:"characters" validate:"required,min=1,dive"`
	OtherNames []string                   `json:"other_names"`
	Scenario   string                     `json:"scenario"`
	Model      string                     `json:"model"`
}

type codePromptRequest struct {
	Task     string `json:"task" validate:"required,max=20000"`
	Language string `json:"language"`
}

type imageRequest struct {
	Prompt      string  `json:"prompt" validate:"required,max=10000"`
	SourceImage *string `json:"source_image"`
}

type modelView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Family      string `json:"family"`
	Aggregated  bool   `json:"aggregated"`
	Image       bool   `json:"image"`
	Fallback    string `json:"fallback,omitempty"`
}

func (s *Server) botResponse(w http.ResponseWriter, r *http.Request) {
	var req botResponseRequest
	if !s.decode(w, r, &req) || !validHistory(w, req.History) || !s.charge(w, r) {
		return
	}
	text := s.cfg.Generator.GenerateBotResponse(r.Context(), req.History, req.Bot, req.Model)
	writeJSON(w, http.StatusOK, textReply{Text: text})
}

func (s *Server) suggestion(w http.ResponseWriter, r *http.Request) {
	var req suggestionRequest
	if !s.decode(w, r, &req) || !validHistory(w, req.History) || !s.charge(w, r) {
		return
	}
	text := s.cfg.Generator.GenerateUserResponseSuggestion(r.Context(), req.History, req.Personality, req.Model)
	writeJSON(w, http.StatusOK, textReply{Text: text})
}

func (s *Server) description(w http.ResponseWriter, r *http.Request) {
	var req descriptionRequest
	if !s.decode(w, r, &req) || !s.charge(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, textReply{Text: s.cfg.Generator.GenerateDynamicDescription(r.Context(), req.Personality)})
}

func (s *Server) scenario(w http.ResponseWriter, r *http.Request) {
	var req scenarioRequest
	if !s.decode(w, r, &req) || !s.charge(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, textReply{Text: s.cfg.Generator.GenerateScenarioIdea(r.Context(), req.Personalities)})
}

func (s *Server) story(w http.ResponseWriter, r *http.Request) {
	var req storyRequest
	if !s.decode(w, r, &req) || !s.charge(w, r) {
		return
	}
	text := s.cfg.Generator.GenerateStory(r.Context(), req.Characters, req.OtherNames, req.Scenario, req.Model)
	writeJSON(w, http.StatusOK, textReply{Text: text})
}

func (s *Server) codePrompt(w http.ResponseWriter, r *http.Request) {
	var req codePromptRequest
	if !s.decode(w, r, &req) || !s.charge(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, textReply{Text: s.cfg.Generator.GenerateCodePrompt(r.Context(), req.Task, req.Language)})
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	var req imageRequest
	if !s.decode(w, r, &req) {
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && s.cfg.Idempotency != nil {
		first, err := s.cfg.Idempotency.Claim(r.Context(), imagesScope, key)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", ErrUnavailable, err), nil)
			return
		}
		if !first {
			writeError(w, fmt.Errorf("%w: idempotency key already used", ErrConflict), map[string]string{"idempotency_key": key})
			return
		}
	}

	release := func() {
		if key == "" || s.cfg.Idempotency == nil {
			return
		}
		if rerr := s.cfg.Idempotency.Release(r.Context(), imagesScope, key); rerr != nil {
			s.cfg.Logger.Error().Err(rerr).Str("idempotency_key", key).Msg("release idempotency key")
		}
	}
	if !s.charge(w, r) {
		release()
		return
	}

	img, err := s.cfg.Generator.GenerateImage(r.Context(), req.Prompt, req.SourceImage)
	if err != nil {
		release()
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (s *Server) models(w http.ResponseWriter, _ *http.Request) {
	profiles := s.cfg.Catalog.Models()
	out := make([]modelView, 0, len(profiles))
	for _, p := range profiles {
		fb, _ := s.cfg.Catalog.Fallback(p.ModelID)
		out = append(out, modelView{
			ID:          p.ModelID,
			DisplayName: p.DisplayName,
			Family:      string(p.Family),
			Aggregated:  p.Aggregated,
			Image:       p.Image,
			Fallback:    fb,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (s *Server) generations(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, fmt.Errorf("%w: generation log is not configured", ErrUnavailable), nil)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidArgument), map[string]string{"limit": v})
			return
		}
		limit = n
	}
	items, err := s.cfg.History.RecentGenerations(r.Context(), limit)
	if err != nil {
		writeError(w, fmt.Errorf("recent generations: %w", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"generations": items})
}

func (s *Server) generationStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, fmt.Errorf("%w: generation log is not configured", ErrUnavailable), nil)
		return
	}
	counts, err := s.cfg.History.OutcomeCounts(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("outcome counts: %w", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": counts})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Ping(r.Context()); err != nil {
			s.cfg.Logger.Error().Err(err).Msg("health check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// decode reads and validates a JSON body, writing the error reply itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Errorf("%w: body exceeds %d bytes", ErrInvalidArgument, tooLarge.Limit), nil)
			return false
		}
		writeError(w, fmt.Errorf("%w: invalid json", ErrInvalidArgument), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, fmt.Errorf("%w: validation failed", ErrInvalidArgument), verrs)
		return false
	}
	return true
}

func validHistory(w http.ResponseWriter, history []chat.Turn) bool {
	for i, t := range history {
		if !t.Sender.Valid() {
			writeError(w, fmt.Errorf("%w: unknown sender", ErrInvalidArgument), map[string]any{"index": i, "sender": t.Sender})
			return false
		}
	}
	return true
}
