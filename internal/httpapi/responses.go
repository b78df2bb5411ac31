package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"companion/internal/providers"
	"companion/internal/retry"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("unavailable")
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, providers.ErrInvalidImage):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, providers.ErrUnknownModel):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, ErrUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UNAVAILABLE"
	default:
		switch retry.OutcomeOf(err) {
		case retry.OutcomeImageMissing:
			code = http.StatusBadGateway
			codeStr = "IMAGE_MISSING"
		case retry.OutcomeRateLimited:
			code = http.StatusServiceUnavailable
			codeStr = "UPSTREAM_RATE_LIMIT"
		case retry.OutcomeTransient, retry.OutcomeEmptyResponse:
			code = http.StatusBadGateway
			codeStr = "UPSTREAM_ERROR"
		}
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
