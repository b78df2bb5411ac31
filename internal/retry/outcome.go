package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"companion/internal/providers"
)

// Outcome classifies a single transport attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeEmptyResponse
	OutcomeRateLimited
	OutcomeTransient
	OutcomeFatal
	OutcomeImageMissing
)

var ErrEmptyResponse = errors.New("provider returned an empty response")

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeEmptyResponse:
		return "empty_response"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeTransient:
		return "transient_error"
	case OutcomeFatal:
		return "fatal_error"
	case OutcomeImageMissing:
		return "image_missing"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) Retryable() bool {
	return o == OutcomeEmptyResponse || o == OutcomeRateLimited || o == OutcomeTransient
}

type Classifier func(err error) Outcome

var (
	rateLimitMarkers = []string{"quota exceeded", "resource_exhausted", "too many requests"}
	statusCode429    = regexp.MustCompile(`\b429\b`)
)

// Classify is the default classifier. Rules are checked in order and the
// first match wins.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrEmptyResponse) {
		return OutcomeEmptyResponse
	}
	if errors.Is(err, providers.ErrImageMissing) {
		return OutcomeImageMissing
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	if errors.Is(err, providers.ErrModelDisabled) {
		return OutcomeFatal
	}
	if isRateLimit(err) {
		return OutcomeRateLimited
	}
	var se *providers.StatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 500 {
			return OutcomeTransient
		}
		return OutcomeFatal
	}
	if errors.Is(err, providers.ErrMalformedResponse) {
		return OutcomeTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return OutcomeTransient
	}
	return OutcomeFatal
}

func isRateLimit(err error) bool {
	var se *providers.StatusError
	if errors.As(err, &se) && se.StatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return se == nil && statusCode429.MatchString(msg)
}

// Error is returned by the engine once it stops retrying.
type Error struct {
	Model    string
	Outcome  Outcome
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Model, e.Outcome, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// OutcomeOf reports the classified outcome carried by err, classifying it
// with the default rules when it did not come from the engine.
func OutcomeOf(err error) Outcome {
	var re *Error
	if errors.As(err, &re) {
		return re.Outcome
	}
	return Classify(err)
}
