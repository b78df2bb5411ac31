package storage

import "time"

// Generation is one public API call as served: which model was asked for,
// which one answered and how it ended.
type Generation struct {
	ID             string    `json:"id"`
	Operation      string    `json:"operation"`
	RequestedModel string    `json:"requested_model"`
	ServedModel    string    `json:"served_model"`
	Fallback       bool      `json:"fallback"`
	Outcome        string    `json:"outcome"`
	Attempts       int       `json:"attempts"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

type OutcomeCount struct {
	Operation string `json:"operation"`
	Outcome   string `json:"outcome"`
	Count     int64  `json:"count"`
}
