package models

import (
	"encoding/json"
	"time"
)

// ResourceResult is the outcome of one resource fetch.
type ResourceResult struct {
	Resource  string          `json:"resource"`
	TenantID  string          `json:"tenant_id"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
	Duration  time.Duration   `json:"duration_ms"`
}

// BatchResult aggregates a sequential LoadAll run. A failed resource does not
// abort the batch; every requested resource appears exactly once, in the
// caller-specified order.
type BatchResult struct {
	Results   []ResourceResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration_ms"`
}
