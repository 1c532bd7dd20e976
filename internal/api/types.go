package api

import (
	"encoding/json"
)

const MaxPayloadBytes = 256 * 1024

const (
	ErrInvalidJSON     = "invalid_json"
	ErrMissingQueue    = "missing_queue"
	ErrMissingPayload  = "missing_payload"
	ErrPayloadTooLarge = "payload_too_large"
	ErrInvalidPayload  = "invalid_payload"
	ErrStore           = "store_error"
	ErrJobNotFound     = "job_not_found"
)

type EnqueueRequest struct {
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
}

type EnqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ClearResponse struct {
	Cleared bool `json:"cleared"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
