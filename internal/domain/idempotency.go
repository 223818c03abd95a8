package domain

import (
	"encoding/json"
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyPending IdempotencyStatus = "Pending"
	IdempotencySuccess IdempotencyStatus = "Success"
	IdempotencyFailed  IdempotencyStatus = "Failed"
)

// IdempotencyRecord holds the outcome recorded under a client-chosen key.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Request     json.RawMessage   `json:"request"`
	RequestHash string            `json:"request_hash"`
	Result      json.RawMessage   `json:"result,omitempty"`
	ResultHash  string            `json:"result_hash,omitempty"`
	Status      IdempotencyStatus `json:"status"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// Expired reports whether the record no longer guards its key.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
