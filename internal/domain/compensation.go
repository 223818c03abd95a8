package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CompensationStatus string

const (
	CompensationPendingStatus CompensationStatus = "Pending"
	CompensationProcessing    CompensationStatus = "Processing"
	CompensationResolved      CompensationStatus = "Resolved"
	CompensationEscalated     CompensationStatus = "EscaladoManual"
)

// CompensationPending records a transfer whose reversing credit could not be
// applied automatically. The origin stays debited until the record resolves.
// Records are never deleted.
type CompensationPending struct {
	ID              string             `json:"id"`
	TransferID      string             `json:"transfer_id"`
	IdempotencyKey  string             `json:"idempotency_key"`
	OriginAccountID string             `json:"origin_account_id"`
	Amount          decimal.Decimal    `json:"amount"`
	Attempts        int                `json:"attempts"`
	MaxAttempts     int                `json:"max_attempts"`
	Status          CompensationStatus `json:"status"`
	History         []string           `json:"history"`
	OperatorNotes   string             `json:"operator_notes,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastAttemptAt   *time.Time         `json:"last_attempt_at,omitempty"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
}

// Claim marks the record as taken by one reversal attempt.
func (c *CompensationPending) Claim(at time.Time) {
	c.Status = CompensationProcessing
	c.LastAttemptAt = &at
}

// InFlight reports whether a reversal attempt claimed the record less than
// lease ago. An older claim belongs to an attempt that died.
func (c *CompensationPending) InFlight(now time.Time, lease time.Duration) bool {
	return c.Status == CompensationProcessing && c.LastAttemptAt != nil && now.Sub(*c.LastAttemptAt) < lease
}

// RecordAttempt registers one failed reversal attempt and releases the claim.
// Once the attempt budget is spent the record escalates to manual handling.
func (c *CompensationPending) RecordAttempt(cause string, at time.Time) {
	c.Attempts++
	c.LastAttemptAt = &at
	c.History = append(c.History, fmt.Sprintf("[attempt %d %s] %s", c.Attempts, at.UTC().Format(time.RFC3339), cause))
	if c.Attempts >= c.MaxAttempts {
		c.Status = CompensationEscalated
		return
	}
	c.Status = CompensationPendingStatus
}

// Resolve closes the record.
func (c *CompensationPending) Resolve(notes string, at time.Time) {
	c.Status = CompensationResolved
	c.ResolvedAt = &at
	if notes != "" {
		c.AddNote(notes, at)
	}
}

func (c *CompensationPending) AddNote(note string, at time.Time) {
	line := fmt.Sprintf("%s - %s", at.UTC().Format("2006-01-02 15:04:05"), strings.TrimSpace(note))
	if c.OperatorNotes == "" {
		c.OperatorNotes = line
		return
	}
	c.OperatorNotes += "\n" + line
}

// Requeue grants extra automatic attempts to an unresolved record.
func (c *CompensationPending) Requeue(extra int) {
	c.MaxAttempts = c.Attempts + extra
	c.Status = CompensationPendingStatus
}

// CanAutoRetry reports whether the retry worker may still act on the record.
func (c *CompensationPending) CanAutoRetry() bool {
	switch c.Status {
	case CompensationResolved, CompensationEscalated:
		return false
	}
	return c.Attempts < c.MaxAttempts
}
