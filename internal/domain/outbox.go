package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Topics consumed outside the owning service.
const (
	TopicAccountsCreated      = "accounts-created"
	TopicMovementsRecorded    = "movements-recorded"
	TopicTransfersRealized    = "transferencias-realizadas"
	TopicCompensationsPending = "compensacoes-pendentes"
)

// OutboxEvent is an outbound event staged in the same local commit as the
// state change it describes.
type OutboxEvent struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	PartitionKey string          `json:"partition_key,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	Processed    bool            `json:"processed"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
}

// RestoreOutboxEvent rebuilds an event from its persisted columns.
func RestoreOutboxEvent(
	id, topic, eventType string,
	payload []byte,
	partitionKey string,
	createdAt time.Time,
	processedAt *time.Time,
	retryCount int,
	lastError string,
) OutboxEvent {
	return OutboxEvent{
		ID:           id,
		Topic:        topic,
		EventType:    eventType,
		Payload:      json.RawMessage(payload),
		PartitionKey: partitionKey,
		CreatedAt:    createdAt,
		ProcessedAt:  processedAt,
		Processed:    processedAt != nil,
		RetryCount:   retryCount,
		LastError:    lastError,
	}
}

// AccountCreated is staged when an account registers.
type AccountCreated struct {
	AccountID  string    `json:"account_id"`
	Number     int64     `json:"number"`
	OccurredAt time.Time `json:"occurred_at"`
}

// MovementRecorded is staged with every accepted movement.
type MovementRecorded struct {
	MovementID   string          `json:"movement_id"`
	AccountID    string          `json:"account_id"`
	Kind         MovementKind    `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// TransferRealized is the transfer-completed fact consumed by the fee service.
type TransferRealized struct {
	TransferID           string          `json:"transfer_id"`
	OriginAccountID      string          `json:"origin_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`
	Amount               decimal.Decimal `json:"amount"`
	FeeAmount            decimal.Decimal `json:"fee_amount"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

// CompensationRaised alerts operators that a saga escalated.
type CompensationRaised struct {
	CompensationID  string          `json:"compensation_id"`
	TransferID      string          `json:"transfer_id"`
	OriginAccountID string          `json:"origin_account_id"`
	Amount          decimal.Decimal `json:"amount"`
	Attempts        int             `json:"attempts"`
	OccurredAt      time.Time       `json:"occurred_at"`
}
