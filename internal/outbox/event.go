// Package outbox stages outbound events in the same local commit as the state
// change they describe and relays them to the message sink afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/punchamoorthee/transferops/internal/domain"
)

// Event types carried in the event_type column and the message header.
const (
	EventAccountCreated     = "AccountCreated"
	EventMovementRecorded   = "MovementRecorded"
	EventTransferRealized   = "TransferRealized"
	EventCompensationRaised = "CompensationPending"
)

// Publisher delivers one event to the message sink. Delivery is
// at-least-once: consumers dedupe on the event id header.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// NewEvent builds an unprocessed event for topic.
func NewEvent(topic, eventType, partitionKey string, payload any, now time.Time) (domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, errors.Wrapf(err, "encode %s payload", eventType)
	}
	return domain.OutboxEvent{
		ID:           domain.NewID(),
		Topic:        topic,
		EventType:    eventType,
		Payload:      body,
		PartitionKey: partitionKey,
		CreatedAt:    now.UTC(),
	}, nil
}

// Headers returns the message headers published with ev.
func Headers(ev domain.OutboxEvent) map[string]string {
	return map[string]string{
		"event_id":     ev.ID,
		"event_type":   ev.EventType,
		"content-type": "application/json",
	}
}
