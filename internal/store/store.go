// Package store persists accounts, movements, transfers, idempotency records,
// compensation records and outbox events. Each service owns its own database;
// a service only touches the tables it owns.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

type AccountStore interface {
	// CreateAccount inserts the account and assigns its public number.
	CreateAccount(ctx context.Context, acc *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	GetAccountByNumber(ctx context.Context, number int64) (*domain.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
}

// MovementStore is append-only: there is no update or delete.
type MovementStore interface {
	InsertMovement(ctx context.Context, m domain.Movement) error
	// Balance derives sum(credits) - sum(debits) over the account's movements.
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	// ListMovements returns the account's movements, newest first.
	ListMovements(ctx context.Context, accountID string) ([]domain.Movement, error)
}

type IdempotencyStore interface {
	// GetIdempotency returns domain.ErrNotFound when the key was never stored.
	// Expiry is left to the caller.
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// PutIdempotency creates or replaces the record for rec.Key.
	PutIdempotency(ctx context.Context, rec domain.IdempotencyRecord) error
	// ReserveIdempotency stores rec only when no live record holds rec.Key at
	// now, and reports whether it did.
	ReserveIdempotency(ctx context.Context, rec domain.IdempotencyRecord, now time.Time) (bool, error)
	DeleteIdempotency(ctx context.Context, key string) error
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

type TransferStore interface {
	InsertTransfer(ctx context.Context, t domain.Transfer) error
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	// ListTransfers returns transfers where accountID is origin or destination,
	// newest first.
	ListTransfers(ctx context.Context, accountID string) ([]domain.Transfer, error)
}

type CompensationStore interface {
	InsertCompensation(ctx context.Context, c domain.CompensationPending) error
	UpdateCompensation(ctx context.Context, c domain.CompensationPending) error
	GetCompensation(ctx context.Context, id string) (*domain.CompensationPending, error)
	// ListCompensations returns records in the given statuses (all when none
	// are given), oldest first.
	ListCompensations(ctx context.Context, statuses ...domain.CompensationStatus) ([]domain.CompensationPending, error)
}

type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, ev domain.OutboxEvent) error
	// FetchUnprocessed returns up to limit unprocessed events whose retry count
	// is below maxRetries, oldest first.
	FetchUnprocessed(ctx context.Context, limit, maxRetries int) ([]domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// RecordOutboxFailure increments the retry count, stores the error and
	// returns the new count.
	RecordOutboxFailure(ctx context.Context, id, lastError string) (int, error)
	// CountStuck counts unprocessed events that reached maxRetries.
	CountStuck(ctx context.Context, maxRetries int) (int, error)
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

// Tx is the set of operations available inside one local transaction.
type Tx interface {
	AccountStore
	MovementStore
	IdempotencyStore
	TransferStore
	CompensationStore
	OutboxStore
}

// Store runs single operations in autocommit mode and groups operations with
// WithTx. If fn returns an error the transaction is rolled back.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(Tx) error) error
	Close()
}
