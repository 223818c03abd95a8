package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a balance holder. It carries no balance column: the balance is
// always derived from the account's movements.
type Account struct {
	ID           string    `json:"id"`
	Number       int64     `json:"number"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// MovementKind is the direction of a ledger movement.
type MovementKind string

const (
	Credit MovementKind = "C"
	Debit  MovementKind = "D"
)

func (k MovementKind) Valid() bool {
	return k == Credit || k == Debit
}

// Movement is one immutable ledger fact. Movements are appended, never
// updated or deleted.
type Movement struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Kind           MovementKind    `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Signed returns the movement's contribution to the balance.
func (m Movement) Signed() decimal.Decimal {
	if m.Kind == Debit {
		return m.Amount.Neg()
	}
	return m.Amount
}

// Transfer is a completed cross-account movement. It is written once, after
// both ledger legs succeeded.
type Transfer struct {
	ID                       string          `json:"id"`
	IdempotencyKey           string          `json:"idempotency_key"`
	OriginAccountID          string          `json:"origin_account_id"`
	DestinationAccountID     string          `json:"destination_account_id"`
	DestinationAccountNumber int64           `json:"destination_account_number"`
	Amount                   decimal.Decimal `json:"amount"`
	CreatedAt                time.Time       `json:"created_at"`
}
