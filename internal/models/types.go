// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

// RegisterRequest opens an account.
type RegisterRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Number   int64  `json:"number"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DeactivateRequest struct {
	Password string `json:"password"`
}

// Account is the owner's view of an account.
type Account struct {
	ID        string    `json:"id"`
	Number    int64     `json:"number"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func AccountFrom(a *domain.Account) Account {
	return Account{ID: a.ID, Number: a.Number, Name: a.Name, Active: a.Active, CreatedAt: a.CreatedAt}
}

type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Number    int64           `json:"number"`
	Name      string          `json:"name"`
	Balance   decimal.Decimal `json:"balance"`
	QueriedAt time.Time       `json:"queried_at"`
}

// MovementRequest is the body of POST /accounts/{id}/movements. AccountNumber,
// when set, addresses another account for a credit.
type MovementRequest struct {
	AccountNumber int64               `json:"account_number,omitempty"`
	Type          domain.MovementKind `json:"type"`
	Amount        decimal.Decimal     `json:"amount"`
}

type MovementResponse struct {
	Movement domain.Movement `json:"movement"`
	Replayed bool            `json:"replayed"`
}

// TransferRequest is the payload from the client.
type TransferRequest struct {
	DestinationAccountNumber int64           `json:"destination_account_number"`
	Amount                   decimal.Decimal `json:"amount"`
}

// TransferResponse is the canonical response structure.
type TransferResponse struct {
	Transfer domain.Transfer `json:"transfer"`
	State    string          `json:"state"`
	Replayed bool            `json:"replayed"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type ResolveRequest struct {
	Notes string `json:"notes"`
}

type RequeueRequest struct {
	ExtraAttempts int `json:"extra_attempts"`
}

// ErrorResponse carries a stable code next to the human-readable message.
type ErrorResponse struct {
	Code           domain.Code `json:"code"`
	Error          string      `json:"error"`
	CompensationID string      `json:"compensation_id,omitempty"`
}
