// Package service runs the transfer saga: debit the origin, credit the
// destination, and reverse the debit when the credit cannot be applied.
package service

import (
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/transferops/internal/domain"
)

// State is a step of the transfer saga.
type State string

const (
	StateStarted               State = "Started"
	StateDebitPending          State = "DebitPending"
	StateDebitFailed           State = "DebitFailed"
	StateDebitUncertain        State = "DebitUncertain"
	StateDebitOk               State = "DebitOk"
	StateCreditPending         State = "CreditPending"
	StateCompleted             State = "Completed"
	StateCreditFailed          State = "CreditFailed"
	StateCompensating          State = "Compensating"
	StateCompensated           State = "Compensated"
	StateCompensationExhausted State = "CompensationExhausted"
)

var transitions = map[State][]State{
	StateStarted:       {StateDebitPending},
	StateDebitPending:  {StateDebitOk, StateDebitFailed, StateDebitUncertain},
	StateDebitOk:       {StateCreditPending},
	StateCreditPending: {StateCompleted, StateCreditFailed},
	StateCreditFailed:  {StateCompensating},
	StateCompensating:  {StateCompensated, StateCompensationExhausted},
}

func (s State) canMoveTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition exists.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

func stateForCode(code domain.Code) State {
	switch code {
	case domain.CodeTransferFailed:
		return StateCompensated
	case domain.CodeCompensationPending:
		return StateCompensationExhausted
	}
	return StateStarted
}

// Request is a client transfer. IdempotencyKey and Credential are not part of
// the request fingerprint.
type Request struct {
	IdempotencyKey           string          `json:"-"`
	OriginAccountID          string          `json:"origin_account_id"`
	DestinationAccountNumber int64           `json:"destination_account_number"`
	Amount                   decimal.Decimal `json:"amount"`
	Credential               string          `json:"-"`
}

type Result struct {
	Transfer       domain.Transfer `json:"transfer"`
	State          State           `json:"state"`
	Replayed       bool            `json:"replayed"`
	CompensationID string          `json:"compensation_id,omitempty"`
}
