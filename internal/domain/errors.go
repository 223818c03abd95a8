package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is the stable, machine-readable outcome of a rejected command. The
// HTTP boundary picks a status from it; the core never deals in statuses.
type Code string

const (
	CodeInvalidValue        Code = "INVALID_VALUE"
	CodeInvalidType         Code = "INVALID_TYPE"
	CodeInvalidAccount      Code = "INVALID_ACCOUNT"
	CodeInactiveAccount     Code = "INACTIVE_ACCOUNT"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeIdempotencyMismatch Code = "IDEMPOTENCY_MISMATCH"
	CodeTransferFailed      Code = "TRANSFER_FAILED"
	CodeCompensationPending Code = "TRANSFER_FAILED_COMPENSATION_PENDING"
	CodeUnauthorized        Code = "USER_UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL_ERROR"
)

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification marks a conflict that a fresh attempt may not
	// hit: a storage serialization failure, a duplicate reservation, or a
	// balance that went negative only after insertion.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Error is a tagged outcome carrying a Code and a human-readable detail.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a tagged error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with code. The cause stays reachable through errors.Is/As.
func Wrap(code Code, cause error, detail string) *Error {
	return &Error{Code: code, Detail: detail, Err: cause}
}

// CodeOf returns the code of the first tagged error in err's chain, or
// CodeInternal when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, ErrNotFound) {
		return CodeNotFound
	}
	return CodeInternal
}

// DetailOf returns the caller-safe detail of err. Untagged errors never leak
// their text.
func DetailOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Detail
	}
	if errors.Is(err, ErrNotFound) {
		return "resource not found"
	}
	return "an internal error occurred"
}

// IsRetryable reports whether a fresh attempt of the same command may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsValidation reports whether err is a terminal rejection of the request as
// submitted.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidValue, CodeInvalidType, CodeInvalidAccount, CodeInactiveAccount:
		return true
	}
	return false
}
