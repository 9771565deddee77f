package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/roundamm/internal/fixed"
)

// Storage and infrastructure sentinels.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("version conflict")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// ErrorKind classifies an Error for callers deciding whether to retry,
// surface, or correct a request.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
	KindResource   ErrorKind = "resource"
	KindTransient  ErrorKind = "transient"
	KindOracle     ErrorKind = "oracle"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

// Error is the structured error returned across the engine boundary. Two
// Errors match under errors.Is when their codes are equal, so a sentinel can be
// re-issued with a more specific message.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// With returns a copy of e carrying a formatted message.
func (e *Error) With(format string, args ...any) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

var (
	ErrInvalidInput   = &Error{Kind: KindValidation, Code: "InvalidInput", Message: "invalid input"}
	ErrInvalidSide    = &Error{Kind: KindValidation, Code: "InvalidSide", Message: "side must be yes or no"}
	ErrAmountTooSmall = &Error{Kind: KindValidation, Code: "AmountTooSmall", Message: "amount too small to produce any output"}

	ErrRoundLocked        = &Error{Kind: KindState, Code: "RoundLocked", Message: "round is not accepting trades"}
	ErrPoolExhausted      = &Error{Kind: KindState, Code: "PoolExhausted", Message: "trade would push a reserve below the minimum"}
	ErrRoundNotSettleable = &Error{Kind: KindState, Code: "RoundNotSettleable", Message: "round is not in a settleable state"}

	ErrInsufficientBalance = &Error{Kind: KindResource, Code: "InsufficientBalance", Message: "insufficient balance"}
	ErrInsufficientShares  = &Error{Kind: KindResource, Code: "InsufficientShares", Message: "insufficient shares"}
	ErrSlippageExceeded    = &Error{Kind: KindResource, Code: "SlippageExceeded", Message: "output below the requested minimum"}

	ErrTradeFailed        = &Error{Kind: KindTransient, Code: "TradeFailed", Message: "trade could not be persisted"}
	ErrSettlementDeferred = &Error{Kind: KindTransient, Code: "SettlementDeferred", Message: "settlement could not be persisted"}

	ErrOracleUnavailable = &Error{Kind: KindOracle, Code: "OracleUnavailable", Message: "reference price unavailable"}

	ErrRoundNotFound    = &Error{Kind: KindNotFound, Code: "RoundNotFound", Message: "round not found", Err: ErrNotFound}
	ErrResourceNotFound = &Error{Kind: KindNotFound, Code: "NotFound", Message: "resource not found", Err: ErrNotFound}
)

// KindOf reports the kind of err. Errors that are not *Error are internal,
// except storage misses which are not_found.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// Retryable reports whether err is worth retrying within the same unit of
// work: explicit transient errors, version conflicts and unclassified
// infrastructure failures. Business outcomes, fixed-point arithmetic
// failures and cancellation are final.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	// Arithmetic failures repeat on every attempt.
	if errors.Is(err, fixed.ErrOverflow) || errors.Is(err, fixed.ErrDivByZero) || errors.Is(err, fixed.ErrPrecision) {
		return false
	}
	switch KindOf(err) {
	case KindTransient, KindInternal:
		return true
	default:
		return false
	}
}
