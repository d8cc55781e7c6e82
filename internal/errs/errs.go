// Package errs defines the error taxonomy shared by the checkout core.
//
// Callers decide retry eligibility from the Kind of an error, never from its
// message. Sentinels compare by kind, so errors.Is(err, ErrInsufficientStock)
// holds for any *Error of that kind regardless of its message or cause.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindVersionConflict
	KindLockTimeout
	KindBusy
	KindInsufficientStock
	KindInsufficientBalance
	KindInvalidPromo
	KindContentionExhausted
	KindAbortFailure
	KindNotFound
	KindInvalid
	KindInProgress
	KindDuplicateRequest
)

func (k Kind) String() string {
	switch k {
	case KindVersionConflict:
		return "version_conflict"
	case KindLockTimeout:
		return "lock_timeout"
	case KindBusy:
		return "busy"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidPromo:
		return "invalid_promo"
	case KindContentionExhausted:
		return "contention_exhausted"
	case KindAbortFailure:
		return "abort_failure"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindInProgress:
		return "in_progress"
	case KindDuplicateRequest:
		return "duplicate_request"
	default:
		return "internal"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrVersionConflict     = &Error{Kind: KindVersionConflict, Msg: "version conflict"}
	ErrLockTimeout         = &Error{Kind: KindLockTimeout, Msg: "lock wait timed out"}
	ErrBusy                = &Error{Kind: KindBusy, Msg: "system busy"}
	ErrInsufficientStock   = &Error{Kind: KindInsufficientStock, Msg: "insufficient stock"}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Msg: "insufficient balance"}
	ErrInvalidPromo        = &Error{Kind: KindInvalidPromo, Msg: "invalid promo code"}
	ErrContentionExhausted = &Error{Kind: KindContentionExhausted, Msg: "high contention, retries exhausted"}
	ErrAbortFailure        = &Error{Kind: KindAbortFailure, Msg: "transaction abort failed"}
	ErrNotFound            = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrInvalid             = &Error{Kind: KindInvalid, Msg: "invalid request"}
	ErrInProgress          = &Error{Kind: KindInProgress, Msg: "request with this idempotency key is in progress"}
	ErrDuplicateRequest    = &Error{Kind: KindDuplicateRequest, Msg: "duplicate idempotency key"}
)

// E builds an *Error of kind k.
func E(k Kind, op, msg string) *Error {
	return &Error{Kind: k, Op: op, Msg: msg}
}

// Wrap attaches kind k to err. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf reports the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsConflict reports whether err is an optimistic version conflict. Only the
// outermost kind counts, so an exhausted retry wrapping a conflict is not one.
func IsConflict(err error) bool {
	return KindOf(err) == KindVersionConflict
}

// IsDomain reports whether err is a business rejection that must never be retried.
func IsDomain(err error) bool {
	switch KindOf(err) {
	case KindInsufficientStock, KindInsufficientBalance, KindInvalidPromo, KindNotFound, KindInvalid:
		return true
	}
	return false
}

// IsBusy reports whether err signals cancellation under load (lock wait or
// time budget exceeded) rather than a domain failure.
func IsBusy(err error) bool {
	switch KindOf(err) {
	case KindLockTimeout, KindBusy:
		return true
	}
	return false
}
