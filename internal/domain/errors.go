package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLockHeld          = errors.New("lock already held")
	ErrIneligibleBill    = errors.New("bill is not eligible for swapping")
	ErrScheduleMissing   = errors.New("payday schedule not configured")
	ErrInvalidAnchorDays = errors.New("anchor days inconsistent with cadence")
	ErrInvalidBill       = errors.New("invalid bill")
	ErrBillAlreadyLocked = errors.New("bill already locked by an active swap")
	ErrBillLocked        = errors.New("bill is part of an active swap")
	ErrStaleVersion      = errors.New("stale version")
	ErrInvalidTransition = errors.New("invalid swap transition")
	ErrNotExpired        = errors.New("swap has not expired")
	ErrNotParticipant    = errors.New("user is not a participant of this swap")
	ErrInvalidInput      = errors.New("invalid input")
)

// IneligibleBillError explains why a bill was excluded from matching. It
// matches ErrIneligibleBill with errors.Is.
type IneligibleBillError struct {
	BillID string
	UserID string
	Reason string
}

func (e *IneligibleBillError) Error() string {
	return fmt.Sprintf("bill %s ineligible for user %s: %s", e.BillID, e.UserID, e.Reason)
}

func (e *IneligibleBillError) Is(target error) bool {
	return target == ErrIneligibleBill
}

// TransitionError reports an action that the swap state machine refused.
// It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	SwapID string
	From   SwapStatus
	Action SwapAction
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("swap %s: cannot %s from %s", e.SwapID, e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Kind groups errors by how a caller is expected to react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConcurrency
	KindState
	KindNotFound
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConcurrency:
		return "concurrency"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	default:
		return "internal"
	}
}

// ErrorKind classifies err into the engine's error taxonomy.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrIneligibleBill),
		errors.Is(err, ErrScheduleMissing),
		errors.Is(err, ErrInvalidAnchorDays),
		errors.Is(err, ErrInvalidBill),
		errors.Is(err, ErrBillLocked),
		errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrBillAlreadyLocked),
		errors.Is(err, ErrStaleVersion),
		errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrAlreadyExists):
		return KindConcurrency
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotExpired):
		return KindState
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotParticipant),
		errors.Is(err, ErrUnauthorized):
		return KindForbidden
	default:
		return KindInternal
	}
}
