package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SwapStatus tracks the swap lifecycle.
type SwapStatus string

const (
	SwapProposed  SwapStatus = "proposed"
	SwapAccepted  SwapStatus = "accepted"
	SwapExecuting SwapStatus = "executing"
	SwapDisputed  SwapStatus = "disputed"
	SwapCompleted SwapStatus = "completed"
	SwapDeclined  SwapStatus = "declined"
	SwapCancelled SwapStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s SwapStatus) Terminal() bool {
	switch s {
	case SwapCompleted, SwapDeclined, SwapCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s SwapStatus) Valid() bool {
	switch s {
	case SwapProposed, SwapAccepted, SwapExecuting, SwapDisputed,
		SwapCompleted, SwapDeclined, SwapCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses lists the statuses that hold bill locks.
func NonTerminalStatuses() []SwapStatus {
	return []SwapStatus{SwapProposed, SwapAccepted, SwapExecuting, SwapDisputed}
}

// SwapAction is an input to the swap state machine.
type SwapAction string

const (
	ActionPropose         SwapAction = "propose"
	ActionAccept          SwapAction = "accept"
	ActionDecline         SwapAction = "decline"
	ActionBeginExecution  SwapAction = "begin_execution"
	ActionComplete        SwapAction = "complete"
	ActionConfirmCycle    SwapAction = "confirm_cycle"
	ActionDispute         SwapAction = "dispute"
	ActionResolveComplete SwapAction = "resolve_complete"
	ActionResolveCancel   SwapAction = "resolve_cancel"
	ActionCancel          SwapAction = "cancel"
	ActionExpire          SwapAction = "expire"
)

// transitions is the complete state machine. Anything absent is invalid.
// Accept and ConfirmCycle name their final target; the service keeps the
// swap in its current status until every required participant has acted.
var transitions = map[SwapStatus]map[SwapAction]SwapStatus{
	SwapProposed: {
		ActionAccept:  SwapAccepted,
		ActionDecline: SwapDeclined,
		ActionCancel:  SwapCancelled,
		ActionExpire:  SwapDeclined,
	},
	SwapAccepted: {
		ActionBeginExecution: SwapExecuting,
		ActionCancel:         SwapCancelled,
		ActionExpire:         SwapCancelled,
	},
	SwapExecuting: {
		ActionComplete:     SwapCompleted,
		ActionConfirmCycle: SwapCompleted,
		ActionDispute:      SwapDisputed,
		ActionCancel:       SwapCancelled,
	},
	SwapDisputed: {
		ActionResolveComplete: SwapCompleted,
		ActionResolveCancel:   SwapCancelled,
	},
}

// NextStatus returns the status reached by applying action in from.
func NextStatus(from SwapStatus, action SwapAction) (SwapStatus, bool) {
	to, ok := transitions[from][action]
	return to, ok
}

// Terminal reasons recorded on a swap when it leaves the active set.
const (
	ReasonCompleted        = "completed"
	ReasonDeclined         = "declined"
	ReasonCancelled        = "cancelled"
	ReasonExpired          = "expired"
	ReasonDisputeCompleted = "dispute_completed"
	ReasonDisputeCancelled = "dispute_cancelled"
)

// Participant is one side of a swap.
type Participant struct {
	UserID        string          `json:"user_id"`
	BillID        string          `json:"bill_id"`
	Amount        decimal.Decimal `json:"amount"`
	DueDay        int             `json:"due_day"`
	AcceptedAt    *time.Time      `json:"accepted_at,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	PointsAwarded int64           `json:"points_awarded"`
}

// Swap is the aggregate root of a bill-timing swap between two users.
// Initiator proposed the swap; Partner is the counterparty.
type Swap struct {
	ID         string          `json:"id"`
	Initiator  Participant     `json:"initiator"`
	Partner    Participant     `json:"partner"`
	Status     SwapStatus      `json:"status"`
	Category   Category        `json:"category"`
	TotalValue decimal.Decimal `json:"total_value"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// ExpiresAt is set while the swap is Proposed or Accepted.
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ExecutionStart *time.Time `json:"execution_start,omitempty"`
	ExecutionEnd   *time.Time `json:"execution_end,omitempty"`
	DisputedAt     *time.Time `json:"disputed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	TerminalReason string `json:"terminal_reason,omitempty"`
	DisputeReason  string `json:"dispute_reason,omitempty"`
	DisputedBy     string `json:"disputed_by,omitempty"`
	DeclinedBy     string `json:"declined_by,omitempty"`
	CancelledBy    string `json:"cancelled_by,omitempty"`
	// PenalizedUserID received a rating penalty when the swap failed.
	PenalizedUserID string `json:"penalized_user_id,omitempty"`

	Version    int64      `json:"version"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Terminal reports whether the swap has left the active set.
func (s Swap) Terminal() bool {
	return s.Status.Terminal()
}

// BillIDs returns both participant bills.
func (s Swap) BillIDs() []string {
	return []string{s.Initiator.BillID, s.Partner.BillID}
}

// UserIDs returns both participant users.
func (s Swap) UserIDs() []string {
	return []string{s.Initiator.UserID, s.Partner.UserID}
}

// Involves reports whether userID is a participant.
func (s Swap) Involves(userID string) bool {
	return s.Initiator.UserID == userID || s.Partner.UserID == userID
}

// BothAccepted reports whether both participants have accepted.
func (s Swap) BothAccepted() bool {
	return s.Initiator.AcceptedAt != nil && s.Partner.AcceptedAt != nil
}

// Side returns a pointer to userID's participant record, or nil.
func (s *Swap) Side(userID string) *Participant {
	switch userID {
	case s.Initiator.UserID:
		return &s.Initiator
	case s.Partner.UserID:
		return &s.Partner
	}
	return nil
}

// Counterparty returns the participant opposite userID, or nil.
func (s *Swap) Counterparty(userID string) *Participant {
	switch userID {
	case s.Initiator.UserID:
		return &s.Partner
	case s.Partner.UserID:
		return &s.Initiator
	}
	return nil
}

// Next validates action against the state machine.
func (s Swap) Next(action SwapAction) (SwapStatus, error) {
	to, ok := NextStatus(s.Status, action)
	if !ok {
		return s.Status, &TransitionError{SwapID: s.ID, From: s.Status, Action: action}
	}
	return to, nil
}

// Expired reports whether the swap's deadline has passed at now.
func (s Swap) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SwapRef identifies a swap at the version the caller last observed.
// Version must be positive.
type SwapRef struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}
