package service

import (
	"fmt"
	"time"
)

// AcceptancePolicy decides how many participants must accept a proposal.
type AcceptancePolicy string

const (
	// AcceptMutual requires both participants to accept.
	AcceptMutual AcceptancePolicy = "mutual"
	// AcceptEither treats the proposal as the initiator's acceptance, so the
	// partner's acceptance alone moves the swap forward.
	AcceptEither AcceptancePolicy = "either"
)

// DisputeOutcome is the decision taken on a disputed swap.
type DisputeOutcome string

const (
	DisputeComplete DisputeOutcome = "complete"
	DisputeCancel   DisputeOutcome = "cancel"
)

// Policy holds the configurable rules of the swap lifecycle and the trust
// penalties applied on failure paths.
type Policy struct {
	ProposalTTL   time.Duration
	AcceptanceTTL time.Duration
	Acceptance    AcceptancePolicy
	// ProposerAutoAccept records the proposer's acceptance at proposal time
	// under the mutual policy. AcceptEither always does.
	ProposerAutoAccept bool
	// DisputeCreditRatio scales the points of a dispute resolved as
	// completed, in [0,1].
	DisputeCreditRatio float64
	// CancelRatingPenalty is subtracted from the rating of a participant
	// who cancels an executing swap, or who loses a dispute.
	CancelRatingPenalty float64
	// LateDeclineRatingPenalty is subtracted from the rating of a
	// participant who declines after half of the proposal window passed.
	LateDeclineRatingPenalty float64
}

// DefaultPolicy returns the stock lifecycle rules.
func DefaultPolicy() Policy {
	return Policy{
		ProposalTTL:         48 * time.Hour,
		AcceptanceTTL:       24 * time.Hour,
		Acceptance:          AcceptMutual,
		ProposerAutoAccept:  true,
		DisputeCreditRatio:  0.5,
		CancelRatingPenalty: 0.25,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.ProposalTTL <= 0 {
		return fmt.Errorf("service: policy: proposal ttl must be positive")
	}
	if p.AcceptanceTTL <= 0 {
		return fmt.Errorf("service: policy: acceptance ttl must be positive")
	}
	if p.Acceptance != AcceptMutual && p.Acceptance != AcceptEither {
		return fmt.Errorf("service: policy: unknown acceptance policy %q", p.Acceptance)
	}
	if p.DisputeCreditRatio < 0 || p.DisputeCreditRatio > 1 {
		return fmt.Errorf("service: policy: dispute credit ratio must be in [0,1]")
	}
	if p.CancelRatingPenalty < 0 || p.LateDeclineRatingPenalty < 0 {
		return fmt.Errorf("service: policy: rating penalties must not be negative")
	}
	return nil
}
