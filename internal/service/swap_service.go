package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/matching"
)

// SwapService owns the swap lifecycle. Every transition is a single
// read-modify-write of one swap inside a store transaction, guarded by the
// swap version; there is no in-process locking.
type SwapService struct {
	uow       domain.UnitOfWork
	trust     *TrustUpdater
	cache     domain.TrustCache
	events    publisher
	policy    Policy
	swappable []domain.Category
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

// NewSwapService creates a SwapService. swappable is the global category
// policy used when re-checking eligibility at proposal time.
func NewSwapService(
	uow domain.UnitOfWork,
	trust *TrustUpdater,
	policy Policy,
	swappable []domain.Category,
	logger *slog.Logger,
) *SwapService {
	return &SwapService{
		uow:       uow,
		trust:     trust,
		events:    publisher{logger: logger},
		policy:    policy,
		swappable: swappable,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		logger:    logger,
	}
}

// WithSignalBus publishes swap and trust events after each commit.
func (s *SwapService) WithSignalBus(bus domain.SignalBus) *SwapService {
	s.events.bus = bus
	return s
}

// WithTrustCache invalidates cached trust rows after trust changes.
func (s *SwapService) WithTrustCache(cache domain.TrustCache) *SwapService {
	s.cache = cache
	return s
}

// WithClock replaces the wall clock, for tests and replays.
func (s *SwapService) WithClock(now func() time.Time) *SwapService {
	s.now = now
	return s
}

// Propose locks both bills and creates a swap in Proposed. When either bill
// is already held by a non-terminal swap it fails with
// domain.ErrBillAlreadyLocked and nothing is written.
func (s *SwapService) Propose(ctx context.Context, userID, billID, partnerID, partnerBillID string) (domain.Swap, error) {
	if userID == "" || partnerID == "" || billID == "" || partnerBillID == "" {
		return domain.Swap{}, fmt.Errorf("swap_service: propose: %w: user and bill ids are required", domain.ErrInvalidInput)
	}
	if userID == partnerID {
		return domain.Swap{}, fmt.Errorf("swap_service: propose: %w: cannot swap with yourself", domain.ErrInvalidInput)
	}
	if billID == partnerBillID {
		return domain.Swap{}, fmt.Errorf("swap_service: propose: %w: bills must differ", domain.ErrInvalidInput)
	}

	var created domain.Swap
	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		bills, err := lockBills(ctx, r, billID, partnerBillID)
		if err != nil {
			return err
		}
		own, theirs := bills[billID], bills[partnerBillID]
		if own.UserID != userID {
			return fmt.Errorf("bill %s: %w", billID, domain.ErrNotParticipant)
		}
		if theirs.UserID != partnerID {
			return fmt.Errorf("%w: bill %s does not belong to %s", domain.ErrInvalidInput, partnerBillID, partnerID)
		}
		if own.Category != theirs.Category {
			return fmt.Errorf("%w: categories differ (%s vs %s)", domain.ErrInvalidInput, own.Category, theirs.Category)
		}

		trust, err := r.Trust().GetMany(ctx, []string{userID, partnerID})
		if err != nil {
			return fmt.Errorf("load trust: %w", err)
		}
		if err := s.checkEligible(trust[userID], trust[partnerID], own, theirs); err != nil {
			return err
		}

		now := s.now()
		id := s.newID()
		if err := r.Locks().Acquire(ctx, id, own.ID, theirs.ID); err != nil {
			return err
		}

		expires := now.Add(s.policy.ProposalTTL)
		sw := domain.Swap{
			ID: id,
			Initiator: domain.Participant{
				UserID: userID,
				BillID: own.ID,
				Amount: own.Amount,
				DueDay: own.DueDay,
			},
			Partner: domain.Participant{
				UserID: partnerID,
				BillID: theirs.ID,
				Amount: theirs.Amount,
				DueDay: theirs.DueDay,
			},
			Status:     domain.SwapProposed,
			Category:   own.Category,
			TotalValue: own.Amount.Add(theirs.Amount),
			CreatedAt:  now,
			UpdatedAt:  now,
			ExpiresAt:  &expires,
			Version:    1,
		}
		if s.policy.Acceptance == AcceptEither || s.policy.ProposerAutoAccept {
			at := now
			sw.Initiator.AcceptedAt = &at
		}

		if err := r.Swaps().Create(ctx, sw); err != nil {
			return fmt.Errorf("create swap: %w", err)
		}
		if err := r.Audit().Log(ctx, "swap_proposed", swapAuditDetail(sw, "", userID)); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		created = sw
		return nil
	})
	if err != nil {
		s.logFailure(ctx, "propose", billID, err)
		return domain.Swap{}, fmt.Errorf("swap_service: propose: %w", err)
	}

	s.logger.InfoContext(ctx, "swap_service: swap proposed",
		slog.String("swap_id", created.ID),
		slog.String("initiator", userID),
		slog.String("partner", partnerID),
		slog.String("total_value", created.TotalValue.StringFixed(2)),
	)
	s.events.swap(ctx, domain.SwapEvent{
		SwapID:  created.ID,
		Action:  domain.ActionPropose,
		To:      created.Status,
		Version: created.Version,
		UserIDs: created.UserIDs(),
		Actor:   userID,
		At:      created.CreatedAt,
	})
	return created, nil
}

// lockBills row-locks the bills in id order, so that proposals touching the
// same pair from opposite sides queue instead of deadlocking. The locks keep
// the bills from being edited or deleted before the swap holds them.
func lockBills(ctx context.Context, r domain.Repositories, ids ...string) (map[string]domain.UserBill, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	out := make(map[string]domain.UserBill, len(ordered))
	for _, id := range ordered {
		b, err := r.Bills().GetForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("bill %s: %w", id, err)
		}
		out[id] = b
	}
	return out, nil
}

// checkEligible requires both bills to sit inside both users' brackets.
func (s *SwapService) checkEligible(a, b domain.TrustStatus, bills ...domain.UserBill) error {
	for _, trust := range []domain.TrustStatus{a, b} {
		bracket := matching.EligibleBracket(trust, s.swappable)
		for _, bill := range bills {
			if err := bracket.Check(bill); err != nil {
				return err
			}
		}
	}
	return nil
}

// Respond records userID's answer to a proposal. Declining ends the swap and
// frees both bills. Accepting moves the swap to Accepted once both sides
// have accepted. Under AcceptEither the proposal counts as the initiator's
// acceptance, so only the partner's answer is awaited.
func (s *SwapService) Respond(ctx context.Context, ref domain.SwapRef, userID string, accept bool) (domain.Swap, error) {
	if !accept {
		return s.transition(ctx, transitionReq{
			ref:    ref,
			actor:  userID,
			action: domain.ActionDecline,
			apply: func(sw *domain.Swap, to domain.SwapStatus, _ time.Time) (domain.SwapStatus, error) {
				sw.DeclinedBy = userID
				sw.TerminalReason = domain.ReasonDeclined
				return to, nil
			},
		})
	}

	return s.transition(ctx, transitionReq{
		ref:    ref,
		actor:  userID,
		action: domain.ActionAccept,
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			side := sw.Side(userID)
			if side.AcceptedAt != nil {
				return sw.Status, &domain.TransitionError{SwapID: sw.ID, From: sw.Status, Action: domain.ActionAccept}
			}
			at := now
			side.AcceptedAt = &at

			if !sw.BothAccepted() {
				return sw.Status, nil
			}
			expires := now.Add(s.policy.AcceptanceTTL)
			sw.ExpiresAt = &expires
			return to, nil
		},
	})
}

// BeginExecution starts the committed execution window. The window covers
// one full bill cycle: it ends on the later of the two bills' next due dates.
func (s *SwapService) BeginExecution(ctx context.Context, ref domain.SwapRef) (domain.Swap, error) {
	return s.transition(ctx, transitionReq{
		ref:    ref,
		action: domain.ActionBeginExecution,
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			if !sw.BothAccepted() {
				return sw.Status, &domain.TransitionError{SwapID: sw.ID, From: sw.Status, Action: domain.ActionBeginExecution}
			}
			start := now
			end := domain.NextDueDate(sw.Initiator.DueDay, now)
			if other := domain.NextDueDate(sw.Partner.DueDay, now); other.After(end) {
				end = other
			}
			sw.ExecutionStart = &start
			sw.ExecutionEnd = &end
			sw.ExpiresAt = nil
			return to, nil
		},
	})
}

// Complete settles an executing swap and awards trust to both participants.
func (s *SwapService) Complete(ctx context.Context, ref domain.SwapRef) (domain.Swap, error) {
	return s.transition(ctx, transitionReq{
		ref:    ref,
		action: domain.ActionComplete,
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			at := now
			sw.CompletedAt = &at
			sw.TerminalReason = domain.ReasonCompleted
			return to, nil
		},
	})
}

// ConfirmCycle records that userID's cycle passed without incident. The swap
// completes once both participants have confirmed.
func (s *SwapService) ConfirmCycle(ctx context.Context, ref domain.SwapRef, userID string) (domain.Swap, error) {
	return s.transition(ctx, transitionReq{
		ref:    ref,
		actor:  userID,
		action: domain.ActionConfirmCycle,
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			side := sw.Side(userID)
			if side.ConfirmedAt != nil {
				return sw.Status, &domain.TransitionError{SwapID: sw.ID, From: sw.Status, Action: domain.ActionConfirmCycle}
			}
			at := now
			side.ConfirmedAt = &at
			if sw.Initiator.ConfirmedAt == nil || sw.Partner.ConfirmedAt == nil {
				return sw.Status, nil
			}
			sw.CompletedAt = &at
			sw.TerminalReason = domain.ReasonCompleted
			return to, nil
		},
	})
}

// Dispute moves an executing swap to Disputed. The bills stay locked until
// the dispute is resolved.
func (s *SwapService) Dispute(ctx context.Context, ref domain.SwapRef, userID, reason string) (domain.Swap, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Swap{}, fmt.Errorf("swap_service: dispute: %w: reason is required", domain.ErrInvalidInput)
	}
	return s.transition(ctx, transitionReq{
		ref:    ref,
		actor:  userID,
		action: domain.ActionDispute,
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			at := now
			sw.DisputedAt = &at
			sw.DisputedBy = userID
			sw.DisputeReason = reason
			return to, nil
		},
	})
}

// ResolveDispute closes a disputed swap. DisputeComplete awards partial
// credit; DisputeCancel awards nothing and, when penalize names a
// participant, lowers that participant's rating.
func (s *SwapService) ResolveDispute(ctx context.Context, ref domain.SwapRef, outcome DisputeOutcome, penalize string) (domain.Swap, error) {
	var action domain.SwapAction
	switch outcome {
	case DisputeComplete:
		action = domain.ActionResolveComplete
	case DisputeCancel:
		action = domain.ActionResolveCancel
	default:
		return domain.Swap{}, fmt.Errorf("swap_service: resolve dispute: %w: unknown outcome %q", domain.ErrInvalidInput, outcome)
	}

	return s.transition(ctx, transitionReq{
		ref:    ref,
		action: action,
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			if outcome == DisputeComplete {
				at := now
				sw.CompletedAt = &at
				sw.TerminalReason = domain.ReasonDisputeCompleted
				return to, nil
			}
			if penalize != "" && !sw.Involves(penalize) {
				return sw.Status, fmt.Errorf("%w: %s is not a participant", domain.ErrInvalidInput, penalize)
			}
			sw.PenalizedUserID = penalize
			sw.TerminalReason = domain.ReasonDisputeCancelled
			return to, nil
		},
	})
}

// Cancel ends a Proposed, Accepted or Executing swap on behalf of userID.
// Cancelling an executing swap lowers the canceller's rating.
func (s *SwapService) Cancel(ctx context.Context, ref domain.SwapRef, userID string) (domain.Swap, error) {
	return s.transition(ctx, transitionReq{
		ref:    ref,
		actor:  userID,
		action: domain.ActionCancel,
		apply: func(sw *domain.Swap, to domain.SwapStatus, _ time.Time) (domain.SwapStatus, error) {
			sw.CancelledBy = userID
			sw.TerminalReason = domain.ReasonCancelled
			return to, nil
		},
	})
}

// Expire drives a swap whose deadline passed to its terminal status:
// Proposed becomes Declined and Accepted becomes Cancelled. Calling it again
// on a swap that already expired returns the swap unchanged. A swap that
// ended any other way fails with domain.ErrInvalidTransition, and a live
// swap still inside its window fails with domain.ErrNotExpired.
func (s *SwapService) Expire(ctx context.Context, swapID string) (domain.Swap, error) {
	return s.transition(ctx, transitionReq{
		ref:         domain.SwapRef{ID: swapID},
		action:      domain.ActionExpire,
		unversioned: true,
		settled: func(sw domain.Swap) bool {
			return sw.Terminal() && sw.TerminalReason == domain.ReasonExpired
		},
		apply: func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error) {
			if !sw.Expired(now) {
				return sw.Status, fmt.Errorf("swap %s expires at %s: %w",
					sw.ID, sw.ExpiresAt.Format(time.RFC3339), domain.ErrNotExpired)
			}
			sw.TerminalReason = domain.ReasonExpired
			return to, nil
		},
	})
}

// Get returns a swap visible to userID.
func (s *SwapService) Get(ctx context.Context, swapID, userID string) (domain.Swap, error) {
	sw, err := s.uow.Swaps().GetByID(ctx, swapID)
	if err != nil {
		return domain.Swap{}, fmt.Errorf("swap_service: get %s: %w", swapID, err)
	}
	if !sw.Involves(userID) {
		return domain.Swap{}, fmt.Errorf("swap_service: get %s: %w", swapID, domain.ErrNotParticipant)
	}
	return sw, nil
}

// List returns userID's swaps, newest first.
func (s *SwapService) List(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Swap, error) {
	swaps, err := s.uow.Swaps().ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("swap_service: list for %s: %w", userID, err)
	}
	return swaps, nil
}

type transitionReq struct {
	ref domain.SwapRef
	// actor must be a participant; empty for system-driven transitions.
	actor  string
	action domain.SwapAction
	// unversioned skips the optimistic check, for drivers that act on
	// whatever state the swap is in.
	unversioned bool
	// settled reports a swap already in the state the request would
	// produce; it is returned as-is without a write.
	settled func(sw domain.Swap) bool
	// apply mutates the swap and returns the status it ends in, which may
	// be its current status when more participants must still act.
	apply func(sw *domain.Swap, to domain.SwapStatus, now time.Time) (domain.SwapStatus, error)
}

func (s *SwapService) transition(ctx context.Context, req transitionReq) (domain.Swap, error) {
	var (
		out     domain.Swap
		from    domain.SwapStatus
		changed bool
		trustEv []domain.TrustEvent
	)

	if !req.unversioned && req.ref.Version <= 0 {
		return domain.Swap{}, fmt.Errorf("swap_service: %s %s: %w: version is required",
			req.action, req.ref.ID, domain.ErrInvalidInput)
	}

	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		cur, err := r.Swaps().GetForUpdate(ctx, req.ref.ID)
		if err != nil {
			return fmt.Errorf("load swap: %w", err)
		}
		if req.actor != "" && !cur.Involves(req.actor) {
			return domain.ErrNotParticipant
		}
		if !req.unversioned && req.ref.Version != cur.Version {
			return fmt.Errorf("swap %s at version %d, caller has %d: %w",
				cur.ID, cur.Version, req.ref.Version, domain.ErrStaleVersion)
		}
		if req.settled != nil && req.settled(cur) {
			out = cur
			return nil
		}

		to, err := cur.Next(req.action)
		if err != nil {
			return err
		}

		now := s.now()
		next := cur
		status, err := req.apply(&next, to, now)
		if err != nil {
			return err
		}
		from = cur.Status
		next.Status = status
		next.UpdatedAt = now
		next.Version = cur.Version + 1

		if status.Terminal() {
			resolved := now
			next.ResolvedAt = &resolved
			next.ExpiresAt = nil
			if err := r.Locks().Release(ctx, next.ID); err != nil {
				return fmt.Errorf("release locks: %w", err)
			}
			trustEv, err = s.trust.ApplyOutcome(ctx, r, &next, from, now)
			if err != nil {
				return err
			}
		}

		if err := r.Swaps().Update(ctx, next, cur.Version); err != nil {
			return fmt.Errorf("update swap: %w", err)
		}
		if err := r.Audit().Log(ctx, "swap_"+string(req.action), swapAuditDetail(next, from, req.actor)); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		out = next
		changed = true
		return nil
	})
	if err != nil {
		s.logFailure(ctx, string(req.action), req.ref.ID, err)
		return domain.Swap{}, fmt.Errorf("swap_service: %s %s: %w", req.action, req.ref.ID, err)
	}
	if !changed {
		return out, nil
	}

	s.logger.InfoContext(ctx, "swap_service: swap transitioned",
		slog.String("swap_id", out.ID),
		slog.String("action", string(req.action)),
		slog.String("from", string(from)),
		slog.String("to", string(out.Status)),
		slog.Int64("version", out.Version),
	)

	if len(trustEv) > 0 && s.cache != nil {
		if err := s.cache.Invalidate(ctx, out.UserIDs()...); err != nil {
			s.logger.WarnContext(ctx, "swap_service: trust cache invalidate failed",
				slog.String("swap_id", out.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.events.swap(ctx, domain.SwapEvent{
		SwapID:  out.ID,
		Action:  req.action,
		From:    from,
		To:      out.Status,
		Version: out.Version,
		UserIDs: out.UserIDs(),
		Actor:   req.actor,
		At:      out.UpdatedAt,
	})
	s.events.trust(ctx, trustEv)
	return out, nil
}

// logFailure logs expected contention and caller mistakes at Warn and
// everything else at Error.
func (s *SwapService) logFailure(ctx context.Context, op, id string, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("id", id),
		slog.String("kind", domain.ErrorKind(err).String()),
		slog.String("error", err.Error()),
	}
	if domain.ErrorKind(err) == domain.KindInternal && !errors.Is(err, context.Canceled) {
		s.logger.ErrorContext(ctx, "swap_service: operation failed", attrs...)
		return
	}
	s.logger.WarnContext(ctx, "swap_service: operation rejected", attrs...)
}

func swapAuditDetail(sw domain.Swap, from domain.SwapStatus, actor string) map[string]any {
	d := map[string]any{
		"swap_id":     sw.ID,
		"to":          string(sw.Status),
		"version":     sw.Version,
		"initiator":   sw.Initiator.UserID,
		"partner":     sw.Partner.UserID,
		"total_value": sw.TotalValue.StringFixed(2),
	}
	if from != "" {
		d["from"] = string(from)
	}
	if actor != "" {
		d["actor"] = actor
	}
	if sw.TerminalReason != "" {
		d["reason"] = sw.TerminalReason
	}
	return d
}
