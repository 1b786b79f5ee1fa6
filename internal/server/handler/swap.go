package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/service"
)

// SwapLifecycle is the swap state machine as seen by the API.
type SwapLifecycle interface {
	Propose(ctx context.Context, userID, billID, partnerID, partnerBillID string) (domain.Swap, error)
	Respond(ctx context.Context, ref domain.SwapRef, userID string, accept bool) (domain.Swap, error)
	BeginExecution(ctx context.Context, ref domain.SwapRef) (domain.Swap, error)
	Complete(ctx context.Context, ref domain.SwapRef) (domain.Swap, error)
	ConfirmCycle(ctx context.Context, ref domain.SwapRef, userID string) (domain.Swap, error)
	Dispute(ctx context.Context, ref domain.SwapRef, userID, reason string) (domain.Swap, error)
	ResolveDispute(ctx context.Context, ref domain.SwapRef, outcome service.DisputeOutcome, penalize string) (domain.Swap, error)
	Cancel(ctx context.Context, ref domain.SwapRef, userID string) (domain.Swap, error)
	Expire(ctx context.Context, swapID string) (domain.Swap, error)
	Get(ctx context.Context, swapID, userID string) (domain.Swap, error)
	List(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Swap, error)
}

// SwapHandler serves the swap lifecycle endpoints. Every transition except
// expire must carry the version the client last saw.
type SwapHandler struct {
	swaps  SwapLifecycle
	logger *slog.Logger
}

// NewSwapHandler creates a SwapHandler.
func NewSwapHandler(swaps SwapLifecycle, logger *slog.Logger) *SwapHandler {
	return &SwapHandler{swaps: swaps, logger: logger}
}

type proposeRequest struct {
	BillID        string `json:"bill_id"`
	PartnerID     string `json:"partner_id"`
	PartnerBillID string `json:"partner_bill_id"`
}

type versionRequest struct {
	Version int64 `json:"version"`
}

type respondRequest struct {
	Accept  bool  `json:"accept"`
	Version int64 `json:"version"`
}

type disputeRequest struct {
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

type resolveRequest struct {
	Outcome  service.DisputeOutcome `json:"outcome"`
	Penalize string                 `json:"penalize,omitempty"`
	Version  int64                  `json:"version"`
}

type listSwapsResponse struct {
	Swaps []domain.Swap `json:"swaps"`
}

// Propose creates a swap between one of the caller's bills and a partner's.
// POST /api/swaps
func (h *SwapHandler) Propose(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sw, err := h.swaps.Propose(r.Context(), userID, req.BillID, req.PartnerID, req.PartnerBillID)
	if err != nil {
		writeServiceError(w, r, h.logger, "propose swap", err)
		return
	}
	writeJSON(w, http.StatusCreated, sw)
}

// List returns the caller's swaps, newest first.
// GET /api/swaps?status=proposed,accepted&limit=50&offset=0
func (h *SwapHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	swaps, err := h.swaps.List(r.Context(), userID, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list swaps", err)
		return
	}
	if swaps == nil {
		swaps = []domain.Swap{}
	}
	writeJSON(w, http.StatusOK, listSwapsResponse{Swaps: swaps})
}

// Get returns one of the caller's swaps.
// GET /api/swaps/{id}
func (h *SwapHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	sw, err := h.swaps.Get(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "get swap", err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

// Respond accepts or declines a proposal.
// POST /api/swaps/{id}/respond
func (h *SwapHandler) Respond(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reply(w, r, "respond", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.Respond(ctx, ref(r, req.Version), userID, req.Accept)
	})
}

// Begin starts execution of an accepted swap. Participants and admins may
// call it.
// POST /api/swaps/{id}/begin
func (h *SwapHandler) Begin(w http.ResponseWriter, r *http.Request) {
	req, ok := h.participantVersion(w, r)
	if !ok {
		return
	}
	h.reply(w, r, "begin execution", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.BeginExecution(ctx, ref(r, req.Version))
	})
}

// Complete settles an executing swap. Admin only.
// POST /api/swaps/{id}/complete
func (h *SwapHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req versionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reply(w, r, "complete", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.Complete(ctx, ref(r, req.Version))
	})
}

// Confirm records that the caller's cycle went through.
// POST /api/swaps/{id}/confirm
func (h *SwapHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reply(w, r, "confirm cycle", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.ConfirmCycle(ctx, ref(r, req.Version), userID)
	})
}

// Dispute flags a problem with an executing swap.
// POST /api/swaps/{id}/dispute
func (h *SwapHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req disputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reply(w, r, "dispute", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.Dispute(ctx, ref(r, req.Version), userID, req.Reason)
	})
}

// Resolve closes a disputed swap. Admin only.
// POST /api/swaps/{id}/resolve
func (h *SwapHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reply(w, r, "resolve dispute", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.ResolveDispute(ctx, ref(r, req.Version), req.Outcome, req.Penalize)
	})
}

// Cancel withdraws the caller from a live swap.
// POST /api/swaps/{id}/cancel
func (h *SwapHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req versionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reply(w, r, "cancel", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.Cancel(ctx, ref(r, req.Version), userID)
	})
}

// Expire forces the expiry check on one swap. Admin only.
// POST /api/swaps/{id}/expire
func (h *SwapHandler) Expire(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	h.reply(w, r, "expire", func(ctx context.Context) (domain.Swap, error) {
		return h.swaps.Expire(ctx, r.PathValue("id"))
	})
}

// participantVersion decodes a versionRequest after checking that the
// caller is an admin or a participant of the swap.
func (h *SwapHandler) participantVersion(w http.ResponseWriter, r *http.Request) (versionRequest, bool) {
	var req versionRequest
	userID, ok := caller(w, r)
	if !ok {
		return req, false
	}
	if !isAdmin(r) {
		if _, err := h.swaps.Get(r.Context(), r.PathValue("id"), userID); err != nil {
			writeServiceError(w, r, h.logger, "load swap", err)
			return req, false
		}
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (h *SwapHandler) reply(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (domain.Swap, error)) {
	sw, err := fn(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func ref(r *http.Request, version int64) domain.SwapRef {
	return domain.SwapRef{ID: r.PathValue("id"), Version: version}
}
