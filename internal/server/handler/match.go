package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/matching"
)

// MatchFinder ranks swap partners for a bill.
type MatchFinder interface {
	FindMatches(ctx context.Context, userID, billID string) (matching.Result, error)
}

// MatchHandler serves match queries.
type MatchHandler struct {
	matches MatchFinder
	logger  *slog.Logger
}

// NewMatchHandler creates a MatchHandler.
func NewMatchHandler(matches MatchFinder, logger *slog.Logger) *MatchHandler {
	return &MatchHandler{matches: matches, logger: logger}
}

type exclusionResponse struct {
	BillID string `json:"bill_id"`
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type matchesResponse struct {
	Candidates []domain.MatchCandidate `json:"candidates"`
	Excluded   []exclusionResponse     `json:"excluded"`
}

// FindMatches returns ranked candidates for one of the caller's bills. An
// empty candidate list is a normal answer.
// GET /api/bills/{id}/matches
func (h *MatchHandler) FindMatches(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	res, err := h.matches.FindMatches(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "find matches", err)
		return
	}

	resp := matchesResponse{
		Candidates: res.Candidates,
		Excluded:   make([]exclusionResponse, 0, len(res.Excluded)),
	}
	if resp.Candidates == nil {
		resp.Candidates = []domain.MatchCandidate{}
	}
	for _, ex := range res.Excluded {
		resp.Excluded = append(resp.Excluded, exclusionResponse{
			BillID: ex.BillID,
			UserID: ex.UserID,
			Reason: ex.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
