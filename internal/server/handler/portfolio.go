package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/billix/billswap/internal/domain"
)

// Portfolio manages a user's bills, schedule and trust view.
type Portfolio interface {
	CreateBill(ctx context.Context, userID string, bill domain.UserBill) (domain.UserBill, error)
	UpdateBill(ctx context.Context, userID string, bill domain.UserBill) (domain.UserBill, error)
	DeleteBill(ctx context.Context, userID, billID string) error
	ListBills(ctx context.Context, userID string) ([]domain.UserBill, error)
	SetSchedule(ctx context.Context, userID string, sched domain.PaydaySchedule) (domain.PaydaySchedule, error)
	GetSchedule(ctx context.Context, userID string) (domain.PaydaySchedule, error)
	Trust(ctx context.Context, userID string) (domain.TrustView, error)
}

// PortfolioHandler serves the caller's own bills, schedule and trust.
type PortfolioHandler struct {
	portfolio Portfolio
	logger    *slog.Logger
}

// NewPortfolioHandler creates a PortfolioHandler.
func NewPortfolioHandler(portfolio Portfolio, logger *slog.Logger) *PortfolioHandler {
	return &PortfolioHandler{portfolio: portfolio, logger: logger}
}

type billRequest struct {
	Category domain.Category `json:"category"`
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount"`
	DueDay   int             `json:"due_day"`
}

func (b billRequest) bill(id string) domain.UserBill {
	return domain.UserBill{
		ID:       id,
		Category: b.Category,
		Provider: b.Provider,
		Amount:   b.Amount,
		DueDay:   b.DueDay,
	}
}

type listBillsResponse struct {
	Bills []domain.UserBill `json:"bills"`
}

// ListBills GET /api/bills
func (h *PortfolioHandler) ListBills(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	bills, err := h.portfolio.ListBills(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "list bills", err)
		return
	}
	if bills == nil {
		bills = []domain.UserBill{}
	}
	writeJSON(w, http.StatusOK, listBillsResponse{Bills: bills})
}

// CreateBill POST /api/bills
func (h *PortfolioHandler) CreateBill(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req billRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bill, err := h.portfolio.CreateBill(r.Context(), userID, req.bill(""))
	if err != nil {
		writeServiceError(w, r, h.logger, "create bill", err)
		return
	}
	writeJSON(w, http.StatusCreated, bill)
}

// UpdateBill PUT /api/bills/{id}
func (h *PortfolioHandler) UpdateBill(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var req billRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bill, err := h.portfolio.UpdateBill(r.Context(), userID, req.bill(r.PathValue("id")))
	if err != nil {
		writeServiceError(w, r, h.logger, "update bill", err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

// DeleteBill DELETE /api/bills/{id}
func (h *PortfolioHandler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.portfolio.DeleteBill(r.Context(), userID, r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, "delete bill", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSchedule GET /api/schedule
func (h *PortfolioHandler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	sched, err := h.portfolio.GetSchedule(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// SetSchedule PUT /api/schedule
func (h *PortfolioHandler) SetSchedule(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	var sched domain.PaydaySchedule
	if err := decodeJSON(w, r, &sched); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.portfolio.SetSchedule(r.Context(), userID, sched)
	if err != nil {
		writeServiceError(w, r, h.logger, "set schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Trust GET /api/trust
func (h *PortfolioHandler) Trust(w http.ResponseWriter, r *http.Request) {
	userID, ok := caller(w, r)
	if !ok {
		return
	}
	view, err := h.portfolio.Trust(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, h.logger, "trust", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
