package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/matching"
)

// PortfolioService manages a user's bills and payday schedule. Bills held by
// an active swap are frozen until the swap ends.
type PortfolioService struct {
	uow       domain.UnitOfWork
	swappable []domain.Category
	now       func() time.Time
	logger    *slog.Logger
}

// NewPortfolioService creates a PortfolioService.
func NewPortfolioService(uow domain.UnitOfWork, swappable []domain.Category, logger *slog.Logger) *PortfolioService {
	return &PortfolioService{
		uow:       uow,
		swappable: swappable,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// WithClock replaces the wall clock.
func (s *PortfolioService) WithClock(now func() time.Time) *PortfolioService {
	s.now = now
	return s
}

// CreateBill validates bill against the owner's current bracket and stores it.
func (s *PortfolioService) CreateBill(ctx context.Context, userID string, bill domain.UserBill) (domain.UserBill, error) {
	bill.UserID = userID
	if bill.ID == "" {
		bill.ID = uuid.NewString()
	}
	if err := bill.Validate(); err != nil {
		return domain.UserBill{}, fmt.Errorf("portfolio_service: create bill: %w", err)
	}

	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		if err := s.checkBracket(ctx, r, bill); err != nil {
			return err
		}
		now := s.now()
		bill.CreatedAt, bill.UpdatedAt = now, now
		if err := r.Bills().Create(ctx, bill); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "bill_created", billAuditDetail(bill))
	})
	if err != nil {
		return domain.UserBill{}, fmt.Errorf("portfolio_service: create bill: %w", err)
	}

	s.logger.InfoContext(ctx, "portfolio_service: bill created",
		slog.String("bill_id", bill.ID),
		slog.String("user_id", userID),
		slog.String("category", string(bill.Category)),
	)
	return bill, nil
}

// UpdateBill replaces an unlocked bill's fields.
func (s *PortfolioService) UpdateBill(ctx context.Context, userID string, bill domain.UserBill) (domain.UserBill, error) {
	bill.UserID = userID
	if err := bill.Validate(); err != nil {
		return domain.UserBill{}, fmt.Errorf("portfolio_service: update bill: %w", err)
	}

	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		cur, err := s.ownedUnlocked(ctx, r, userID, bill.ID)
		if err != nil {
			return err
		}
		if err := s.checkBracket(ctx, r, bill); err != nil {
			return err
		}
		bill.CreatedAt = cur.CreatedAt
		bill.UpdatedAt = s.now()
		if err := r.Bills().Update(ctx, bill); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "bill_updated", billAuditDetail(bill))
	})
	if err != nil {
		return domain.UserBill{}, fmt.Errorf("portfolio_service: update bill %s: %w", bill.ID, err)
	}
	return bill, nil
}

// DeleteBill removes an unlocked bill.
func (s *PortfolioService) DeleteBill(ctx context.Context, userID, billID string) error {
	err := s.uow.WithinTx(ctx, func(ctx context.Context, r domain.Repositories) error {
		cur, err := s.ownedUnlocked(ctx, r, userID, billID)
		if err != nil {
			return err
		}
		if err := r.Bills().Delete(ctx, billID); err != nil {
			return err
		}
		return r.Audit().Log(ctx, "bill_deleted", billAuditDetail(cur))
	})
	if err != nil {
		return fmt.Errorf("portfolio_service: delete bill %s: %w", billID, err)
	}
	return nil
}

// ListBills returns userID's bills.
func (s *PortfolioService) ListBills(ctx context.Context, userID string) ([]domain.UserBill, error) {
	bills, err := s.uow.Bills().ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("portfolio_service: list bills: %w", err)
	}
	return bills, nil
}

// SetSchedule validates and stores userID's payday schedule.
func (s *PortfolioService) SetSchedule(ctx context.Context, userID string, sched domain.PaydaySchedule) (domain.PaydaySchedule, error) {
	sched.UserID = userID
	if err := sched.Validate(); err != nil {
		return domain.PaydaySchedule{}, fmt.Errorf("portfolio_service: set schedule: %w", err)
	}
	if sched.Reference != nil {
		ref := domain.Midnight(*sched.Reference)
		sched.Reference = &ref
	}
	sched.UpdatedAt = s.now()
	if err := s.uow.Schedules().Upsert(ctx, sched); err != nil {
		return domain.PaydaySchedule{}, fmt.Errorf("portfolio_service: set schedule: %w", err)
	}
	return sched, nil
}

// GetSchedule returns userID's schedule or domain.ErrScheduleMissing.
func (s *PortfolioService) GetSchedule(ctx context.Context, userID string) (domain.PaydaySchedule, error) {
	sched, err := s.uow.Schedules().Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PaydaySchedule{}, fmt.Errorf("portfolio_service: user %s: %w", userID, domain.ErrScheduleMissing)
	}
	if err != nil {
		return domain.PaydaySchedule{}, fmt.Errorf("portfolio_service: get schedule: %w", err)
	}
	return sched, nil
}

// Trust returns userID's trust status with its derived tier.
func (s *PortfolioService) Trust(ctx context.Context, userID string) (domain.TrustView, error) {
	t, err := s.uow.Trust().Get(ctx, userID)
	if err != nil {
		return domain.TrustView{}, fmt.Errorf("portfolio_service: trust %s: %w", userID, err)
	}
	return t.View(), nil
}

func (s *PortfolioService) checkBracket(ctx context.Context, r domain.Repositories, bill domain.UserBill) error {
	trust, err := r.Trust().Get(ctx, bill.UserID)
	if err != nil {
		return fmt.Errorf("load trust: %w", err)
	}
	return matching.EligibleBracket(trust, s.swappable).Check(bill)
}

// ownedUnlocked row-locks the bill before reading its lock holders, so a
// concurrent proposal either sees this change or is seen by it.
func (s *PortfolioService) ownedUnlocked(ctx context.Context, r domain.Repositories, userID, billID string) (domain.UserBill, error) {
	cur, err := r.Bills().GetForUpdate(ctx, billID)
	if err != nil {
		return domain.UserBill{}, err
	}
	if cur.UserID != userID {
		// Other users' bills are reported as missing.
		return domain.UserBill{}, domain.ErrNotFound
	}
	holders, err := r.Locks().Holders(ctx, []string{billID})
	if err != nil {
		return domain.UserBill{}, err
	}
	if swapID, ok := holders[billID]; ok {
		return domain.UserBill{}, fmt.Errorf("bill %s held by swap %s: %w", billID, swapID, domain.ErrBillLocked)
	}
	return cur, nil
}

func billAuditDetail(b domain.UserBill) map[string]any {
	return map[string]any{
		"bill_id":  b.ID,
		"user_id":  b.UserID,
		"category": string(b.Category),
		"amount":   b.Amount.StringFixed(2),
		"due_day":  b.DueDay,
	}
}
