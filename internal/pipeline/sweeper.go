package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/billix/billswap/internal/domain"
)

const sweeperLockName = "expiry-sweeper"

// Expirer drives one expired swap to its terminal status. Calling it twice
// for the same swap must be safe.
type Expirer interface {
	Expire(ctx context.Context, swapID string) (domain.Swap, error)
}

// Sweeper periodically expires Proposed and Accepted swaps whose deadline
// passed. With a LockManager only one replica sweeps per tick.
type Sweeper struct {
	swaps    domain.SwapStore
	expirer  Expirer
	locks    domain.LockManager
	interval time.Duration
	batch    int
	lockTTL  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(swaps domain.SwapStore, expirer Expirer, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		swaps:    swaps,
		expirer:  expirer,
		interval: interval,
		batch:    batch,
		lockTTL:  30 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// WithLeaderLock elects one sweeping replica per tick through locks.
func (s *Sweeper) WithLeaderLock(locks domain.LockManager, ttl time.Duration) *Sweeper {
	s.locks = locks
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

// WithClock replaces the wall clock.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RunOnce expires one batch of overdue swaps and returns how many it
// expired. Swaps another actor moved first are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweeperLockName, s.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "sweeper: another replica holds the lock")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("sweeper: acquire lock: %w", err)
		}
		defer unlock()
	}

	due, err := s.swaps.ListExpiring(ctx, s.now(), s.batch)
	if err != nil {
		return 0, fmt.Errorf("sweeper: list expiring: %w", err)
	}

	expired := 0
	for _, sw := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if _, err := s.expirer.Expire(ctx, sw.ID); err != nil {
			switch domain.ErrorKind(err) {
			case domain.KindState, domain.KindConcurrency, domain.KindValidation:
				s.logger.WarnContext(ctx, "sweeper: swap moved before expiry",
					slog.String("swap_id", sw.ID),
					slog.String("error", err.Error()),
				)
			default:
				s.logger.ErrorContext(ctx, "sweeper: expire failed",
					slog.String("swap_id", sw.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.InfoContext(ctx, "sweeper: expired swaps",
			slog.Int("count", expired),
			slog.Int("due", len(due)),
		)
	}
	return expired, nil
}

// RunLoop sweeps immediately and then on every tick until ctx ends.
func (s *Sweeper) RunLoop(ctx context.Context) error {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweeper: run failed", slog.String("error", err.Error()))
	}
}
