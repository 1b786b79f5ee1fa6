package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Statuses restricts swap listings; empty means all.
	Statuses []SwapStatus
}

// BillStore persists user bills.
type BillStore interface {
	Create(ctx context.Context, bill UserBill) error
	Update(ctx context.Context, bill UserBill) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (UserBill, error)
	// GetForUpdate reads the bill and, inside a transaction, holds its row
	// until commit so no other transaction can change or delete it.
	GetForUpdate(ctx context.Context, id string) (UserBill, error)
	ListByUser(ctx context.Context, userID string) ([]UserBill, error)
	// ListCandidates returns the matching pool for q, ordered by id.
	ListCandidates(ctx context.Context, q BillQuery) ([]UserBill, error)
}

// ScheduleStore persists payday schedules, one per user.
type ScheduleStore interface {
	Upsert(ctx context.Context, s PaydaySchedule) error
	Get(ctx context.Context, userID string) (PaydaySchedule, error)
	// GetMany omits users without a schedule.
	GetMany(ctx context.Context, userIDs []string) (map[string]PaydaySchedule, error)
}

// TrustStore persists trust status with optimistic versioning.
type TrustStore interface {
	// Get returns NewTrustStatus for users without a row.
	Get(ctx context.Context, userID string) (TrustStatus, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]TrustStatus, error)
	// Save writes t if the stored version still equals t.Version and bumps
	// it. A zero version inserts. Returns ErrStaleVersion on mismatch.
	Save(ctx context.Context, t TrustStatus) (TrustStatus, error)
}

// SwapStore persists swap aggregates with optimistic versioning.
type SwapStore interface {
	Create(ctx context.Context, s Swap) error
	GetByID(ctx context.Context, id string) (Swap, error)
	// GetForUpdate reads the swap and, inside a transaction, holds its row
	// until commit.
	GetForUpdate(ctx context.Context, id string) (Swap, error)
	// Update persists s when the stored version equals expectedVersion.
	// Returns ErrStaleVersion otherwise.
	Update(ctx context.Context, s Swap, expectedVersion int64) error
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Swap, error)
	// ListExpiring returns non-terminal swaps whose deadline is before t.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]Swap, error)
	// ListArchivable returns unarchived terminal swaps resolved before t.
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]Swap, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// BillLockStore enforces the single active swap per bill rule.
type BillLockStore interface {
	// Acquire locks every bill for swapID or none of them. Returns
	// ErrBillAlreadyLocked when any bill is held.
	Acquire(ctx context.Context, swapID string, billIDs ...string) error
	// Release frees every bill held by swapID.
	Release(ctx context.Context, swapID string) error
	// Holders maps each locked bill among billIDs to its swap.
	Holders(ctx context.Context, billIDs []string) (map[string]string, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Repositories groups the stores bound to one connection or transaction.
type Repositories interface {
	Bills() BillStore
	Schedules() ScheduleStore
	Trust() TrustStore
	Swaps() SwapStore
	Locks() BillLockStore
	Audit() AuditStore
}

// UnitOfWork runs fn against stores bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
