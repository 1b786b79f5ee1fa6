package postgres

import (
	"context"
	"fmt"

	"github.com/billix/billswap/internal/domain"
)

// BillLockStore implements domain.BillLockStore on the bill_locks table.
// The bill_id primary key is the lock: a bill can have at most one row.
type BillLockStore struct {
	db DBTX
}

// NewBillLockStore creates a new BillLockStore.
func NewBillLockStore(db DBTX) *BillLockStore {
	return &BillLockStore{db: db}
}

// Acquire inserts one row per bill in a single statement. A concurrent
// insert of the same bill blocks on the primary key until the other
// transaction ends, then conflicts. When fewer rows than bills were written
// the rows that were taken are removed again.
func (s *BillLockStore) Acquire(ctx context.Context, swapID string, billIDs ...string) error {
	if len(billIDs) == 0 {
		return nil
	}
	const query = `
		INSERT INTO bill_locks (bill_id, swap_id)
		SELECT unnest($1::text[]), $2
		ON CONFLICT (bill_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query, billIDs, swapID)
	if err != nil {
		return fmt.Errorf("postgres: lock bills for %s: %w", swapID, err)
	}
	if tag.RowsAffected() == int64(len(billIDs)) {
		return nil
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM bill_locks WHERE swap_id = $1`, swapID); err != nil {
		return fmt.Errorf("postgres: undo partial lock for %s: %w", swapID, err)
	}
	return fmt.Errorf("postgres: lock bills %v for %s: %w", billIDs, swapID, domain.ErrBillAlreadyLocked)
}

// Release frees every bill held by swapID.
func (s *BillLockStore) Release(ctx context.Context, swapID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM bill_locks WHERE swap_id = $1`, swapID); err != nil {
		return fmt.Errorf("postgres: release locks for %s: %w", swapID, err)
	}
	return nil
}

// Holders maps each locked bill among billIDs to the swap holding it.
func (s *BillLockStore) Holders(ctx context.Context, billIDs []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(billIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT bill_id, swap_id FROM bill_locks WHERE bill_id = ANY($1)`, billIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock holders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bill, swap string
		if err := rows.Scan(&bill, &swap); err != nil {
			return nil, fmt.Errorf("postgres: scan lock holder: %w", err)
		}
		out[bill] = swap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: lock holders rows: %w", err)
	}
	return out, nil
}
