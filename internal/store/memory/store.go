// Package memory implements the domain stores in process memory. Each
// transaction works on a private copy of the data that replaces the live copy
// on commit, and transactions are serialized, so the store offers the same
// atomicity the Postgres backend gets from the database.
package memory

import (
	"context"
	"sync"

	"github.com/billix/billswap/internal/domain"
)

type state struct {
	bills     map[string]domain.UserBill
	schedules map[string]domain.PaydaySchedule
	trust     map[string]domain.TrustStatus
	swaps     map[string]domain.Swap
	locks     map[string]string // bill id -> swap id
	audit     []domain.AuditEntry
	auditSeq  int64
}

func newState() *state {
	return &state{
		bills:     make(map[string]domain.UserBill),
		schedules: make(map[string]domain.PaydaySchedule),
		trust:     make(map[string]domain.TrustStatus),
		swaps:     make(map[string]domain.Swap),
		locks:     make(map[string]string),
	}
}

func (s *state) clone() *state {
	c := &state{
		bills:     make(map[string]domain.UserBill, len(s.bills)),
		schedules: make(map[string]domain.PaydaySchedule, len(s.schedules)),
		trust:     make(map[string]domain.TrustStatus, len(s.trust)),
		swaps:     make(map[string]domain.Swap, len(s.swaps)),
		locks:     make(map[string]string, len(s.locks)),
		// The log is append-only and shared. A transaction only writes past
		// the live length; after a rollback those slots are unobserved and
		// the next append overwrites them.
		audit:    s.audit,
		auditSeq: s.auditSeq,
	}
	for k, v := range s.bills {
		c.bills[k] = v
	}
	for k, v := range s.schedules {
		c.schedules[k] = v
	}
	for k, v := range s.trust {
		c.trust[k] = v
	}
	for k, v := range s.swaps {
		c.swaps[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	return c
}

// Store is an in-memory domain.UnitOfWork.
type Store struct {
	mu sync.Mutex
	st *state
}

// New creates an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// WithinTx runs fn against a snapshot and publishes it if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos domain.Repositories) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	if err := fn(ctx, &repos{tx: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) Bills() domain.BillStore         { return &billStore{r: s.auto()} }
func (s *Store) Schedules() domain.ScheduleStore { return &scheduleStore{r: s.auto()} }
func (s *Store) Trust() domain.TrustStore        { return &trustStore{r: s.auto()} }
func (s *Store) Swaps() domain.SwapStore         { return &swapStore{r: s.auto()} }
func (s *Store) Locks() domain.BillLockStore     { return &lockStore{r: s.auto()} }
func (s *Store) Audit() domain.AuditStore        { return &auditStore{r: s.auto()} }

func (s *Store) auto() *repos {
	return &repos{store: s}
}

// repos binds the stores either to a transaction snapshot or, outside a
// transaction, to the live state with one lock per call.
type repos struct {
	store *Store
	tx    *state
}

func (r *repos) view() (*state, func()) {
	if r.tx != nil {
		return r.tx, func() {}
	}
	r.store.mu.Lock()
	return r.store.st, r.store.mu.Unlock
}

func (r *repos) Bills() domain.BillStore         { return &billStore{r: r} }
func (r *repos) Schedules() domain.ScheduleStore { return &scheduleStore{r: r} }
func (r *repos) Trust() domain.TrustStore        { return &trustStore{r: r} }
func (r *repos) Swaps() domain.SwapStore         { return &swapStore{r: r} }
func (r *repos) Locks() domain.BillLockStore     { return &lockStore{r: r} }
func (r *repos) Audit() domain.AuditStore        { return &auditStore{r: r} }

var (
	_ domain.UnitOfWork   = (*Store)(nil)
	_ domain.Repositories = (*repos)(nil)
)
