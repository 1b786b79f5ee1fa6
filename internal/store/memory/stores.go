package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/billix/billswap/internal/domain"
)

type billStore struct{ r *repos }

func (s *billStore) Create(_ context.Context, b domain.UserBill) error {
	st, done := s.r.view()
	defer done()
	if _, ok := st.bills[b.ID]; ok {
		return fmt.Errorf("memory: create bill %s: %w", b.ID, domain.ErrAlreadyExists)
	}
	st.bills[b.ID] = b
	return nil
}

func (s *billStore) Update(_ context.Context, b domain.UserBill) error {
	st, done := s.r.view()
	defer done()
	if _, ok := st.bills[b.ID]; !ok {
		return domain.ErrNotFound
	}
	st.bills[b.ID] = b
	return nil
}

func (s *billStore) Delete(_ context.Context, id string) error {
	st, done := s.r.view()
	defer done()
	if _, ok := st.bills[id]; !ok {
		return domain.ErrNotFound
	}
	delete(st.bills, id)
	return nil
}

func (s *billStore) GetByID(_ context.Context, id string) (domain.UserBill, error) {
	st, done := s.r.view()
	defer done()
	b, ok := st.bills[id]
	if !ok {
		return domain.UserBill{}, domain.ErrNotFound
	}
	return b, nil
}

// GetForUpdate needs no row lock: transactions are already serialized.
func (s *billStore) GetForUpdate(ctx context.Context, id string) (domain.UserBill, error) {
	return s.GetByID(ctx, id)
}

func (s *billStore) ListByUser(_ context.Context, userID string) ([]domain.UserBill, error) {
	st, done := s.r.view()
	defer done()
	var out []domain.UserBill
	for _, b := range st.bills {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *billStore) ListCandidates(_ context.Context, q domain.BillQuery) ([]domain.UserBill, error) {
	st, done := s.r.view()
	defer done()
	var out []domain.UserBill
	for _, b := range st.bills {
		if !q.Matches(b) {
			continue
		}
		if _, locked := st.locks[b.ID]; locked && q.Unlocked {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, q.Offset, q.Limit), nil
}

type scheduleStore struct{ r *repos }

func (s *scheduleStore) Upsert(_ context.Context, sched domain.PaydaySchedule) error {
	st, done := s.r.view()
	defer done()
	sched.AnchorDays = append([]int(nil), sched.AnchorDays...)
	st.schedules[sched.UserID] = sched
	return nil
}

func (s *scheduleStore) Get(_ context.Context, userID string) (domain.PaydaySchedule, error) {
	st, done := s.r.view()
	defer done()
	sched, ok := st.schedules[userID]
	if !ok {
		return domain.PaydaySchedule{}, domain.ErrNotFound
	}
	return sched, nil
}

func (s *scheduleStore) GetMany(_ context.Context, userIDs []string) (map[string]domain.PaydaySchedule, error) {
	st, done := s.r.view()
	defer done()
	out := make(map[string]domain.PaydaySchedule, len(userIDs))
	for _, id := range userIDs {
		if sched, ok := st.schedules[id]; ok {
			out[id] = sched
		}
	}
	return out, nil
}

type trustStore struct{ r *repos }

func (s *trustStore) Get(_ context.Context, userID string) (domain.TrustStatus, error) {
	st, done := s.r.view()
	defer done()
	if t, ok := st.trust[userID]; ok {
		return t, nil
	}
	return domain.NewTrustStatus(userID), nil
}

func (s *trustStore) GetMany(_ context.Context, userIDs []string) (map[string]domain.TrustStatus, error) {
	st, done := s.r.view()
	defer done()
	out := make(map[string]domain.TrustStatus, len(userIDs))
	for _, id := range userIDs {
		if t, ok := st.trust[id]; ok {
			out[id] = t
		} else {
			out[id] = domain.NewTrustStatus(id)
		}
	}
	return out, nil
}

func (s *trustStore) Save(_ context.Context, t domain.TrustStatus) (domain.TrustStatus, error) {
	st, done := s.r.view()
	defer done()
	var cur int64
	if existing, ok := st.trust[t.UserID]; ok {
		cur = existing.Version
	}
	if cur != t.Version {
		return domain.TrustStatus{}, fmt.Errorf("memory: save trust %s: %w", t.UserID, domain.ErrStaleVersion)
	}
	t.Version = cur + 1
	st.trust[t.UserID] = t
	return t, nil
}

type swapStore struct{ r *repos }

func (s *swapStore) Create(_ context.Context, sw domain.Swap) error {
	st, done := s.r.view()
	defer done()
	if _, ok := st.swaps[sw.ID]; ok {
		return fmt.Errorf("memory: create swap %s: %w", sw.ID, domain.ErrAlreadyExists)
	}
	st.swaps[sw.ID] = sw
	return nil
}

func (s *swapStore) GetByID(_ context.Context, id string) (domain.Swap, error) {
	st, done := s.r.view()
	defer done()
	sw, ok := st.swaps[id]
	if !ok {
		return domain.Swap{}, domain.ErrNotFound
	}
	return sw, nil
}

// GetForUpdate needs no row lock: transactions are already serialized.
func (s *swapStore) GetForUpdate(ctx context.Context, id string) (domain.Swap, error) {
	return s.GetByID(ctx, id)
}

func (s *swapStore) Update(_ context.Context, sw domain.Swap, expectedVersion int64) error {
	st, done := s.r.view()
	defer done()
	cur, ok := st.swaps[sw.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("memory: update swap %s: %w", sw.ID, domain.ErrStaleVersion)
	}
	st.swaps[sw.ID] = sw
	return nil
}

func (s *swapStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Swap, error) {
	st, done := s.r.view()
	defer done()
	var out []domain.Swap
	for _, sw := range st.swaps {
		if !sw.Involves(userID) || !statusIn(sw.Status, opts.Statuses) {
			continue
		}
		if opts.Since != nil && sw.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !sw.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (s *swapStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]domain.Swap, error) {
	st, done := s.r.view()
	defer done()
	var out []domain.Swap
	for _, sw := range st.swaps {
		if sw.Terminal() || sw.ExpiresAt == nil || !sw.ExpiresAt.Before(before) {
			continue
		}
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, 0, limit), nil
}

func (s *swapStore) ListArchivable(_ context.Context, before time.Time, limit int) ([]domain.Swap, error) {
	st, done := s.r.view()
	defer done()
	var out []domain.Swap
	for _, sw := range st.swaps {
		if !sw.Terminal() || sw.ArchivedAt != nil || sw.ResolvedAt == nil || !sw.ResolvedAt.Before(before) {
			continue
		}
		out = append(out, sw)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResolvedAt.Equal(*out[j].ResolvedAt) {
			return out[i].ResolvedAt.Before(*out[j].ResolvedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, 0, limit), nil
}

func (s *swapStore) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	st, done := s.r.view()
	defer done()
	for _, id := range ids {
		sw, ok := st.swaps[id]
		if !ok {
			return fmt.Errorf("memory: mark archived %s: %w", id, domain.ErrNotFound)
		}
		ts := at
		sw.ArchivedAt = &ts
		st.swaps[id] = sw
	}
	return nil
}

type lockStore struct{ r *repos }

func (s *lockStore) Acquire(_ context.Context, swapID string, billIDs ...string) error {
	st, done := s.r.view()
	defer done()
	for _, id := range billIDs {
		if holder, ok := st.locks[id]; ok {
			return fmt.Errorf("memory: lock bill %s held by swap %s: %w", id, holder, domain.ErrBillAlreadyLocked)
		}
	}
	for _, id := range billIDs {
		st.locks[id] = swapID
	}
	return nil
}

func (s *lockStore) Release(_ context.Context, swapID string) error {
	st, done := s.r.view()
	defer done()
	for bill, holder := range st.locks {
		if holder == swapID {
			delete(st.locks, bill)
		}
	}
	return nil
}

func (s *lockStore) Holders(_ context.Context, billIDs []string) (map[string]string, error) {
	st, done := s.r.view()
	defer done()
	out := make(map[string]string)
	for _, id := range billIDs {
		if holder, ok := st.locks[id]; ok {
			out[id] = holder
		}
	}
	return out, nil
}

type auditStore struct{ r *repos }

func (s *auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	st, done := s.r.view()
	defer done()
	st.auditSeq++
	st.audit = append(st.audit, domain.AuditEntry{
		ID:        st.auditSeq,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	st, done := s.r.view()
	defer done()
	var out []domain.AuditEntry
	for i := len(st.audit) - 1; i >= 0; i-- {
		e := st.audit[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts.Offset, opts.Limit), nil
}

func statusIn(s domain.SwapStatus, set []domain.SwapStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
