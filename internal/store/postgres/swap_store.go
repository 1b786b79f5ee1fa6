package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/billix/billswap/internal/domain"
)

// SwapStore implements domain.SwapStore using PostgreSQL. Participants are
// stored as flat initiator_* and partner_* columns.
type SwapStore struct {
	db DBTX
}

// NewSwapStore creates a new SwapStore.
func NewSwapStore(db DBTX) *SwapStore {
	return &SwapStore{db: db}
}

const swapSelectCols = `id, status, category, total_value,
	initiator_user_id, initiator_bill_id, initiator_amount, initiator_due_day,
	initiator_accepted_at, initiator_confirmed_at, initiator_points,
	partner_user_id, partner_bill_id, partner_amount, partner_due_day,
	partner_accepted_at, partner_confirmed_at, partner_points,
	created_at, updated_at, expires_at, execution_start, execution_end,
	disputed_at, completed_at, resolved_at,
	terminal_reason, dispute_reason, disputed_by, declined_by, cancelled_by, penalized_user_id,
	version, archived_at`

func scanSwap(scanner interface{ Scan(dest ...any) error }) (domain.Swap, error) {
	var (
		sw               domain.Swap
		status, category string
		ini, par         = &sw.Initiator, &sw.Partner
	)
	err := scanner.Scan(
		&sw.ID, &status, &category, &sw.TotalValue,
		&ini.UserID, &ini.BillID, &ini.Amount, &ini.DueDay,
		&ini.AcceptedAt, &ini.ConfirmedAt, &ini.PointsAwarded,
		&par.UserID, &par.BillID, &par.Amount, &par.DueDay,
		&par.AcceptedAt, &par.ConfirmedAt, &par.PointsAwarded,
		&sw.CreatedAt, &sw.UpdatedAt, &sw.ExpiresAt, &sw.ExecutionStart, &sw.ExecutionEnd,
		&sw.DisputedAt, &sw.CompletedAt, &sw.ResolvedAt,
		&sw.TerminalReason, &sw.DisputeReason, &sw.DisputedBy, &sw.DeclinedBy, &sw.CancelledBy, &sw.PenalizedUserID,
		&sw.Version, &sw.ArchivedAt,
	)
	if err != nil {
		return domain.Swap{}, err
	}
	sw.Status = domain.SwapStatus(status)
	sw.Category = domain.Category(category)
	return sw, nil
}

func scanSwaps(rows pgx.Rows) ([]domain.Swap, error) {
	defer rows.Close()
	var out []domain.Swap
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// swapArgs returns every column value in swapSelectCols order.
func swapArgs(sw domain.Swap) []any {
	ini, par := sw.Initiator, sw.Partner
	return []any{
		sw.ID, string(sw.Status), string(sw.Category), sw.TotalValue,
		ini.UserID, ini.BillID, ini.Amount, ini.DueDay,
		ini.AcceptedAt, ini.ConfirmedAt, ini.PointsAwarded,
		par.UserID, par.BillID, par.Amount, par.DueDay,
		par.AcceptedAt, par.ConfirmedAt, par.PointsAwarded,
		sw.CreatedAt, sw.UpdatedAt, sw.ExpiresAt, sw.ExecutionStart, sw.ExecutionEnd,
		sw.DisputedAt, sw.CompletedAt, sw.ResolvedAt,
		sw.TerminalReason, sw.DisputeReason, sw.DisputedBy, sw.DeclinedBy, sw.CancelledBy, sw.PenalizedUserID,
		sw.Version, sw.ArchivedAt,
	}
}

// Create inserts a new swap.
func (s *SwapStore) Create(ctx context.Context, sw domain.Swap) error {
	const query = `INSERT INTO swaps (` + swapSelectCols + `) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25, $26,
		$27, $28, $29, $30, $31, $32,
		$33, $34)`
	if _, err := s.db.Exec(ctx, query, swapArgs(sw)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create swap %s: %w", sw.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create swap %s: %w", sw.ID, err)
	}
	return nil
}

// GetByID returns one swap.
func (s *SwapStore) GetByID(ctx context.Context, id string) (domain.Swap, error) {
	row := s.db.QueryRow(ctx, `SELECT `+swapSelectCols+` FROM swaps WHERE id = $1`, id)
	sw, err := scanSwap(row)
	if err != nil {
		return domain.Swap{}, fmt.Errorf("postgres: get swap %s: %w", id, notFound(err))
	}
	return sw, nil
}

// GetForUpdate reads the swap and holds its row lock until the surrounding
// transaction ends.
func (s *SwapStore) GetForUpdate(ctx context.Context, id string) (domain.Swap, error) {
	row := s.db.QueryRow(ctx, `SELECT `+swapSelectCols+` FROM swaps WHERE id = $1 FOR UPDATE`, id)
	sw, err := scanSwap(row)
	if err != nil {
		return domain.Swap{}, fmt.Errorf("postgres: get swap %s for update: %w", id, notFound(err))
	}
	return sw, nil
}

// Update writes every mutable column when the stored version still equals
// expectedVersion.
func (s *SwapStore) Update(ctx context.Context, sw domain.Swap, expectedVersion int64) error {
	const query = `
		UPDATE swaps SET
			status = $2,
			initiator_accepted_at = $3, initiator_confirmed_at = $4, initiator_points = $5,
			partner_accepted_at = $6, partner_confirmed_at = $7, partner_points = $8,
			updated_at = $9, expires_at = $10, execution_start = $11, execution_end = $12,
			disputed_at = $13, completed_at = $14, resolved_at = $15,
			terminal_reason = $16, dispute_reason = $17, disputed_by = $18,
			declined_by = $19, cancelled_by = $20, penalized_user_id = $21,
			version = $22
		WHERE id = $1 AND version = $23`

	ini, par := sw.Initiator, sw.Partner
	tag, err := s.db.Exec(ctx, query,
		sw.ID, string(sw.Status),
		ini.AcceptedAt, ini.ConfirmedAt, ini.PointsAwarded,
		par.AcceptedAt, par.ConfirmedAt, par.PointsAwarded,
		sw.UpdatedAt, sw.ExpiresAt, sw.ExecutionStart, sw.ExecutionEnd,
		sw.DisputedAt, sw.CompletedAt, sw.ResolvedAt,
		sw.TerminalReason, sw.DisputeReason, sw.DisputedBy,
		sw.DeclinedBy, sw.CancelledBy, sw.PenalizedUserID,
		sw.Version, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: update swap %s: %w", sw.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update swap %s at version %d: %w", sw.ID, expectedVersion, domain.ErrStaleVersion)
	}
	return nil
}

// ListByUser returns a user's swaps, newest first.
func (s *SwapStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Swap, error) {
	query := `SELECT ` + swapSelectCols + ` FROM swaps WHERE (initiator_user_id = $1 OR partner_user_id = $1)`
	args := []any{userID}
	argIdx := 2

	if len(opts.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statusStrings(opts.Statuses))
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list swaps for %s: %w", userID, err)
	}
	swaps, err := scanSwaps(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan swaps for %s: %w", userID, err)
	}
	return swaps, nil
}

// ListExpiring returns live swaps whose deadline is before t, oldest
// deadline first.
func (s *SwapStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]domain.Swap, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+swapSelectCols+` FROM swaps
		 WHERE status = ANY($1) AND expires_at IS NOT NULL AND expires_at < $2
		 ORDER BY expires_at, id
		 LIMIT $3`,
		statusStrings(domain.NonTerminalStatuses()), before, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list expiring swaps: %w", err)
	}
	swaps, err := scanSwaps(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expiring swaps: %w", err)
	}
	return swaps, nil
}

// ListArchivable returns unarchived terminal swaps resolved before t.
func (s *SwapStore) ListArchivable(ctx context.Context, before time.Time, limit int) ([]domain.Swap, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+swapSelectCols+` FROM swaps
		 WHERE status = ANY($1) AND archived_at IS NULL AND resolved_at < $2
		 ORDER BY resolved_at, id
		 LIMIT $3`,
		statusStrings([]domain.SwapStatus{domain.SwapCompleted, domain.SwapDeclined, domain.SwapCancelled}),
		before, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres: list archivable swaps: %w", err)
	}
	swaps, err := scanSwaps(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan archivable swaps: %w", err)
	}
	return swaps, nil
}

// MarkArchived stamps archived_at on the given swaps.
func (s *SwapStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE swaps SET archived_at = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("postgres: mark %d swaps archived: %w", len(ids), err)
	}
	return nil
}

func statusStrings(statuses []domain.SwapStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// limitOrAll turns a non-positive limit into NULL, which LIMIT treats as
// no limit.
func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
