package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/billix/billswap/internal/domain"
)

// BillStore implements domain.BillStore using PostgreSQL.
type BillStore struct {
	db DBTX
}

// NewBillStore creates a new BillStore.
func NewBillStore(db DBTX) *BillStore {
	return &BillStore{db: db}
}

const billSelectCols = `id, user_id, category, provider, amount, due_day, created_at, updated_at`

func scanBill(scanner interface{ Scan(dest ...any) error }) (domain.UserBill, error) {
	var b domain.UserBill
	var category string
	err := scanner.Scan(&b.ID, &b.UserID, &category, &b.Provider, &b.Amount, &b.DueDay, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.UserBill{}, err
	}
	b.Category = domain.Category(category)
	return b, nil
}

func scanBills(rows pgx.Rows) ([]domain.UserBill, error) {
	defer rows.Close()
	var out []domain.UserBill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Create inserts a bill.
func (s *BillStore) Create(ctx context.Context, b domain.UserBill) error {
	const query = `
		INSERT INTO bills (id, user_id, category, provider, amount, due_day, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query,
		b.ID, b.UserID, string(b.Category), b.Provider, b.Amount, b.DueDay, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create bill %s: %w", b.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create bill %s: %w", b.ID, err)
	}
	return nil
}

// Update replaces a bill's mutable fields.
func (s *BillStore) Update(ctx context.Context, b domain.UserBill) error {
	const query = `
		UPDATE bills
		SET category = $2, provider = $3, amount = $4, due_day = $5, updated_at = $6
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, b.ID, string(b.Category), b.Provider, b.Amount, b.DueDay, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update bill %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update bill %s: %w", b.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a bill.
func (s *BillStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM bills WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("postgres: delete bill %s: %w", id, domain.ErrBillLocked)
		}
		return fmt.Errorf("postgres: delete bill %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: delete bill %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns one bill.
func (s *BillStore) GetByID(ctx context.Context, id string) (domain.UserBill, error) {
	row := s.db.QueryRow(ctx, `SELECT `+billSelectCols+` FROM bills WHERE id = $1`, id)
	b, err := scanBill(row)
	if err != nil {
		return domain.UserBill{}, fmt.Errorf("postgres: get bill %s: %w", id, notFound(err))
	}
	return b, nil
}

// GetForUpdate returns one bill and holds its row lock until the enclosing
// transaction ends.
func (s *BillStore) GetForUpdate(ctx context.Context, id string) (domain.UserBill, error) {
	row := s.db.QueryRow(ctx, `SELECT `+billSelectCols+` FROM bills WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBill(row)
	if err != nil {
		return domain.UserBill{}, fmt.Errorf("postgres: get bill %s for update: %w", id, notFound(err))
	}
	return b, nil
}

// ListByUser returns a user's bills ordered by due day.
func (s *BillStore) ListByUser(ctx context.Context, userID string) ([]domain.UserBill, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+billSelectCols+` FROM bills WHERE user_id = $1 ORDER BY due_day, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bills for %s: %w", userID, err)
	}
	bills, err := scanBills(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan bills for %s: %w", userID, err)
	}
	return bills, nil
}

// ListCandidates returns the matching pool for q, ordered by id.
func (s *BillStore) ListCandidates(ctx context.Context, q domain.BillQuery) ([]domain.UserBill, error) {
	query := `SELECT ` + billSelectCols + ` FROM bills b WHERE 1=1`
	args := []any{}
	argIdx := 1

	if q.Category != "" {
		query += fmt.Sprintf(" AND b.category = $%d", argIdx)
		args = append(args, string(q.Category))
		argIdx++
	}
	if q.ExcludeUserID != "" {
		query += fmt.Sprintf(" AND b.user_id <> $%d", argIdx)
		args = append(args, q.ExcludeUserID)
		argIdx++
	}
	if !q.MinAmount.IsZero() {
		query += fmt.Sprintf(" AND b.amount >= $%d", argIdx)
		args = append(args, q.MinAmount)
		argIdx++
	}
	if !q.MaxAmount.IsZero() {
		query += fmt.Sprintf(" AND b.amount <= $%d", argIdx)
		args = append(args, q.MaxAmount)
		argIdx++
	}
	if q.Unlocked {
		query += " AND NOT EXISTS (SELECT 1 FROM bill_locks l WHERE l.bill_id = b.id)"
	}

	query += " ORDER BY b.id"

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.Limit)
		argIdx++
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, q.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candidate bills: %w", err)
	}
	bills, err := scanBills(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan candidate bills: %w", err)
	}
	return bills, nil
}
