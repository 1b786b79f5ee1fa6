package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/billix/billswap/internal/domain"
)

// DBTX is the subset of pgx used by the stores. *pgxpool.Pool, pgx.Tx and
// pgxmock all satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner is a DBTX that can open transactions.
type Beginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements domain.UnitOfWork on PostgreSQL. Outside WithinTx each
// call runs on its own pooled connection.
type Store struct {
	db Beginner
	repos
}

// NewStore creates a Store over db, usually a *pgxpool.Pool.
func NewStore(db Beginner) *Store {
	return &Store{db: db, repos: repos{db: db}}
}

// WithinTx begins a transaction, runs fn with stores bound to it, and commits
// on success. It rolls back when fn returns an error or panics; panics are
// rethrown.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r domain.Repositories) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
			}
			return
		}
		if cErr := tx.Commit(ctx); cErr != nil {
			err = fmt.Errorf("postgres: commit: %w", cErr)
		}
	}()

	return fn(ctx, repos{db: tx})
}

// repos binds every store to one DBTX.
type repos struct {
	db DBTX
}

func (r repos) Bills() domain.BillStore         { return &BillStore{db: r.db} }
func (r repos) Schedules() domain.ScheduleStore { return &ScheduleStore{db: r.db} }
func (r repos) Trust() domain.TrustStore        { return &TrustStore{db: r.db} }
func (r repos) Swaps() domain.SwapStore         { return &SwapStore{db: r.db} }
func (r repos) Locks() domain.BillLockStore     { return &BillLockStore{db: r.db} }
func (r repos) Audit() domain.AuditStore        { return &AuditStore{db: r.db} }

var (
	_ domain.UnitOfWork   = (*Store)(nil)
	_ domain.Repositories = repos{}
)

// isUniqueViolation reports a primary key or unique index conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation reports a row still referenced by another table.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

var _ domain.UnitOfWork = (*Store)(nil)
