package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestAcquire_AllBillsLocked(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(q("INSERT INTO bill_locks")).
		WithArgs([]string{"a1", "b1"}, "s1").
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	err := NewBillLockStore(mock).Acquire(context.Background(), "s1", "a1", "b1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquire_ConflictUndoesPartialLock(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(q("INSERT INTO bill_locks")).
		WithArgs([]string{"a1", "b1"}, "s2").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q("DELETE FROM bill_locks WHERE swap_id = $1")).
		WithArgs("s2").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	err := NewBillLockStore(mock).Acquire(context.Background(), "s2", "a1", "b1")
	require.ErrorIs(t, err, domain.ErrBillAlreadyLocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHolders(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(q("SELECT bill_id, swap_id FROM bill_locks")).
		WithArgs([]string{"a1", "b1", "c1"}).
		WillReturnRows(pgxmock.NewRows([]string{"bill_id", "swap_id"}).
			AddRow("a1", "s1").
			AddRow("b1", "s1"))

	got, err := NewBillLockStore(mock).Holders(context.Background(), []string{"a1", "b1", "c1"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a1": "s1", "b1": "s1"}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBillGetForUpdate_NotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(q("FROM bills WHERE id = $1 FOR UPDATE")).
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)

	_, err := NewBillStore(mock).GetForUpdate(context.Background(), "gone")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBillDelete_ReferencedByLock(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(q("DELETE FROM bills WHERE id = $1")).
		WithArgs("a1").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "bill_locks_bill_id_fkey"})

	err := NewBillStore(mock).Delete(context.Background(), "a1")
	require.ErrorIs(t, err, domain.ErrBillLocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrustSave_StaleVersion(t *testing.T) {
	mock := newMock(t)
	ts := domain.NewTrustStatus("u1")
	ts.Version = 3
	ts.SuccessfulSwaps = 4

	mock.ExpectExec(q("UPDATE trust_status SET")).
		WithArgs("u1", 4, int64(0), 5.0, 0, 0.0, 0, pgxmock.AnyArg(), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	_, err := NewTrustStore(mock).Save(context.Background(), ts)
	require.ErrorIs(t, err, domain.ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrustSave_InsertBumpsVersion(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(q("INSERT INTO trust_status")).
		WithArgs("u1", 1, int64(6), 5.0, 0, 0.0, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ts := domain.NewTrustStatus("u1")
	ts.SuccessfulSwaps = 1
	ts.TrustPoints = 6
	saved, err := NewTrustStore(mock).Save(context.Background(), ts)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTrustGet_UnknownUserGetsDefaults(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(q("FROM trust_status WHERE user_id = $1")).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "successful_swaps", "trust_points", "average_rating", "rating_count",
			"avg_response_seconds", "response_samples", "version", "updated_at",
		}))

	ts, err := NewTrustStore(mock).Get(context.Background(), "ghost")
	require.NoError(t, err)
	require.Equal(t, domain.NewTrustStatus("ghost"), ts)
}

func TestSwapUpdate_StaleVersion(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(q("UPDATE swaps SET")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	sw := domain.Swap{ID: "s1", Status: domain.SwapAccepted, Version: 3, UpdatedAt: time.Now()}
	err := NewSwapStore(mock).Update(context.Background(), sw, 2)
	require.ErrorIs(t, err, domain.ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("DELETE FROM bill_locks")).
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err := NewStore(mock).WithinTx(context.Background(), func(ctx context.Context, r domain.Repositories) error {
		return r.Locks().Release(ctx, "s1")
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO bill_locks")).
		WithArgs([]string{"a1", "b1"}, "s1").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(q("DELETE FROM bill_locks")).
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	err := NewStore(mock).WithinTx(context.Background(), func(ctx context.Context, r domain.Repositories) error {
		return r.Locks().Acquire(ctx, "s1", "a1", "b1")
	})
	require.ErrorIs(t, err, domain.ErrBillAlreadyLocked)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_BeginFails(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("conn refused"))

	called := false
	err := NewStore(mock).WithinTx(context.Background(), func(context.Context, domain.Repositories) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.False(t, called)
}

func TestMigrate(t *testing.T) {
	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })

	var dir string
	gooseUp = func(_ context.Context, _ *sql.DB, d string) error {
		dir = d
		return nil
	}
	require.NoError(t, migrate(context.Background(), nil))
	require.Equal(t, "migrations", dir)

	gooseUp = func(context.Context, *sql.DB, string) error { return errors.New("boom") }
	require.ErrorContains(t, migrate(context.Background(), nil), "boom")
}

func TestMigrationsAreGooseFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		data, err := migrationsFS.ReadFile("migrations/" + e.Name())
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(string(data), "-- +goose Up"), e.Name())
		require.Contains(t, string(data), "-- +goose Down", e.Name())
	}
}

func TestDSN(t *testing.T) {
	require.Equal(t, "postgres://u:p@db:5432/billswap?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "billswap", User: "u", Password: "p"}))
	require.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}
