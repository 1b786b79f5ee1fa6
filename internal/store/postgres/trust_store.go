package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/billix/billswap/internal/domain"
)

// TrustStore implements domain.TrustStore using PostgreSQL. Rows carry a
// version that every write checks and bumps.
type TrustStore struct {
	db DBTX
}

// NewTrustStore creates a new TrustStore.
func NewTrustStore(db DBTX) *TrustStore {
	return &TrustStore{db: db}
}

const trustSelectCols = `user_id, successful_swaps, trust_points, average_rating, rating_count,
	avg_response_seconds, response_samples, version, updated_at`

func scanTrust(scanner interface{ Scan(dest ...any) error }) (domain.TrustStatus, error) {
	var t domain.TrustStatus
	err := scanner.Scan(
		&t.UserID, &t.SuccessfulSwaps, &t.TrustPoints, &t.AverageRating, &t.RatingCount,
		&t.AvgResponseSeconds, &t.ResponseSamples, &t.Version, &t.UpdatedAt,
	)
	return t, err
}

// Get returns the stored status, or the starting status for unknown users.
func (s *TrustStore) Get(ctx context.Context, userID string) (domain.TrustStatus, error) {
	row := s.db.QueryRow(ctx, `SELECT `+trustSelectCols+` FROM trust_status WHERE user_id = $1`, userID)
	t, err := scanTrust(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewTrustStatus(userID), nil
	}
	if err != nil {
		return domain.TrustStatus{}, fmt.Errorf("postgres: get trust %s: %w", userID, err)
	}
	return t, nil
}

// GetMany returns a status for every requested user.
func (s *TrustStore) GetMany(ctx context.Context, userIDs []string) (map[string]domain.TrustStatus, error) {
	out := make(map[string]domain.TrustStatus, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+trustSelectCols+` FROM trust_status WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: get trust: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTrust(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trust: %w", err)
		}
		out[t.UserID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get trust rows: %w", err)
	}
	for _, id := range userIDs {
		if _, ok := out[id]; !ok {
			out[id] = domain.NewTrustStatus(id)
		}
	}
	return out, nil
}

// Save writes t when the stored version still equals t.Version. A zero
// version inserts the first row for the user.
func (s *TrustStore) Save(ctx context.Context, t domain.TrustStatus) (domain.TrustStatus, error) {
	var (
		query string
		args  = []any{
			t.UserID, t.SuccessfulSwaps, t.TrustPoints, t.AverageRating, t.RatingCount,
			t.AvgResponseSeconds, t.ResponseSamples, t.UpdatedAt,
		}
	)
	if t.Version == 0 {
		query = `
			INSERT INTO trust_status (user_id, successful_swaps, trust_points, average_rating, rating_count,
				avg_response_seconds, response_samples, updated_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
			ON CONFLICT (user_id) DO NOTHING`
	} else {
		query = `
			UPDATE trust_status SET
				successful_swaps = $2, trust_points = $3, average_rating = $4, rating_count = $5,
				avg_response_seconds = $6, response_samples = $7, updated_at = $8,
				version = version + 1
			WHERE user_id = $1 AND version = $9`
		args = append(args, t.Version)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return domain.TrustStatus{}, fmt.Errorf("postgres: save trust %s: %w", t.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.TrustStatus{}, fmt.Errorf("postgres: save trust %s at version %d: %w",
			t.UserID, t.Version, domain.ErrStaleVersion)
	}
	t.Version++
	return t, nil
}
