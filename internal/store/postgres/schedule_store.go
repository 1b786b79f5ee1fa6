package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/billix/billswap/internal/domain"
)

// ScheduleStore implements domain.ScheduleStore using PostgreSQL.
type ScheduleStore struct {
	db DBTX
}

// NewScheduleStore creates a new ScheduleStore.
func NewScheduleStore(db DBTX) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// Upsert stores a user's schedule, replacing any previous one.
func (s *ScheduleStore) Upsert(ctx context.Context, sched domain.PaydaySchedule) error {
	const query = `
		INSERT INTO payday_schedules (user_id, cadence, anchor_days, reference, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			cadence = EXCLUDED.cadence,
			anchor_days = EXCLUDED.anchor_days,
			reference = EXCLUDED.reference,
			updated_at = EXCLUDED.updated_at`

	anchors := make([]int32, len(sched.AnchorDays))
	for i, d := range sched.AnchorDays {
		anchors[i] = int32(d)
	}
	_, err := s.db.Exec(ctx, query, sched.UserID, string(sched.Cadence), anchors, sched.Reference, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert schedule %s: %w", sched.UserID, err)
	}
	return nil
}

func scanSchedule(scanner interface{ Scan(dest ...any) error }) (domain.PaydaySchedule, error) {
	var (
		sched   domain.PaydaySchedule
		cadence string
		anchors []int32
		ref     *time.Time
	)
	if err := scanner.Scan(&sched.UserID, &cadence, &anchors, &ref, &sched.UpdatedAt); err != nil {
		return domain.PaydaySchedule{}, err
	}
	sched.Cadence = domain.Cadence(cadence)
	sched.AnchorDays = make([]int, len(anchors))
	for i, d := range anchors {
		sched.AnchorDays[i] = int(d)
	}
	if ref != nil {
		r := domain.Midnight(*ref)
		sched.Reference = &r
	}
	return sched, nil
}

const scheduleSelectCols = `user_id, cadence, anchor_days, reference, updated_at`

// Get returns a user's schedule or domain.ErrNotFound.
func (s *ScheduleStore) Get(ctx context.Context, userID string) (domain.PaydaySchedule, error) {
	row := s.db.QueryRow(ctx, `SELECT `+scheduleSelectCols+` FROM payday_schedules WHERE user_id = $1`, userID)
	sched, err := scanSchedule(row)
	if err != nil {
		return domain.PaydaySchedule{}, fmt.Errorf("postgres: get schedule %s: %w", userID, notFound(err))
	}
	return sched, nil
}

// GetMany returns the schedules of the users that have one.
func (s *ScheduleStore) GetMany(ctx context.Context, userIDs []string) (map[string]domain.PaydaySchedule, error) {
	out := make(map[string]domain.PaydaySchedule, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+scheduleSelectCols+` FROM payday_schedules WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: get schedules: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan schedule: %w", err)
		}
		out[sched.UserID] = sched
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get schedules rows: %w", err)
	}
	return out, nil
}
