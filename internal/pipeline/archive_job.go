package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/billix/billswap/internal/domain"
)

// ArchiveJob exports resolved swaps older than the retention period to cold
// storage on a cron schedule.
type ArchiveJob struct {
	archiver      domain.Archiver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewArchiveJob creates an ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, retentionDays int, logger *slog.Logger) *ArchiveJob {
	return &ArchiveJob{
		archiver:      archiver,
		retentionDays: retentionDays,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger,
	}
}

// WithClock replaces the wall clock.
func (j *ArchiveJob) WithClock(now func() time.Time) *ArchiveJob {
	j.now = now
	return j
}

// Run archives every swap resolved before now minus the retention period.
func (j *ArchiveJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
	j.logger.InfoContext(ctx, "archive: run starting",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	n, err := j.archiver.ArchiveSwaps(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archive: swaps before %v: %w", cutoff, err)
	}
	j.logger.InfoContext(ctx, "archive: run complete", slog.Int64("swaps_archived", n))
	return n, nil
}

// RunCron runs the job whenever cronExpr fires until ctx ends.
// Example: "0 4 * * *" runs daily at 04:00 UTC.
func (j *ArchiveJob) RunCron(ctx context.Context, cronExpr string) error {
	j.logger.Info("archive: cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, j.now())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		wait := next.Sub(j.now())
		j.logger.Debug("archive: waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Info("archive: cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := j.Run(ctx); err != nil {
				j.logger.Error("archive: run failed", slog.String("error", err.Error()))
			}
		}
	}
}
