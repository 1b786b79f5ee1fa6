package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the background drivers of the engine: the expiry
// sweeper and, when configured, the archive job.
type Orchestrator struct {
	sweeper     *Sweeper
	archive     *ArchiveJob
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archive may be nil.
func NewOrchestrator(sweeper *Sweeper, archive *ArchiveJob, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sweeper:     sweeper,
		archive:     archive,
		archiveCron: archiveCron,
		logger:      logger,
	}
}

// Run starts every driver under one errgroup. A driver failing for any
// reason other than ctx ending cancels the others and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("sweep_interval", o.sweeper.interval),
		slog.Bool("archive", o.archive != nil),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.sweeper.RunLoop(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("sweeper: %w", err)
	})

	if o.archive != nil {
		g.Go(func() error {
			err := o.archive.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("archive: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
