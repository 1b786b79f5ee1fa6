package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/billix/billswap/internal/domain"
)

const (
	defaultArchiveBatch = 500
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// Archiver implements domain.Archiver. Terminal swaps resolved before the
// cutoff are exported as JSONL in batches and stamped archived_at; rows are
// never deleted from the primary store.
type Archiver struct {
	uow       domain.UnitOfWork
	writer    domain.BlobWriter
	reader    domain.BlobReader
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. reader may be nil, in which case every
// batch is uploaded even if an earlier run already wrote it.
func NewArchiver(uow domain.UnitOfWork, writer domain.BlobWriter, reader domain.BlobReader, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = defaultArchiveBatch
	}
	return &Archiver{
		uow:       uow,
		writer:    writer,
		reader:    reader,
		batchSize: batchSize,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces the clock used for archived_at.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// ArchiveSwaps exports every unarchived terminal swap resolved before the
// cutoff and returns how many were archived. A failed batch stops the run;
// batches already marked stay archived.
func (a *Archiver) ArchiveSwaps(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.uow.Swaps().ListArchivable(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive swaps query: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		path := archivePath(before, batch[0].ID)
		if err := a.upload(ctx, path, batch); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, sw := range batch {
			ids[i] = sw.ID
		}
		at := a.now().UTC()
		err = a.uow.WithinTx(ctx, func(ctx context.Context, repos domain.Repositories) error {
			if err := repos.Swaps().MarkArchived(ctx, ids, at); err != nil {
				return err
			}
			return repos.Audit().Log(ctx, "archive.swaps", map[string]any{
				"path":   path,
				"count":  len(ids),
				"before": before.Format(time.RFC3339),
			})
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive swaps mark: %w", err)
		}

		total += int64(len(batch))
		a.logger.InfoContext(ctx, "s3blob: archived swaps",
			slog.String("path", path),
			slog.Int("count", len(batch)),
		)
		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, batch []domain.Swap) error {
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("s3blob: archive swaps exists: %w", err)
		}
		if exists {
			// Uploaded by a run that failed before marking.
			a.logger.WarnContext(ctx, "s3blob: archive object already present, marking only",
				slog.String("path", path),
			)
			return nil
		}
	}

	buf, err := marshalJSONL(batch)
	if err != nil {
		return fmt.Errorf("s3blob: archive swaps marshal: %w", err)
	}
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return fmt.Errorf("s3blob: archive swaps upload: %w", err)
	}
	return nil
}

// archivePath partitions archives by the cutoff day and names each batch
// after its first swap.
//
//	archive/swaps/2025/03/04/0b5e....jsonl
func archivePath(before time.Time, firstID string) string {
	return fmt.Sprintf("archive/swaps/%s/%s.jsonl", before.UTC().Format("2006/01/02"), firstID)
}

// ArchivePrefix returns the object prefix holding archives cut on day.
func ArchivePrefix(day time.Time) string {
	return "archive/swaps/" + day.UTC().Format("2006/01/02") + "/"
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
