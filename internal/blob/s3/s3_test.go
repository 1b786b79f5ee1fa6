package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/billix/billswap/internal/domain"
	"github.com/billix/billswap/internal/store/memory"
)

type memBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	puts      int
	failPut   error
	multipart int
}

func newMemBucket() *memBucket {
	return &memBucket{objects: make(map[string][]byte)}
}

func (b *memBucket) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut != nil {
		return b.failPut
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.objects[path] = raw
	b.puts++
	return nil
}

func (b *memBucket) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	b.mu.Lock()
	b.multipart++
	b.mu.Unlock()
	return b.Put(ctx, path, data, "")
}

func (b *memBucket) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *memBucket) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var cutoff = time.Date(2025, time.April, 1, 4, 0, 0, 0, time.UTC)

func seedResolved(t *testing.T, s *memory.Store, n int, status domain.SwapStatus) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		resolved := cutoff.Add(-time.Duration(48+i) * time.Hour)
		require.NoError(t, s.Swaps().Create(ctx, domain.Swap{
			ID:         fmt.Sprintf("%s-%02d", status, i),
			Status:     status,
			ResolvedAt: &resolved,
			Version:    3,
		}))
	}
}

func readJSONL(t *testing.T, raw []byte) []domain.Swap {
	t.Helper()
	var out []domain.Swap
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		var sw domain.Swap
		require.NoError(t, json.Unmarshal(sc.Bytes(), &sw))
		out = append(out, sw)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiver_ExportsInBatchesAndMarks(t *testing.T) {
	s := memory.New()
	seedResolved(t, s, 5, domain.SwapCompleted)
	live := cutoff.Add(time.Hour)
	require.NoError(t, s.Swaps().Create(context.Background(), domain.Swap{ID: "live", Status: domain.SwapProposed, ExpiresAt: &live}))

	bucket := newMemBucket()
	a := NewArchiver(s, bucket, bucket, 2, discardLogger()).WithClock(func() time.Time { return cutoff })

	n, err := a.ArchiveSwaps(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, 3, bucket.puts)
	require.Zero(t, bucket.multipart)

	objs, err := bucket.List(context.Background(), ArchivePrefix(cutoff))
	require.NoError(t, err)
	require.Len(t, objs, 3)

	var exported int
	for path, raw := range bucket.objects {
		require.Contains(t, path, "archive/swaps/2025/04/01/")
		exported += len(readJSONL(t, raw))
	}
	require.Equal(t, 5, exported)

	rest, err := s.Swaps().ListArchivable(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Empty(t, rest)

	got, err := s.Swaps().GetByID(context.Background(), "completed-00")
	require.NoError(t, err)
	require.NotNil(t, got.ArchivedAt)
	require.True(t, got.ArchivedAt.Equal(cutoff))

	entries, err := s.Audit().List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "archive.swaps", entries[0].Event)

	n, err = a.ArchiveSwaps(context.Background(), cutoff)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestArchiver_SkipsUploadWhenObjectExists(t *testing.T) {
	s := memory.New()
	seedResolved(t, s, 1, domain.SwapDeclined)

	bucket := newMemBucket()
	bucket.objects[archivePath(cutoff, "declined-00")] = []byte("{}\n")
	a := NewArchiver(s, bucket, bucket, 10, discardLogger())

	n, err := a.ArchiveSwaps(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Zero(t, bucket.puts)
}

func TestArchiver_UploadFailureLeavesSwapsUnarchived(t *testing.T) {
	s := memory.New()
	seedResolved(t, s, 2, domain.SwapCancelled)

	bucket := newMemBucket()
	bucket.failPut = fs.ErrPermission
	a := NewArchiver(s, bucket, nil, 10, discardLogger())

	n, err := a.ArchiveSwaps(context.Background(), cutoff)
	require.Error(t, err)
	require.True(t, errors.Is(err, fs.ErrPermission))
	require.Zero(t, n)

	rest, err := s.Swaps().ListArchivable(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"https://e2.example.com", false, "https://e2.example.com"},
		{"localhost:9000", false, "http://localhost:9000"},
		{"minio.internal:9000", true, "https://minio.internal:9000"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, normaliseEndpoint(tt.in, tt.useSSL), tt.in)
	}
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	require.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "archive"})
	require.Error(t, err)
}
