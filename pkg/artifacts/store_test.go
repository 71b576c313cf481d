package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anumate/enforcement-core/pkg/report"
	"github.com/anumate/enforcement-core/pkg/sandbox"
)

var (
	_ Store                = (*FileStore)(nil)
	_ Store                = (*S3Store)(nil)
	_ report.ArtifactStore = (*FileStore)(nil)
	_ sandbox.Source       = (*ModuleStore)(nil)
)

func newFileStoreT(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newFileStoreT(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "reports/2026/08/26/r1.json", "application/json", []byte(`{"ok":true}`)))

	got, err := s.Get(ctx, "reports/2026/08/26/r1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), got)

	exists, err := s.Exists(ctx, "reports/2026/08/26/r1.json")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFileStorePutOverwrites(t *testing.T) {
	s := newFileStoreT(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k.txt", "text/plain", []byte("v1")))
	require.NoError(t, s.Put(ctx, "k.txt", "text/plain", []byte("v2")))

	got, err := s.Get(ctx, "k.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestFileStoreGetMissing(t *testing.T) {
	s := newFileStoreT(t)

	_, err := s.Get(context.Background(), "nope.json")
	require.ErrorIs(t, err, ErrNotFound)

	exists, err := s.Exists(context.Background(), "nope.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	s := newFileStoreT(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "drop.me", "", []byte("x")))
	require.NoError(t, s.Delete(ctx, "drop.me"))
	require.NoError(t, s.Delete(ctx, "drop.me"))

	exists, err := s.Exists(ctx, "drop.me")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s := newFileStoreT(t)
	ctx := context.Background()

	for _, key := range []string{"", "..", "../escape", "a/../../escape", "/etc/passwd"} {
		assert.Error(t, s.Put(ctx, key, "", []byte("x")), "key %q", key)
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "a/b.blob", "", []byte("data")))

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.blob", entries[0].Name())
}

func TestExportToArchivesReport(t *testing.T) {
	s := newFileStoreT(t)

	rep := &report.Report{
		ID:          uuid.New(),
		Title:       "weekly violations",
		GeneratedAt: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	key, err := report.ExportTo(context.Background(), s, rep, report.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "reports/2026/08/26/"+rep.ID.String()+".json", key)

	data, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Contains(t, string(data), rep.ID.String())
}

func TestNewStoreFromEnvDefaultsToFS(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", t.TempDir())

	s, err := NewStoreFromEnv(context.Background())
	require.NoError(t, err)
	require.IsType(t, (*FileStore)(nil), s)
}

func TestNewStoreFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "s3")
	t.Setenv("ARTIFACT_S3_BUCKET", "")

	_, err := NewStoreFromEnv(context.Background())
	require.ErrorContains(t, err, "ARTIFACT_S3_BUCKET")
}

func TestNewStoreFromEnvRejectsUnknownType(t *testing.T) {
	t.Setenv("ARTIFACT_STORAGE_TYPE", "tape")

	_, err := NewStoreFromEnv(context.Background())
	require.ErrorContains(t, err, "unsupported storage type")
}
