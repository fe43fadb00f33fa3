package database

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "jobs.db")
	db, err := Open(path)
	require.NoError(t, err)
	return db, path
}

func manifestOf(n int) []ManifestEntry {
	m := make([]ManifestEntry, n)
	for i := range m {
		m[i] = ManifestEntry{
			LocalPath:    fmt.Sprintf("/src/f%02d.txt", i),
			RelativePath: fmt.Sprintf("f%02d.txt", i),
			Size:         10,
		}
	}
	return m
}

func TestCreateAndGet(t *testing.T) {
	db, _ := openTemp(t)
	defer db.Close()

	rec := &PendingJob{JobID: "j1", SourcePath: "/src", TargetPrefix: "backups/h/src"}
	require.NoError(t, db.CreateJob(rec, manifestOf(3)))

	got, err := db.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, int64(3), got.Progress.FilesTotal)
	assert.False(t, got.StartedAt.IsZero())
	assert.Empty(t, got.UploadedKeys)

	err = db.CreateJob(&PendingJob{JobID: "j1"}, nil)
	require.ErrorIs(t, err, ErrExists)

	_, err = db.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordProgressIsIdempotent(t *testing.T) {
	db, _ := openTemp(t)
	defer db.Close()
	require.NoError(t, db.CreateJob(&PendingJob{JobID: "j"}, manifestOf(3)))

	added, err := db.RecordProgress("j", []UploadedKey{{Key: "p/a", Size: 5}, {Key: "p/b", Size: 7}})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = db.RecordProgress("j", []UploadedKey{{Key: "p/a", Size: 5}, {Key: "p/c", Size: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := db.Get("j")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Progress.FilesUploaded)
	assert.Equal(t, int64(13), got.Progress.BytesUploaded)
	assert.Equal(t, []string{"p/a", "p/b", "p/c"}, got.UploadedKeys)

	sizes, err := db.UploadedKeys("j")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"p/a": 5, "p/b": 7, "p/c": 1}, sizes)

	_, err = db.RecordProgress("missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecordProgressConcurrentBatches(t *testing.T) {
	db, _ := openTemp(t)
	defer db.Close()
	require.NoError(t, db.CreateJob(&PendingJob{JobID: "j"}, nil))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var keys []UploadedKey
			for i := 0; i < 20; i++ {
				keys = append(keys, UploadedKey{Key: fmt.Sprintf("w%d/%02d", w, i), Size: 1})
			}
			_, err := db.RecordProgress("j", keys)
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	got, err := db.Get("j")
	require.NoError(t, err)
	assert.Equal(t, int64(80), got.Progress.FilesUploaded)
	assert.Len(t, got.UploadedKeys, 80)
}

func TestReopenMarksRunningInterrupted(t *testing.T) {
	db, path := openTemp(t)
	require.NoError(t, db.CreateJob(&PendingJob{JobID: "run"}, manifestOf(45)))
	require.NoError(t, db.CreateJob(&PendingJob{JobID: "soft", StartedAt: time.Now().Add(-time.Hour)}, nil))
	require.NoError(t, db.SetStatus("soft", StatusCanceled, ""))

	keys := make([]UploadedKey, 20)
	for i := range keys {
		keys[i] = UploadedKey{Key: fmt.Sprintf("k%02d", i), Size: 10}
	}
	_, err := db.RecordProgress("run", keys)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	pending, err := db.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	assert.Equal(t, "soft", pending[0].JobID, "sorted by start time")
	assert.Equal(t, StatusCanceled, pending[0].Status)

	assert.Equal(t, "run", pending[1].JobID)
	assert.Equal(t, StatusInterrupted, pending[1].Status)
	assert.Equal(t, int64(20), pending[1].Progress.FilesUploaded)
	assert.Len(t, pending[1].UploadedKeys, 20)
}

func TestExtendManifest(t *testing.T) {
	db, _ := openTemp(t)
	defer db.Close()
	require.NoError(t, db.CreateJob(&PendingJob{JobID: "j"}, manifestOf(2)))

	extra := []ManifestEntry{
		{RelativePath: "f00.txt", LocalPath: "/src/f00.txt", Size: 10},
		{RelativePath: "new.txt", LocalPath: "/src/new.txt", Size: 3},
	}
	require.NoError(t, db.ExtendManifest("j", extra))

	m, err := db.Manifest("j")
	require.NoError(t, err)
	require.Len(t, m, 3)
	assert.Equal(t, "new.txt", m[2].RelativePath)

	got, err := db.Get("j")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Progress.FilesTotal)
}

func TestSetStatusAndDiscard(t *testing.T) {
	db, _ := openTemp(t)
	defer db.Close()
	require.NoError(t, db.CreateJob(&PendingJob{JobID: "j"}, nil))

	require.NoError(t, db.SetStatus("j", StatusError, "3 of 10 files failed"))
	got, err := db.Get("j")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "3 of 10 files failed", got.LastError)

	require.NoError(t, db.Discard("j"))
	require.NoError(t, db.Discard("j"))
	_, err = db.Get("j")
	require.ErrorIs(t, err, ErrNotFound)

	pending, err := db.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
