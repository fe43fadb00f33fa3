package backup

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudbackup/internal/database"
	"cloudbackup/internal/events"
)

// seedInterrupted writes the ledger state a process leaves behind when it is
// killed after uploading the first n files, then restarts the process.
func seedInterrupted(t *testing.T, h *harness, id, source string, files []FileEntry, n int) {
	t.Helper()
	manifest := make([]database.ManifestEntry, len(files))
	for i, f := range files {
		manifest[i] = database.ManifestEntry{LocalPath: f.LocalPath, RelativePath: f.RelativePath, Size: f.Size}
	}
	require.NoError(t, h.db.CreateJob(&database.PendingJob{
		JobID:        id,
		Label:        "docs",
		SourcePath:   source,
		TargetPrefix: testPrefix,
	}, manifest))

	done := make([]database.UploadedKey, 0, n)
	for _, f := range files[:n] {
		key := RemoteKey(testPrefix, f.RelativePath)
		body, err := os.ReadFile(f.LocalPath)
		require.NoError(t, err)
		h.store.Set(key, body)
		done = append(done, database.UploadedKey{Key: key, Size: f.Size})
	}
	_, err := h.db.RecordProgress(id, done)
	require.NoError(t, err)

	h.reopen(nil)
}

func TestResume_AfterRestartUploadsOnlyTheRest(t *testing.T) {
	h := newHarness(t, nil)
	files := h.writeFiles(45)
	seedInterrupted(t, h, "job-1", h.src, files, 20)

	pending, err := h.db.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-1", pending[0].JobID)
	assert.Equal(t, database.StatusInterrupted, pending[0].Status)
	assert.Equal(t, int64(20), pending[0].Progress.FilesUploaded)
	assert.Equal(t, int64(45), pending[0].Progress.FilesTotal)

	ch, unsub := h.bus.Subscribe(256)
	defer unsub()

	res, err := h.engine.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 20, res.AlreadyUploaded)
	assert.Equal(t, 25, res.Remaining)

	obs := collect(t, ch, "job-1")
	done, ok := obs.terminal.(events.Complete)
	require.True(t, ok, "got %T", obs.terminal)
	assert.Equal(t, int64(45), done.Stats.FilesUploaded)
	assert.Equal(t, int64(45), done.Stats.FilesTotal)

	assert.Equal(t, 25, h.store.Puts(), "already uploaded files are not sent again")
	assert.Len(t, h.store.Keys(testPrefix+"/"), 45)
	assert.Len(t, obs.uploaded, 25)
	assertMonotonic(t, obs.progress)
	for _, p := range obs.progress {
		assert.GreaterOrEqual(t, p.FilesUploaded, int64(20))
	}

	_, err = h.db.Get("job-1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestResume_RepeatedResumeAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	files := h.writeFiles(45)
	seedInterrupted(t, h, "job-1", h.src, files, 20)

	h.store.PutHook = func(ctx context.Context, key string) error {
		return errors.New("network unreachable")
	}
	res, err := h.engine.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 25, res.Remaining)
	h.engine.Wait()

	j, _ := h.engine.Registry().Get("job-1")
	require.Equal(t, StatusError, j.Status)
	rec, err := h.db.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusError, rec.Status)
	assert.Len(t, rec.UploadedKeys, 20)

	h.store.PutHook = nil
	before := h.store.Puts()
	res, err = h.engine.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 20, res.AlreadyUploaded)
	assert.Equal(t, 25, res.Remaining)
	h.engine.Wait()

	j, _ = h.engine.Registry().Get("job-1")
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, int64(45), j.FilesUploaded)
	assert.Equal(t, 25, h.store.Puts()-before)
}

func TestResume_NothingLeftCompletesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	files := h.writeFiles(5)
	seedInterrupted(t, h, "job-1", h.src, files, 5)

	ch, unsub := h.bus.Subscribe(16)
	defer unsub()

	res, err := h.engine.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Remaining)

	obs := collect(t, ch, "job-1")
	_, ok := obs.terminal.(events.Complete)
	require.True(t, ok, "got %T", obs.terminal)
	assert.Equal(t, 0, h.store.Puts())
}

func TestResume_MissingSourceFile(t *testing.T) {
	h := newHarness(t, nil)
	files := h.writeFiles(45)
	seedInterrupted(t, h, "job-1", h.src, files, 20)

	// an already uploaded file may disappear, a pending one may not
	require.NoError(t, os.Remove(files[5].LocalPath))
	require.NoError(t, os.Remove(files[30].LocalPath))

	_, err := h.engine.Resume(context.Background(), "job-1")
	var ie *ResumeInconsistencyError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"f30.txt"}, ie.Missing)
	assert.Equal(t, 0, h.store.Puts())

	rec, err := h.db.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, database.StatusInterrupted, rec.Status, "a rejected resume leaves the record untouched")
}

func TestResume_FileListJobChecksEachFile(t *testing.T) {
	h := newHarness(t, nil)
	files := h.writeFiles(4)
	seedInterrupted(t, h, "job-1", "", files, 1)
	require.NoError(t, os.Remove(files[2].LocalPath))

	_, err := h.engine.Resume(context.Background(), "job-1")
	var ie *ResumeInconsistencyError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"f02.txt"}, ie.Missing)
	assert.Contains(t, err.Error(), "f02.txt")
}

func TestResume_PicksUpNewFiles(t *testing.T) {
	h := newHarness(t, nil)
	files := h.writeFiles(45)
	seedInterrupted(t, h, "job-1", h.src, files, 20)
	h.writeFile("sub/new.txt", "fresh")

	res, err := h.engine.Resume(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 26, res.Remaining)

	manifest, err := h.db.Manifest("job-1")
	require.NoError(t, err)
	assert.Len(t, manifest, 46)

	h.engine.Wait()
	obj, ok := h.store.Get(testPrefix + "/sub/new.txt")
	require.True(t, ok)
	assert.Equal(t, "fresh", string(obj.Data))

	j, _ := h.engine.Registry().Get("job-1")
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, int64(46), j.FilesTotal)
}

func TestResume_Errors(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.Concurrency = 1 })

	_, err := h.engine.Resume(context.Background(), "nope")
	require.ErrorIs(t, err, ErrJobNotFound)

	files := h.writeFiles(3)
	g := newGate(1)
	h.store.PutHook = g.hook
	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)
	g.wait(t)

	_, err = h.engine.Resume(context.Background(), id)
	require.ErrorIs(t, err, ErrJobRunning)

	close(g.release)
	h.engine.Wait()
}
