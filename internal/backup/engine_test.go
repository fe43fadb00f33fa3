package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudbackup/internal/database"
	"cloudbackup/internal/events"
	"cloudbackup/internal/fs/memory"
)

const testPrefix = "backups/host/docs"

type harness struct {
	t      *testing.T
	src    string
	dbPath string
	store  *memory.Store
	bus    *events.Bus
	db     *database.DB
	engine *Engine

	closeOnce sync.Once
}

func newHarness(t *testing.T, tune func(*EngineOptions)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		src:    t.TempDir(),
		dbPath: filepath.Join(t.TempDir(), "ledger.db"),
		store:  memory.New(),
		bus:    events.NewBus(),
	}
	db, err := database.Open(h.dbPath)
	require.NoError(t, err)
	h.db = db
	h.engine = NewEngine(h.options(tune))

	t.Cleanup(func() {
		h.engine.Wait()
		h.engine.Registry().Close()
		h.bus.Close()
		h.closeDB()
	})
	return h
}

func (h *harness) options(tune func(*EngineOptions)) *EngineOptions {
	opts := &EngineOptions{
		Store:       h.store,
		Ledger:      h.db,
		Bus:         h.bus,
		Registry:    NewRegistry(time.Hour),
		BatchSize:   20,
		Concurrency: 2,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	}
	if tune != nil {
		tune(opts)
	}
	return opts
}

func (h *harness) closeDB() {
	h.closeOnce.Do(func() { _ = h.db.Close() })
}

// reopen simulates a process restart: a new ledger handle and a fresh engine.
func (h *harness) reopen(tune func(*EngineOptions)) {
	h.t.Helper()
	h.engine.Wait()
	h.engine.Registry().Close()
	h.closeDB()

	db, err := database.Open(h.dbPath)
	require.NoError(h.t, err)
	h.db = db
	h.closeOnce = sync.Once{}
	h.engine = NewEngine(h.options(tune))
}

// writeFiles creates n files f00.txt... in the source dir and returns them in order.
func (h *harness) writeFiles(n int) []FileEntry {
	h.t.Helper()
	out := make([]FileEntry, n)
	for i := range out {
		rel := fmt.Sprintf("f%02d.txt", i)
		out[i] = h.writeFile(rel, fmt.Sprintf("content-%02d", i))
	}
	return out
}

func (h *harness) writeFile(rel, body string) FileEntry {
	h.t.Helper()
	p := filepath.Join(h.src, filepath.FromSlash(rel))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(h.t, os.WriteFile(p, []byte(body), 0o644))
	return FileEntry{LocalPath: p, RelativePath: rel, Size: int64(len(body))}
}

type observed struct {
	terminal  events.Event
	progress  []events.Progress
	uploaded  []events.FileUploaded
	deleted   []string
	terminals int
}

// collect drains ch until the terminal event of jobID arrives, then waits a
// little longer to catch a second terminal event.
func collect(t *testing.T, ch <-chan events.Event, jobID string) observed {
	t.Helper()
	var obs observed
	timeout := time.After(10 * time.Second)
	var grace <-chan time.Time
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return obs
			}
			if events.JobOf(ev) != jobID {
				continue
			}
			switch e := ev.(type) {
			case events.Progress:
				obs.progress = append(obs.progress, e)
			case events.FileUploaded:
				obs.uploaded = append(obs.uploaded, e)
			case events.ObjectsDeleted:
				obs.deleted = append(obs.deleted, e.Keys...)
			}
			if events.IsTerminal(ev) {
				obs.terminals++
				if obs.terminal == nil {
					obs.terminal = ev
					grace = time.After(50 * time.Millisecond)
				}
			}
		case <-grace:
			return obs
		case <-timeout:
			t.Fatalf("job %s: no terminal event", jobID)
		}
	}
}

func assertMonotonic(t *testing.T, progress []events.Progress) {
	t.Helper()
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].FilesUploaded, progress[i-1].FilesUploaded)
		assert.GreaterOrEqual(t, progress[i].BytesUploaded, progress[i-1].BytesUploaded)
	}
}

func TestEngine_Upload45Files(t *testing.T) {
	h := newHarness(t, nil)
	h.store.PutHook = func(ctx context.Context, key string) error {
		time.Sleep(time.Millisecond)
		return nil
	}
	files := h.writeFiles(45)

	ch, unsub := h.bus.Subscribe(256)
	defer unsub()

	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)

	obs := collect(t, ch, id)
	done, ok := obs.terminal.(events.Complete)
	require.True(t, ok, "got %T", obs.terminal)
	assert.Equal(t, 1, obs.terminals)
	assert.Equal(t, int64(45), done.Stats.FilesUploaded)
	assert.Equal(t, int64(45), done.Stats.FilesTotal)
	assert.Equal(t, int64(45*len("content-00")), done.Stats.BytesUploaded)

	assert.Len(t, h.store.Keys(testPrefix+"/"), 45)
	assert.Equal(t, 45, h.store.Puts())
	assert.LessOrEqual(t, h.store.MaxInflight(), 2)
	assert.Len(t, obs.uploaded, 45)
	require.NotEmpty(t, obs.progress)
	assertMonotonic(t, obs.progress)

	obj, ok := h.store.Get(testPrefix + "/f07.txt")
	require.True(t, ok)
	assert.Equal(t, "content-07", string(obj.Data))
	assert.Equal(t, files[7].LocalPath, obj.OriginalPath)

	j, ok := h.engine.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Empty(t, j.CurrentFile)

	_, err = h.db.Get(id)
	assert.ErrorIs(t, err, database.ErrNotFound, "completed jobs leave no ledger record")
}

func TestEngine_StartValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix})
	require.ErrorIs(t, err, ErrNoFiles)

	files := h.writeFiles(1)
	id, err := h.engine.Start(context.Background(), StartRequest{JobID: "fixed", TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	h.engine.Wait()

	// completed job left the ledger, but is still in the registry
	_, err = h.engine.Start(context.Background(), StartRequest{JobID: "fixed", TargetPrefix: testPrefix, Files: files})
	require.ErrorIs(t, err, ErrJobExists)
}

func TestEngine_BatchSizeDefaultsOnlyWhenUnset(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.BatchSize = 0 })
	assert.Equal(t, 20, h.engine.opts.BatchSize)

	h = newHarness(t, func(o *EngineOptions) { o.BatchSize = -1 })
	_, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: h.writeFiles(1)})
	require.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestEngine_FailedBatchEndsInError(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.RetryMax = 1 })
	files := h.writeFiles(45)

	failing := make(map[string]bool)
	for _, f := range files[20:40] {
		failing[RemoteKey(testPrefix, f.RelativePath)] = true
	}
	boom := errors.New("503 slow down")
	h.store.PutHook = func(ctx context.Context, key string) error {
		if failing[key] {
			return boom
		}
		return nil
	}

	ch, unsub := h.bus.Subscribe(256)
	defer unsub()

	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)

	obs := collect(t, ch, id)
	failed, ok := obs.terminal.(events.Error)
	require.True(t, ok, "got %T", obs.terminal)
	assert.Equal(t, 1, obs.terminals)
	assert.Equal(t, int64(25), failed.Stats.FilesUploaded)
	assert.Equal(t, int64(20), failed.Stats.Errors)
	assert.Contains(t, failed.Message, "20 of 45 files failed")
	assert.Contains(t, failed.Message, "503 slow down")

	assert.Len(t, h.store.Keys(testPrefix+"/"), 25)
	assert.Equal(t, 25+20*2, h.store.Puts(), "each failing file is tried twice")

	j, ok := h.engine.Registry().Get(id)
	require.True(t, ok, "failed jobs are retained")
	assert.Equal(t, StatusError, j.Status)
	assert.Equal(t, int64(20), j.Errors)

	rec, err := h.db.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusError, rec.Status)
	assert.Equal(t, int64(25), rec.Progress.FilesUploaded)
	assert.Contains(t, rec.LastError, "20 of 45 files failed")
}

func TestEngine_MissingLocalFileIsNotRetried(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.RetryMax = 3 })
	files := h.writeFiles(3)
	require.NoError(t, os.Remove(files[1].LocalPath))

	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)
	h.engine.Wait()

	assert.Equal(t, 2, h.store.Puts())
	j, _ := h.engine.Registry().Get(id)
	assert.Equal(t, StatusError, j.Status)
	assert.Contains(t, j.Error, "1 of 3 files failed")
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.RetryMax = 3 })
	files := h.writeFiles(2)

	var mu sync.Mutex
	attempts := make(map[string]int)
	h.store.PutHook = func(ctx context.Context, key string) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[key]++
		if attempts[key] < 3 {
			return errors.New("connection reset")
		}
		return nil
	}

	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)
	h.engine.Wait()

	j, _ := h.engine.Registry().Get(id)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, int64(2), j.FilesUploaded)
	assert.Equal(t, 6, h.store.Puts())
}

func TestEngine_LedgerWriteFailureStopsJob(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.Concurrency = 1 })
	files := h.writeFiles(45)

	h.store.PutHook = func(ctx context.Context, key string) error {
		h.closeDB()
		return nil
	}

	ch, unsub := h.bus.Subscribe(256)
	defer unsub()

	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)

	obs := collect(t, ch, id)
	failed, ok := obs.terminal.(events.Error)
	require.True(t, ok, "got %T", obs.terminal)
	assert.Contains(t, failed.Message, "写入任务账本失败")
	assert.Len(t, h.store.Keys(testPrefix+"/"), 20, "no batch is claimed after the ledger failed")

	j, _ := h.engine.Registry().Get(id)
	assert.Equal(t, StatusError, j.Status)
}

func TestEngine_CompletedJobLeavesRegistryAfterGrace(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.Registry = NewRegistry(20 * time.Millisecond) })
	files := h.writeFiles(3)

	id, err := h.engine.Start(context.Background(), StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)
	h.engine.Wait()

	require.Eventually(t, func() bool {
		_, ok := h.engine.Registry().Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

// gate blocks the put with the given ordinal until released.
type gate struct {
	mu      sync.Mutex
	n       int
	at      int
	reached chan struct{}
	release chan struct{}
}

func newGate(at int) *gate {
	return &gate{at: at, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hook(ctx context.Context, key string) error {
	g.mu.Lock()
	g.n++
	n := g.n
	g.mu.Unlock()
	if n == g.at {
		close(g.reached)
		<-g.release
	}
	return nil
}

func (g *gate) wait(t *testing.T) {
	t.Helper()
	select {
	case <-g.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("gate not reached")
	}
}

func waitStatus(t *testing.T, e *Engine, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, ok := e.Registry().Get(id)
		return ok && j.Status == want
	}, 5*time.Second, time.Millisecond)
}

func TestEngine_ContextCancelInterruptsJob(t *testing.T) {
	h := newHarness(t, func(o *EngineOptions) { o.Concurrency = 1 })
	files := h.writeFiles(45)
	g := newGate(21)
	h.store.PutHook = g.hook

	ch, unsub := h.bus.Subscribe(256)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.engine.Start(ctx, StartRequest{TargetPrefix: testPrefix, Files: files})
	require.NoError(t, err)

	g.wait(t)
	cancel()
	waitStatus(t, h.engine, id, StatusCanceled)
	close(g.release)

	obs := collect(t, ch, id)
	canceled, ok := obs.terminal.(events.Canceled)
	require.True(t, ok, "got %T", obs.terminal)
	assert.False(t, canceled.Undo)
	assert.Equal(t, int64(40), canceled.Stats.FilesUploaded, "the in-flight batch completes")
	assert.Len(t, h.store.Keys(testPrefix+"/"), 40)

	rec, err := h.db.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.StatusInterrupted, rec.Status)
	assert.Equal(t, int64(40), rec.Progress.FilesUploaded)
}
