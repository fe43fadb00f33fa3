package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"golang.org/x/sync/errgroup"

	"cloudbackup/internal/database"
	"cloudbackup/internal/fs"
)

// ResumeResult resume 的结果
type ResumeResult struct {
	JobID           string
	AlreadyUploaded int
	Remaining       int
}

// Resume 根据账本恢复任务：剩余 = (清单 ∪ 源目录新增) \ 已上传
// 已上传的 key 不会再传；不在清单也不在已上传集合里的文件视为待上传
func (e *Engine) Resume(ctx context.Context, jobID string) (*ResumeResult, error) {
	e.mu.Lock()
	_, running := e.runs[jobID]
	e.mu.Unlock()
	if running {
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, jobID)
	}

	rec, err := e.opts.Ledger.Get(jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	// 1. 并发读取账本状态和当前源目录
	var (
		manifest []database.ManifestEntry
		uploaded map[string]int64
		live     map[string]*fs.FileMeta
	)

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		manifest, err = e.opts.Ledger.Manifest(jobID)
		if err != nil {
			return fmt.Errorf("read manifest failed: %w", err)
		}
		uploaded, err = e.opts.Ledger.UploadedKeys(jobID)
		if err != nil {
			return fmt.Errorf("read uploaded keys failed: %w", err)
		}
		return nil
	})

	if rec.SourcePath != "" {
		g.Go(func() error {
			var err error
			live, err = e.opts.ScanDir(rec.SourcePath)
			if err != nil {
				return fmt.Errorf("scan source failed: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 2. 对账
	remaining, added, missing, err := e.reconcile(rec, manifest, uploaded, live)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &ResumeInconsistencyError{JobID: jobID, Missing: missing}
	}

	if len(added) > 0 {
		slog.Info("源目录有新文件，加入任务清单", "job", jobID, "files", len(added))
		if err := e.opts.Ledger.ExtendManifest(jobID, added); err != nil {
			return nil, fmt.Errorf("写入任务账本失败: %w", err)
		}
	}

	batches, err := Split(remaining, e.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	// 3. 重新登记，沿用原任务 ID
	if err := e.opts.Ledger.SetStatus(jobID, database.StatusRunning, ""); err != nil {
		return nil, fmt.Errorf("写入任务账本失败: %w", err)
	}

	total := int64(len(manifest) + len(added))
	var uploadedBytes int64
	for _, n := range uploaded {
		uploadedBytes += n
	}

	job := Job{
		ID:            jobID,
		Target:        rec.Label,
		Source:        rec.SourcePath,
		TargetPrefix:  rec.TargetPrefix,
		FilesTotal:    total,
		FilesUploaded: int64(len(uploaded)),
		BytesUploaded: uploadedBytes,
	}
	if old, ok := e.opts.Registry.Get(jobID); ok {
		if !old.Status.Terminal() || old.FinishedAt.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrJobRunning, jobID)
		}
		e.opts.Registry.Remove(jobID)
	}
	if err := e.opts.Registry.Create(job); err != nil {
		return nil, err
	}

	slog.Info("恢复上传任务",
		"job", jobID,
		"already_uploaded", len(uploaded),
		"remaining", len(remaining),
	)

	e.launch(ctx, jobID, rec.TargetPrefix, total, batches, uploaded)

	return &ResumeResult{
		JobID:           jobID,
		AlreadyUploaded: len(uploaded),
		Remaining:       len(remaining),
	}, nil
}

// reconcile 计算剩余文件、新增文件和丢失文件
func (e *Engine) reconcile(
	rec *database.PendingJob,
	manifest []database.ManifestEntry,
	uploaded map[string]int64,
	live map[string]*fs.FileMeta,
) (remaining []FileEntry, added []database.ManifestEntry, missing []string, err error) {
	inManifest := make(map[string]struct{}, len(manifest))

	for _, m := range manifest {
		inManifest[m.RelativePath] = struct{}{}
		if _, done := uploaded[RemoteKey(rec.TargetPrefix, m.RelativePath)]; done {
			continue
		}

		entry := FileEntry{LocalPath: m.LocalPath, RelativePath: m.RelativePath, Size: m.Size}

		if live != nil {
			meta, ok := live[m.RelativePath]
			if !ok {
				missing = append(missing, m.RelativePath)
				continue
			}
			entry.LocalPath, entry.Size = meta.LocalPath, meta.Size
		} else {
			// 非目录型任务逐个检查
			meta, statErr := e.opts.Reader.Stat(m.LocalPath)
			if statErr != nil {
				if errors.Is(statErr, os.ErrNotExist) {
					missing = append(missing, m.RelativePath)
					continue
				}
				return nil, nil, nil, fmt.Errorf("stat %s failed: %w", m.LocalPath, statErr)
			}
			entry.Size = meta.Size
		}
		remaining = append(remaining, entry)
	}

	// 源目录里新出现的文件
	var fresh []string
	for rel := range live {
		if _, ok := inManifest[rel]; ok {
			continue
		}
		if _, done := uploaded[RemoteKey(rec.TargetPrefix, rel)]; done {
			continue
		}
		fresh = append(fresh, rel)
	}
	sort.Strings(fresh)
	for _, rel := range fresh {
		meta := live[rel]
		added = append(added, database.ManifestEntry{LocalPath: meta.LocalPath, RelativePath: rel, Size: meta.Size})
		remaining = append(remaining, FileEntry{LocalPath: meta.LocalPath, RelativePath: rel, Size: meta.Size})
	}

	sort.Strings(missing)
	return remaining, added, missing, nil
}
