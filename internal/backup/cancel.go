package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cloudbackup/internal/database"
	"cloudbackup/internal/events"
	"cloudbackup/internal/fs"
)

// 没有批量删除接口时的并发删除数
const deleteParallelism = 8

// Cancel 停止任务
//
// soft: 停止领取新批次，等正在传输的批次结束，已上传的文件保留，账本记录保留可 resume。
// hard: 同样等待排空，然后删除本任务上传过的所有 key，并删除账本记录。
//
// 不在运行但账本中有记录的任务：hard 删除文件和记录，soft 只删除记录。
// ctx 只控制等待：到期返回 ctx.Err()，已生效的 hard 取消仍会完成撤销并发出 Canceled。
func (e *Engine) Cancel(ctx context.Context, jobID string, mode CancelMode) error {
	if mode != CancelSoft && mode != CancelHard {
		return fmt.Errorf("unknown cancel mode %d", mode)
	}

	if r := e.requestStop(jobID, mode); r != nil {
		// 撤销由运行本身完成，ctx 到期只是不再等待
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.undone {
			if mode == CancelHard {
				return r.undoErr
			}
			return nil
		}
		if mode != CancelHard {
			return nil
		}
		// 运行在 hard 请求生效前已经结束，按账本撤销
	}

	// 任务不在运行，只处理账本
	if _, err := e.opts.Ledger.Get(jobID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			if _, ok := e.opts.Registry.Get(jobID); ok {
				return fmt.Errorf("%w: %s", ErrJobNotRunning, jobID)
			}
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}

	if mode == CancelHard {
		return e.undo(ctx, jobID, nil, false)
	}

	slog.Info("丢弃任务记录，保留已上传文件", "job", jobID)
	return e.opts.Ledger.Discard(jobID)
}

// undo 删除任务上传过的 key (账本集合 ∪ 内存集合)，成功后删除账本记录
// 失败时保留记录，可以再次 hard cancel
func (e *Engine) undo(ctx context.Context, jobID string, memKeys []string, emit bool) error {
	start := time.Now()

	set := make(map[string]struct{}, len(memKeys))
	for _, k := range memKeys {
		set[k] = struct{}{}
	}
	ledgerKeys, err := e.opts.Ledger.UploadedKeys(jobID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		slog.Warn("读取账本已上传列表失败，只按内存记录撤销", "job", jobID, "err", err)
	}
	for k := range ledgerKeys {
		set[k] = struct{}{}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	slog.Info("开始撤销已上传文件", "job", jobID, "keys", len(keys))

	if err := e.deleteKeys(ctx, keys); err != nil {
		msg := fmt.Sprintf("撤销失败: %v", err)
		if serr := e.opts.Ledger.SetStatus(jobID, database.StatusCanceled, msg); serr != nil {
			slog.Warn("更新任务账本状态失败", "job", jobID, "err", serr)
		}
		if emit {
			e.opts.Bus.Publish(events.Canceled{JobID: jobID, Stats: e.cancelStats(jobID, start)})
		}
		return fmt.Errorf("undo %s: %w", jobID, err)
	}

	if len(keys) > 0 {
		e.opts.Bus.Publish(events.ObjectsDeleted{JobID: jobID, Keys: keys})
	}
	if err := e.opts.Ledger.Discard(jobID); err != nil {
		slog.Warn("删除任务账本记录失败", "job", jobID, "err", err)
	}

	slog.Info("撤销完成", "job", jobID, "deleted", len(keys), "duration", time.Since(start).Round(time.Millisecond))
	if emit {
		e.opts.Bus.Publish(events.Canceled{JobID: jobID, Undo: true, Stats: e.cancelStats(jobID, start)})
	}
	return nil
}

func (e *Engine) deleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if bd, ok := e.opts.Store.(fs.BatchDeleter); ok {
		return bd.DeleteObjects(ctx, keys)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteParallelism)
	for _, k := range keys {
		g.Go(func() error {
			return e.opts.Store.DeleteObject(gctx, k)
		})
	}
	return g.Wait()
}

func (e *Engine) cancelStats(jobID string, since time.Time) events.Stats {
	j, _ := e.opts.Registry.Get(jobID)
	return events.Stats{
		FilesUploaded: j.FilesUploaded,
		BytesUploaded: j.BytesUploaded,
		FilesTotal:    j.FilesTotal,
		Errors:        j.Errors,
		Duration:      time.Since(since),
	}
}

// Shutdown 软停止所有运行中的任务并等待它们结束，账本记为 interrupted
func (e *Engine) Shutdown(ctx context.Context) error {
	for _, id := range e.Running() {
		e.requestStop(id, cancelShutdown)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll 以同一种方式取消所有运行中的任务，返回被取消的任务 ID
// 所有任务同时收到停止请求，再分别等待排空
func (e *Engine) StopAll(ctx context.Context, mode CancelMode) ([]string, error) {
	ids := e.Running()
	sort.Strings(ids)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			err := e.Cancel(ctx, id, mode)
			if err != nil && !errors.Is(err, ErrJobNotFound) && !errors.Is(err, ErrJobNotRunning) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return ids, errors.Join(errs...)
}
