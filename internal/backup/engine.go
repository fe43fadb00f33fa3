package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"cloudbackup/internal/database"
	"cloudbackup/internal/events"
	"cloudbackup/internal/fs"
	"cloudbackup/internal/fs/local"
)

// EngineOptions 初始化选项
type EngineOptions struct {
	Store    fs.ObjectStore
	Reader   fs.Reader
	Ledger   *database.DB
	Registry *Registry
	Bus      *events.Bus

	// ScanDir 扫描目录型备份源，默认使用本地适配器
	ScanDir func(root string) (map[string]*fs.FileMeta, error)
	Exclude []string

	BatchSize       int
	Concurrency     int
	RetryMax        int
	RetryBase       time.Duration
	RetryCap        time.Duration
	TransferTimeout time.Duration
}

// Engine 上传调度器：批次队列由固定数量的 worker 消费
type Engine struct {
	opts *EngineOptions

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// run 一次运行 (新任务或 resume) 的内部状态
type run struct {
	jobID  string
	prefix string
	total  int64
	start  time.Time

	stop     atomic.Bool
	mode     CancelMode // 受 Engine.mu 保护
	finished bool       // 受 Engine.mu 保护，之后 mode 不再变化
	done     chan struct{}

	// 以下字段在 done 关闭前由 finish 写入
	undone  bool
	undoErr error

	mu       sync.Mutex
	uploaded map[string]int64

	errs   errCount
	fatal  error
	fatalM sync.Mutex
}

func NewEngine(opts *EngineOptions) *Engine {
	// 0 表示未配置；负数保留原值，由 Split 返回 ErrInvalidBatchSize
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 10 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 5 * time.Minute
	}
	if opts.Reader == nil {
		opts.Reader = local.Reader{}
	}
	if opts.ScanDir == nil {
		exclude := opts.Exclude
		opts.ScanDir = func(root string) (map[string]*fs.FileMeta, error) {
			return local.NewAdapter(root, exclude).ListAll()
		}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry(5 * time.Second)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	return &Engine{opts: opts, runs: make(map[string]*run)}
}

// Registry 返回任务表
func (e *Engine) Registry() *Registry {
	return e.opts.Registry
}

// StartRequest 新建上传任务的参数
type StartRequest struct {
	JobID        string // 为空则自动生成
	Label        string
	SourcePath   string // 目录型任务的源目录，resume 时会重新扫描
	TargetPrefix string
	Files        []FileEntry
}

// Start 登记任务并在后台开始上传，返回任务 ID
// ctx 取消等同于进程退出：停止领取新批次，账本记为 interrupted
func (e *Engine) Start(ctx context.Context, req StartRequest) (string, error) {
	if len(req.Files) == 0 {
		return "", ErrNoFiles
	}
	batches, err := Split(req.Files, e.opts.BatchSize)
	if err != nil {
		return "", err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	label := req.Label
	if label == "" {
		label = req.TargetPrefix
	}

	manifest := make([]database.ManifestEntry, len(req.Files))
	for i, f := range req.Files {
		manifest[i] = database.ManifestEntry{LocalPath: f.LocalPath, RelativePath: f.RelativePath, Size: f.Size}
	}

	// 1. 先写账本，写不进去就不启动
	rec := &database.PendingJob{
		JobID:        jobID,
		Label:        label,
		SourcePath:   req.SourcePath,
		TargetPrefix: req.TargetPrefix,
		Status:       database.StatusRunning,
	}
	if err := e.opts.Ledger.CreateJob(rec, manifest); err != nil {
		if errors.Is(err, database.ErrExists) {
			return "", fmt.Errorf("%w: %s", ErrJobExists, jobID)
		}
		return "", fmt.Errorf("写入任务账本失败: %w", err)
	}

	// 2. 登记到内存任务表
	job := Job{
		ID:           jobID,
		Target:       label,
		Source:       req.SourcePath,
		TargetPrefix: req.TargetPrefix,
		FilesTotal:   int64(len(req.Files)),
		StartedAt:    rec.StartedAt,
	}
	if err := e.opts.Registry.Create(job); err != nil {
		_ = e.opts.Ledger.Discard(jobID)
		return "", err
	}

	slog.Info("上传任务开始",
		"job", jobID,
		"prefix", req.TargetPrefix,
		"files", len(req.Files),
		"batches", len(batches),
	)

	e.launch(ctx, jobID, req.TargetPrefix, int64(len(req.Files)), batches, nil)
	return jobID, nil
}

func (e *Engine) launch(ctx context.Context, jobID, prefix string, total int64, batches []Batch, uploaded map[string]int64) {
	if uploaded == nil {
		uploaded = make(map[string]int64)
	}
	r := &run{
		jobID:    jobID,
		prefix:   prefix,
		total:    total,
		start:    time.Now(),
		done:     make(chan struct{}),
		uploaded: uploaded,
	}

	e.mu.Lock()
	e.runs[jobID] = r
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(ctx, r, batches)
}

// execute 运行批次队列直到耗尽或被停止
func (e *Engine) execute(ctx context.Context, r *run, batches []Batch) {
	defer e.wg.Done()
	defer close(r.done)

	// 进程退出时软停止，正在传输的批次允许完成
	stopWatch := context.AfterFunc(ctx, func() {
		e.requestStop(r.jobID, cancelShutdown)
	})
	defer stopWatch()

	// 传输不跟随 ctx 取消，由 stop 标志控制
	xferCtx := context.WithoutCancel(ctx)

	taskChan := make(chan Batch, len(batches))
	for _, b := range batches {
		taskChan <- b
	}
	close(taskChan)

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for b := range taskChan {
				// 领取下一个批次前检查停止标志
				if r.stop.Load() {
					return
				}
				e.runBatch(xferCtx, r, id, b)
			}
		}(i)
	}
	wg.Wait()

	e.finish(r)
}

// runBatch 逐个上传批次内的文件，批次结束后一次性更新计数、账本和事件
func (e *Engine) runBatch(ctx context.Context, r *run, worker int, b Batch) {
	confirmed := make([]database.UploadedKey, 0, len(b.Entries))
	uploads := make([]events.FileUploaded, 0, len(b.Entries))

	for _, fe := range b.Entries {
		key := RemoteKey(r.prefix, fe.RelativePath)
		if r.has(key) {
			continue
		}

		e.opts.Registry.Update(r.jobID, func(j *Job) { j.CurrentFile = fe.RelativePath })

		res, size, err := e.transfer(ctx, r, key, fe)
		if err != nil {
			r.errs.Add(err)
			e.opts.Registry.Update(r.jobID, func(j *Job) { j.Errors++ })
			slog.Warn("[Worker] 文件上传失败",
				"worker", worker,
				"job", r.jobID,
				"key", key,
				"err", err,
			)
			continue
		}

		confirmed = append(confirmed, database.UploadedKey{Key: key, Size: size})
		uploads = append(uploads, events.FileUploaded{
			JobID:        r.jobID,
			Key:          key,
			Size:         size,
			LastModified: time.Now(),
			ETag:         res.ETag,
		})
	}

	if len(confirmed) == 0 {
		slog.Debug("批次完成 (无成功文件)", "job", r.jobID, "batch", b.Index)
		return
	}

	// 账本写失败属于结构性错误，任务停止
	if _, err := e.opts.Ledger.RecordProgress(r.jobID, confirmed); err != nil {
		r.setFatal(fmt.Errorf("写入任务账本失败: %w", err))
		r.stop.Store(true)
		slog.Error("任务账本写入失败，停止任务", "job", r.jobID, "err", err)
	}

	var files, bytes int64
	r.mu.Lock()
	for _, k := range confirmed {
		if _, ok := r.uploaded[k.Key]; ok {
			continue
		}
		r.uploaded[k.Key] = k.Size
		files++
		bytes += k.Size
	}
	r.mu.Unlock()

	var snap Job
	e.opts.Registry.Update(r.jobID, func(j *Job) {
		// 只做增量，不做覆盖
		j.FilesUploaded += files
		j.BytesUploaded += bytes
		snap = *j
	})

	for _, u := range uploads {
		e.opts.Bus.Publish(u)
	}
	e.opts.Bus.Publish(events.Progress{
		JobID:         r.jobID,
		FilesUploaded: snap.FilesUploaded,
		BytesUploaded: snap.BytesUploaded,
		FilesTotal:    snap.FilesTotal,
		CurrentFile:   snap.CurrentFile,
	})

	slog.Debug("批次完成",
		"job", r.jobID,
		"batch", b.Index,
		"files", files,
		"failed", len(b.Entries)-len(confirmed),
	)
}

// transfer 上传单个文件，网络错误按指数退避重试，本地错误不重试
func (e *Engine) transfer(ctx context.Context, r *run, key string, fe FileEntry) (fs.PutResult, int64, error) {
	var (
		res      fs.PutResult
		size     int64
		attempts int
	)

	backoff := retry.WithMaxRetries(uint64(e.opts.RetryMax),
		retry.WithCappedDuration(e.opts.RetryCap, retry.NewExponential(e.opts.RetryBase)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 && r.stop.Load() {
			return errors.New("job stopped before retry")
		}

		meta, err := e.opts.Reader.Stat(fe.LocalPath)
		if err != nil {
			return err
		}
		f, err := e.opts.Reader.Open(fe.LocalPath)
		if err != nil {
			return err
		}
		defer f.Close()

		actx, cancel := context.WithTimeout(ctx, e.opts.TransferTimeout)
		defer cancel()

		out, err := e.opts.Store.PutObject(actx, key, f, meta.Size, fs.PutOptions{LocalPath: fe.LocalPath})
		if err != nil {
			return retry.RetryableError(err)
		}
		res, size = out, meta.Size
		return nil
	})
	if err != nil {
		return fs.PutResult{}, 0, &TransferError{Key: key, LocalPath: fe.LocalPath, Attempts: attempts, Err: err}
	}
	return res, size, nil
}

// finish 决定终态并发出唯一的终态事件
// hard 取消的撤销也在这里执行，不依赖取消方的 ctx
func (e *Engine) finish(r *run) {
	e.mu.Lock()
	r.finished = true
	stopped := r.stop.Load()
	mode := r.mode
	e.mu.Unlock()

	// 撤销完成前任务仍算运行中，resume 和重复取消都会等它
	defer func() {
		e.mu.Lock()
		delete(e.runs, r.jobID)
		e.mu.Unlock()
	}()

	snap, _ := e.opts.Registry.Get(r.jobID)
	stats := events.Stats{
		FilesUploaded: snap.FilesUploaded,
		BytesUploaded: snap.BytesUploaded,
		FilesTotal:    snap.FilesTotal,
		Errors:        r.errs.Count(),
		Duration:      time.Since(r.start),
	}
	ledger := e.opts.Ledger

	fatal := r.getFatal()
	if stopped && mode == CancelHard {
		if err := ledger.SetStatus(r.jobID, database.StatusCanceled, ""); err != nil {
			slog.Warn("更新任务账本状态失败", "job", r.jobID, "err", err)
		}
		e.opts.Registry.Finish(r.jobID, StatusCanceled, "")
		slog.Info("上传任务已停止，开始撤销", "job", r.jobID)

		ctx, cancel := context.WithTimeout(context.Background(), e.opts.TransferTimeout)
		defer cancel()
		r.undone = true
		r.undoErr = e.undo(ctx, r.jobID, r.uploadedKeys(), true)
		return
	}

	switch {
	case fatal != nil:
		msg := fatal.Error()
		if err := ledger.SetStatus(r.jobID, database.StatusError, msg); err != nil {
			slog.Warn("更新任务账本状态失败", "job", r.jobID, "err", err)
		}
		e.opts.Registry.Finish(r.jobID, StatusError, msg)
		slog.Error("上传任务失败", "job", r.jobID, "err", fatal)
		e.opts.Bus.Publish(events.Error{JobID: r.jobID, Message: msg, Stats: stats})

	case stopped:
		e.opts.Registry.Finish(r.jobID, StatusCanceled, "")
		switch mode {
		case cancelShutdown:
			if err := ledger.SetStatus(r.jobID, database.StatusInterrupted, ""); err != nil {
				slog.Warn("更新任务账本状态失败", "job", r.jobID, "err", err)
			}
		default:
			if err := ledger.SetStatus(r.jobID, database.StatusCanceled, ""); err != nil {
				slog.Warn("更新任务账本状态失败", "job", r.jobID, "err", err)
			}
		}
		slog.Info("上传任务已取消", "job", r.jobID, "mode", mode, "uploaded", stats.FilesUploaded)
		e.opts.Bus.Publish(events.Canceled{JobID: r.jobID, Stats: stats})

	case stats.Errors == 0:
		if err := ledger.Discard(r.jobID); err != nil {
			slog.Warn("删除任务账本记录失败", "job", r.jobID, "err", err)
		}
		e.opts.Registry.Finish(r.jobID, StatusCompleted, "")
		slog.Info("上传任务完成",
			"job", r.jobID,
			"files", stats.FilesUploaded,
			"bytes", stats.BytesUploaded,
			"duration", stats.Duration.Round(time.Millisecond),
		)
		e.opts.Bus.Publish(events.Complete{JobID: r.jobID, Stats: stats})

	default:
		msg := r.errs.Err(r.total).Error()
		if err := ledger.SetStatus(r.jobID, database.StatusError, msg); err != nil {
			slog.Warn("更新任务账本状态失败", "job", r.jobID, "err", err)
		}
		e.opts.Registry.Finish(r.jobID, StatusError, msg)
		slog.Error("上传任务部分失败", "job", r.jobID, "failed", stats.Errors, "err", msg)
		e.opts.Bus.Publish(events.Error{JobID: r.jobID, Message: msg, Stats: stats})
	}
}

// requestStop 设置停止标志并把任务标记为 canceled
// 已进入 finish 的 run 照常返回，但 mode 不再改变
func (e *Engine) requestStop(jobID string, mode CancelMode) *run {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[jobID]
	if !ok {
		return nil
	}
	if r.finished {
		return r
	}

	first := !r.stop.Load()
	if first || mode == CancelHard {
		if r.mode != CancelHard {
			r.mode = mode
		}
	}
	r.stop.Store(true)

	if first {
		e.opts.Registry.Update(jobID, func(j *Job) { j.Status = StatusCanceled })
		slog.Info("请求停止任务", "job", jobID, "mode", mode)
	}
	return r
}

// Running 返回运行中的任务 ID
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// Wait 等待所有运行结束
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (r *run) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.uploaded[key]
	return ok
}

func (r *run) uploadedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.uploaded))
	for k := range r.uploaded {
		keys = append(keys, k)
	}
	return keys
}

func (r *run) setFatal(err error) {
	r.fatalM.Lock()
	defer r.fatalM.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

func (r *run) getFatal() error {
	r.fatalM.Lock()
	defer r.fatalM.Unlock()
	return r.fatal
}
