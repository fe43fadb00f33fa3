package backup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cloudbackup/internal/database"
	"cloudbackup/internal/events"
	"cloudbackup/internal/fs"
	"cloudbackup/internal/tree"
)

// Service 对外的入口：上传、恢复、取消、订阅进度、浏览远端目录
type Service struct {
	engine   *Engine
	cache    *tree.Cache
	opts     *EngineOptions
	hostname string
}

// NewService 创建服务，cache 可以为 nil (不提供目录浏览)
func NewService(opts *EngineOptions, cache *tree.Cache) *Service {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &Service{
		engine:   NewEngine(opts),
		cache:    cache,
		opts:     opts,
		hostname: host,
	}
}

// Engine 返回底层调度器
func (s *Service) Engine() *Engine {
	return s.engine
}

// UploadRequest 上传请求；Files 为空时扫描 SourcePath 目录
type UploadRequest struct {
	SourcePath   string
	Files        []FileEntry
	TargetPrefix string // 为空则按主机名和源路径生成
	Label        string
}

// StartUpload 开始上传，返回任务 ID
func (s *Service) StartUpload(ctx context.Context, req UploadRequest) (string, error) {
	files := req.Files
	if len(files) == 0 {
		if req.SourcePath == "" {
			return "", ErrNoFiles
		}
		scanned, err := s.opts.ScanDir(req.SourcePath)
		if err != nil {
			return "", fmt.Errorf("scan local failed: %w", err)
		}
		files = EntriesFromScan(scanned)
	}

	prefix := req.TargetPrefix
	if prefix == "" {
		if req.SourcePath == "" {
			return "", fmt.Errorf("target prefix is required for a file list upload")
		}
		prefix = DefaultTargetPrefix(s.hostname, req.SourcePath)
	}

	return s.engine.Start(ctx, StartRequest{
		Label:        req.Label,
		SourcePath:   req.SourcePath,
		TargetPrefix: strings.TrimSuffix(prefix, "/"),
		Files:        files,
	})
}

// StartDirectory 备份整个目录
func (s *Service) StartDirectory(ctx context.Context, dir, prefix string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return s.StartUpload(ctx, UploadRequest{SourcePath: abs, TargetPrefix: prefix})
}

// ResumeJob 恢复账本中的任务，沿用原 ID
func (s *Service) ResumeJob(ctx context.Context, jobID string) (*ResumeResult, error) {
	return s.engine.Resume(ctx, jobID)
}

// CancelJob 取消任务
func (s *Service) CancelJob(ctx context.Context, jobID string, mode CancelMode) error {
	return s.engine.Cancel(ctx, jobID, mode)
}

// StopAll 取消所有运行中的任务
func (s *Service) StopAll(ctx context.Context, mode CancelMode) ([]string, error) {
	return s.engine.StopAll(ctx, mode)
}

// Subscribe 订阅事件，返回的函数用于退订
func (s *Service) Subscribe(buffer int) (<-chan events.Event, func()) {
	return s.opts.Bus.Subscribe(buffer)
}

// SubscribeFunc 以回调方式订阅事件
func (s *Service) SubscribeFunc(fn func(events.Event)) func() {
	return s.opts.Bus.SubscribeFunc(fn)
}

// ListPendingJobs 列出账本中未完成的任务
func (s *Service) ListPendingJobs() ([]*database.PendingJob, error) {
	return s.opts.Ledger.ListPending()
}

// Jobs 列出内存中的任务
func (s *Service) Jobs() []Job {
	return s.engine.Registry().List()
}

// Job 查询单个任务
func (s *Service) Job(jobID string) (Job, bool) {
	return s.engine.Registry().Get(jobID)
}

// Dismiss 确认并移除已结束的任务 (error 任务不会自动移除)
func (s *Service) Dismiss(jobID string) error {
	return s.engine.Registry().Dismiss(jobID)
}

// GetTree 列出远端目录
func (s *Service) GetTree(ctx context.Context, prefix string) (*tree.Tree, error) {
	if s.cache == nil {
		return nil, fmt.Errorf("tree cache is not configured")
	}
	return s.cache.GetTree(ctx, prefix)
}

// SignedURL 生成下载地址
func (s *Service) SignedURL(ctx context.Context, key string) (string, error) {
	return s.opts.Store.SignedURL(ctx, key)
}

// Wait 等待所有任务结束
func (s *Service) Wait() {
	s.engine.Wait()
}

// Close 软停止运行中的任务 (账本记为 interrupted)，然后关闭缓存和事件总线
// 账本由调用方关闭
func (s *Service) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := s.engine.Shutdown(ctx)
	if err != nil {
		slog.Warn("等待任务结束超时", "err", err)
	}
	s.engine.Registry().Close()
	if s.cache != nil {
		s.cache.Close()
	}
	s.opts.Bus.Close()
	return err
}

// EntriesFromScan 把扫描结果转为按相对路径排序的上传列表
func EntriesFromScan(files map[string]*fs.FileMeta) []FileEntry {
	entries := make([]FileEntry, 0, len(files))
	for rel, meta := range files {
		if meta.IsDir {
			continue
		}
		entries = append(entries, FileEntry{LocalPath: meta.LocalPath, RelativePath: rel, Size: meta.Size})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
	return entries
}

var drivePath = regexp.MustCompile(`^([a-zA-Z]):(.*)$`)

// DefaultTargetPrefix 生成默认远端前缀
//
//	D:\Data\Photos -> backups/<host>/D_DRIVE/Data/Photos
//	/home/me/docs  -> backups/<host>/docs
func DefaultTargetPrefix(host, source string) string {
	var prefix string
	if m := drivePath.FindStringSubmatch(source); m != nil {
		rest := strings.ReplaceAll(m[2], `\`, "/")
		prefix = "backups/" + host + "/" + m[1] + "_DRIVE" + rest
	} else {
		clean := path.Clean(strings.ReplaceAll(source, `\`, "/"))
		prefix = "backups/" + host + "/" + path.Base(clean)
	}
	return strings.TrimSuffix(prefix, "/")
}
