package backup

import (
	"strings"
	"time"
)

// Status 任务状态，running 之外的三个都是终态
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCanceled  Status = "canceled"
)

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCanceled
}

// CancelMode 取消方式
type CancelMode int

const (
	// CancelSoft 停止并保留已上传的文件
	CancelSoft CancelMode = iota + 1
	// CancelHard 停止并删除本任务已上传的文件
	CancelHard
	// cancelShutdown 进程退出时的停止，账本记为 interrupted
	cancelShutdown
)

func (m CancelMode) String() string {
	switch m {
	case CancelSoft:
		return "soft"
	case CancelHard:
		return "hard"
	case cancelShutdown:
		return "shutdown"
	}
	return "unknown"
}

// ParseCancelMode 解析 "soft" / "hard"
func ParseCancelMode(s string) (CancelMode, bool) {
	switch strings.ToLower(s) {
	case "soft", "keep":
		return CancelSoft, true
	case "hard", "undo", "clean":
		return CancelHard, true
	}
	return 0, false
}

// FileEntry 一个待上传的本地文件，入队后不可变
type FileEntry struct {
	LocalPath    string
	RelativePath string // 统一使用 "/" 分隔
	Size         int64
}

// Batch 一组文件，对应一次传输调用
type Batch struct {
	Index   int
	Entries []FileEntry
}

// Bytes 批次总字节数
func (b Batch) Bytes() int64 {
	var n int64
	for _, e := range b.Entries {
		n += e.Size
	}
	return n
}

// Job 任务状态快照，只有 Registry 能修改
type Job struct {
	ID            string
	Target        string // 展示用的名称
	Source        string
	TargetPrefix  string
	Status        Status
	FilesUploaded int64
	BytesUploaded int64
	FilesTotal    int64
	Errors        int64
	CurrentFile   string
	Error         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// RemoteKey 拼接远端对象 key
func RemoteKey(prefix, relPath string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	relPath = strings.TrimPrefix(relPath, "/")
	if prefix == "" {
		return relPath
	}
	return prefix + "/" + relPath
}
