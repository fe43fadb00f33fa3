package database

import "time"

// LedgerStatus 持久化任务的状态
type LedgerStatus string

const (
	StatusRunning     LedgerStatus = "running"     // 正在上传
	StatusInterrupted LedgerStatus = "interrupted" // 进程退出时仍在运行，重启后标记
	StatusError       LedgerStatus = "error"       // 有文件上传失败
	StatusCanceled    LedgerStatus = "canceled"    // 软取消，已上传文件保留
)

// Progress 累计进度
type Progress struct {
	FilesUploaded int64 `json:"files_uploaded"`
	BytesUploaded int64 `json:"bytes_uploaded"`
	FilesTotal    int64 `json:"files_total"`
}

// PendingJob 代表一个可恢复的上传任务
// record 以 JSON 存储，UploadedKeys 单独存在子 bucket 中
type PendingJob struct {
	JobID        string       `json:"job_id"`
	Label        string       `json:"label"`
	SourcePath   string       `json:"source_path"`
	TargetPrefix string       `json:"target_prefix"`
	Status       LedgerStatus `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
	LastActivity time.Time    `json:"last_activity"`
	Progress     Progress     `json:"progress"`
	LastError    string       `json:"last_error,omitempty"`

	// 读取时从 uploaded 子 bucket 填充，不写入 record
	UploadedKeys []string `json:"-"`
}

// ManifestEntry 任务开始时确定的一个源文件
type ManifestEntry struct {
	LocalPath    string `json:"local_path"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
}

// UploadedKey 一个已确认上传的远端对象
type UploadedKey struct {
	Key  string
	Size int64
}
