package backup

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobExists        = errors.New("job already exists")
	ErrJobRunning       = errors.New("job is running")
	ErrJobNotRunning    = errors.New("job is not running")
	ErrInvalidBatchSize = errors.New("batch size must be >= 1")
	ErrNoFiles          = errors.New("no files to upload")
)

// TransferError 单个文件上传失败 (重试之后)
type TransferError struct {
	Key       string
	LocalPath string
	Attempts  int
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload %s failed after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ResumeInconsistencyError 账本清单和当前源目录对不上
type ResumeInconsistencyError struct {
	JobID   string
	Missing []string
}

func (e *ResumeInconsistencyError) Error() string {
	const show = 5
	list := e.Missing
	more := ""
	if len(list) > show {
		more = fmt.Sprintf(" (and %d more)", len(list)-show)
		list = list[:show]
	}
	return fmt.Sprintf("resume %s: %d source file(s) no longer exist: %s%s",
		e.JobID, len(e.Missing), strings.Join(list, ", "), more)
}

// errCount 并发安全的错误计数，只保留最后一个错误
type errCount struct {
	mu      sync.Mutex
	lastErr error
	count   int64
}

func (ec *errCount) Add(err error) {
	if err == nil {
		return
	}
	ec.mu.Lock()
	ec.count++
	ec.lastErr = err
	ec.mu.Unlock()
}

func (ec *errCount) Count() int64 {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.count
}

// Err 汇总: "N of M files failed: last error: ..."
func (ec *errCount) Err(total int64) error {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.count == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d files failed: last error: %w", ec.count, total, ec.lastErr)
}
