package backup

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry 内存中的任务表，是任务状态唯一的修改入口
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	grace  time.Duration
	timers map[string]*time.Timer
}

// NewRegistry grace 为终态任务保留的时长 (error 状态除外)
func NewRegistry(grace time.Duration) *Registry {
	return &Registry{
		jobs:   make(map[string]*Job),
		grace:  grace,
		timers: make(map[string]*time.Timer),
	}
}

// Create 登记新任务，ID 已存在时失败
func (r *Registry) Create(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	if job.Status == "" {
		job.Status = StatusRunning
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	j := job
	r.jobs[job.ID] = &j
	return nil
}

// Update 在写锁内修改任务，任务不存在时什么也不做
// 终态任务不接受修改
func (r *Registry) Update(id string, patch func(j *Job)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !j.FinishedAt.IsZero() {
		return false
	}
	patch(j)
	return true
}

// Get 返回快照
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List 返回所有任务的快照，按开始时间排序
func (r *Registry) List() []Job {
	r.mu.RLock()
	result := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		result = append(result, *j)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, k int) bool {
		return result[i].StartedAt.Before(result[k].StartedAt)
	})
	return result
}

// Finish 把任务置为终态
// 只能从 running 进入终态；已被标记为 canceled 的任务可以以 canceled 结束，
// 排空期间遇到账本故障时也可以以 error 结束
// 除 error 外，grace 之后自动移除
func (r *Registry) Finish(id string, status Status, msg string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !j.FinishedAt.IsZero() {
		return Job{}, false
	}
	switch {
	case j.Status == StatusRunning:
	case j.Status == StatusCanceled && (status == StatusCanceled || status == StatusError):
	default:
		return Job{}, false
	}

	j.Status = status
	j.Error = msg
	j.CurrentFile = ""
	j.FinishedAt = time.Now()

	if status != StatusError {
		finishedAt := j.FinishedAt
		r.timers[id] = time.AfterFunc(r.grace, func() {
			r.removeIf(id, finishedAt)
		})
	}
	return *j, true
}

// removeIf 只移除同一次结束的任务，避免误删 resume 后新建的同 ID 任务
func (r *Registry) removeIf(id string, finishedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.jobs[id]; ok && j.FinishedAt.Equal(finishedAt) {
		delete(r.jobs, id)
		delete(r.timers, id)
	}
}

// Remove 直接移除任务
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// Dismiss 用户确认后移除终态任务 (主要用于 error)，运行中的任务不能移除
func (r *Registry) Dismiss(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if j.FinishedAt.IsZero() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	}
	r.mu.Unlock()

	r.Remove(id)
	return nil
}

// Close 停掉所有清理定时器
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
