// Package events defines the progress and cache notifications published while
// jobs run, and the Bus that delivers them to subscribers.
package events

import "time"

// Event is one notification. The set of implementations is closed.
type Event interface {
	Kind() string
	event()
}

// Stats summarises a finished run.
type Stats struct {
	FilesUploaded int64
	BytesUploaded int64
	FilesTotal    int64
	Errors        int64
	Duration      time.Duration
}

// Progress is published after each batch of a job completes.
type Progress struct {
	JobID         string
	FilesUploaded int64
	BytesUploaded int64
	FilesTotal    int64
	CurrentFile   string
}

// Complete is the terminal event of a job with no failed files.
type Complete struct {
	JobID string
	Stats Stats
}

// Error is the terminal event of a job with failed files or a ledger failure.
type Error struct {
	JobID   string
	Message string
	Stats   Stats
}

// Canceled is the terminal event of a stopped job.
type Canceled struct {
	JobID string
	Undo  bool
	Stats Stats
}

// FileUploaded is published for every object confirmed by the store.
type FileUploaded struct {
	JobID        string
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// ObjectsDeleted is published after an undo removed objects from the store.
type ObjectsDeleted struct {
	JobID string
	Keys  []string
}

// FolderStats are the counts gathered for one folder prefix by a full scan.
type FolderStats struct {
	FolderCount int
	FileCount   int
	TotalCount  int
}

// CacheProgress carries cumulative scan results after each listed page.
type CacheProgress struct {
	TotalLoaded int
	Folders     map[string]FolderStats
}

// CacheReady is published once a full scan has listed every key.
type CacheReady struct {
	TotalFiles int
	Folders    map[string]FolderStats
}

func (Progress) Kind() string       { return "backup:progress" }
func (Complete) Kind() string       { return "backup:complete" }
func (Error) Kind() string          { return "backup:error" }
func (Canceled) Kind() string       { return "backup:canceled" }
func (FileUploaded) Kind() string   { return "file:uploaded" }
func (ObjectsDeleted) Kind() string { return "objects:deleted" }
func (CacheProgress) Kind() string  { return "cache:progress" }
func (CacheReady) Kind() string     { return "cache:ready" }

func (Progress) event()       {}
func (Complete) event()       {}
func (Error) event()          {}
func (Canceled) event()       {}
func (FileUploaded) event()   {}
func (ObjectsDeleted) event() {}
func (CacheProgress) event()  {}
func (CacheReady) event()     {}

// IsTerminal reports whether ev ends a job run.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Complete, Error, Canceled:
		return true
	}
	return false
}

// JobOf returns the job id an event belongs to, or "" for cache events.
func JobOf(ev Event) string {
	switch e := ev.(type) {
	case Progress:
		return e.JobID
	case Complete:
		return e.JobID
	case Error:
		return e.JobID
	case Canceled:
		return e.JobID
	case FileUploaded:
		return e.JobID
	case ObjectsDeleted:
		return e.JobID
	}
	return ""
}
