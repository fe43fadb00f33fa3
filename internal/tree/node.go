// Package tree keeps a lazily populated view of the remote namespace.
//
// Folder listings are loaded on demand and cached per prefix. A background full
// scan refines folder counts; while it runs the counts are lower bounds that
// only grow, and they freeze once the scan is ready.
package tree

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrScanRunning is returned by Scan when a full scan is already in progress.
var ErrScanRunning = errors.New("full scan already running")

// Node is a Folder or a File.
type Node interface {
	NodeKey() string
	node()
}

// Folder is a common prefix ending in "/". Nil counts are not measured yet.
type Folder struct {
	Key         string
	Name        string
	FolderCount *int
	FileCount   *int
	TotalCount  *int
	IsLoading   bool
	IsComplete  bool
}

// File is a stored object.
type File struct {
	Key          string
	Name         string
	Size         int64
	LastModified time.Time
	ETag         string
}

func (f Folder) NodeKey() string { return f.Key }
func (f File) NodeKey() string   { return f.Key }
func (Folder) node()             {}
func (File) node()               {}

// Status describes the full-scan state.
type Status struct {
	IsLoading  bool
	IsReady    bool
	TotalFiles int
	Age        time.Duration // since the last completed scan, zero if none
	TTL        time.Duration
}

// Tree is the listing of one prefix plus the scan status.
type Tree struct {
	Prefix  string
	Folders []Folder
	Files   []File
	Status  Status
}

// Children is what GetChildren returns. Loading is set while the listing is
// still being fetched, Err when the last attempt failed.
type Children struct {
	Prefix  string
	Folders []Folder
	Files   []File
	Loading bool
	Err     error
}

// ListingError reports a failed folder listing.
type ListingError struct {
	Prefix string
	Err    error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list %q: %v", e.Prefix, e.Err)
}

func (e *ListingError) Unwrap() error {
	return e.Err
}

// ParentPrefix returns the folder prefix that holds key: "a/b/c.txt" -> "a/b/".
func ParentPrefix(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return ""
	}
	return trimmed[:i+1]
}

// baseName returns the last path segment of a key or folder prefix.
func baseName(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// normalizePrefix makes "" stay the root and anything else end in "/".
func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}
