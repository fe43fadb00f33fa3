// Package memory implements an in-memory ObjectStore.
//
// It is used for dry runs and as the remote store in tests. Failure and latency
// hooks let tests simulate network errors and observe concurrency.
package memory

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudbackup/internal/fs"
)

// Object is a stored object.
type Object struct {
	Data         []byte
	LastModified time.Time
	ETag         string
	OriginalPath string
}

// Store is a concurrency-safe in-memory object store.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object

	// PutHook runs before each put; a non-nil error fails the put.
	PutHook func(ctx context.Context, key string) error
	// ListHook runs before each list call.
	ListHook func(ctx context.Context, in fs.ListInput) error
	// DeleteHook runs before each delete.
	DeleteHook func(ctx context.Context, key string) error

	inflight    int
	maxInflight int
	puts        int
}

// New returns an empty store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject stores body under key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, opts fs.PutOptions) (fs.PutResult, error) {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.maxInflight {
		s.maxInflight = s.inflight
	}
	s.puts++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	if s.PutHook != nil {
		if err := s.PutHook(ctx, key); err != nil {
			return fs.PutResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return fs.PutResult{}, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fs.PutResult{}, err
	}
	if size >= 0 && int64(len(data)) != size {
		return fs.PutResult{}, fmt.Errorf("size mismatch for %s: got %d, want %d", key, len(data), size)
	}

	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	s.mu.Lock()
	s.objects[key] = Object{Data: data, LastModified: time.Now(), ETag: etag, OriginalPath: opts.LocalPath}
	s.mu.Unlock()

	return fs.PutResult{ETag: etag}, nil
}

// ListObjects lists keys under in.Prefix in lexical order. The continuation
// token is the last key of the previous page.
func (s *Store) ListObjects(ctx context.Context, in fs.ListInput) (*fs.ListResult, error) {
	if s.ListHook != nil {
		if err := s.ListHook(ctx, in); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, in.Prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	maxKeys := in.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	res := &fs.ListResult{}
	seenFolders := make(map[string]bool)
	count := 0
	for _, k := range keys {
		if in.Token != "" && k <= in.Token {
			continue
		}
		if count == maxKeys {
			res.NextToken = lastKey(res, in)
			break
		}

		if in.Delimiter != "" {
			rest := strings.TrimPrefix(k, in.Prefix)
			if i := strings.Index(rest, in.Delimiter); i >= 0 {
				folder := in.Prefix + rest[:i+len(in.Delimiter)]
				if !seenFolders[folder] {
					seenFolders[folder] = true
					res.Folders = append(res.Folders, folder)
					count++
				}
				continue
			}
		}

		s.mu.RLock()
		obj, ok := s.objects[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		res.Files = append(res.Files, fs.ObjectInfo{
			Key:          k,
			Size:         int64(len(obj.Data)),
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
		})
		count++
	}
	return res, nil
}

// lastKey returns the continuation token for a truncated page. For a folder
// the token skips every key inside it.
func lastKey(res *fs.ListResult, in fs.ListInput) string {
	last := ""
	if n := len(res.Files); n > 0 {
		last = res.Files[n-1].Key
	}
	if n := len(res.Folders); n > 0 {
		f := res.Folders[n-1]
		// 目录 token 要越过目录下所有 key
		if f+"\xff" > last {
			last = f + "\xff"
		}
	}
	return last
}

// DeleteObject removes key. Missing keys are not an error.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if s.DeleteHook != nil {
		if err := s.DeleteHook(ctx, key); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// SignedURL returns a fake URL for key.
func (s *Store) SignedURL(_ context.Context, key string) (string, error) {
	return "memory://" + key, nil
}

// Get returns a copy of the object stored under key.
func (s *Store) Get(key string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Set stores data under key without going through PutObject.
func (s *Store) Set(key string, data []byte) {
	sum := md5.Sum(data)
	s.mu.Lock()
	s.objects[key] = Object{Data: data, LastModified: time.Now(), ETag: `"` + hex.EncodeToString(sum[:]) + `"`}
	s.mu.Unlock()
}

// Keys returns all keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// MaxInflight reports the highest number of concurrent PutObject calls seen.
func (s *Store) MaxInflight() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxInflight
}

// Puts reports the number of PutObject calls, including failed ones.
func (s *Store) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
