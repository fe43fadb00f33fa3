package tree

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cloudbackup/internal/events"
	"cloudbackup/internal/fs"
)

type loadState int

const (
	stateLoading loadState = iota + 1
	stateLoaded
	stateFailed
)

// listing is the cached child index of one prefix.
type listing struct {
	state   loadState
	folders []string
	files   []string
	err     error
	done    chan struct{}

	// Changes seen while loading, merged over the listed pages when the load
	// completes. pendingFiles maps a key to whether it exists afterwards.
	pendingFiles   map[string]bool
	pendingFolders []string
}

func (l *listing) noteFile(key string, exists bool) {
	if l.pendingFiles == nil {
		l.pendingFiles = make(map[string]bool)
	}
	l.pendingFiles[key] = exists
}

func (l *listing) noteFolder(key string) {
	if !slices.Contains(l.pendingFolders, key) {
		l.pendingFolders = append(l.pendingFolders, key)
	}
}

// Options configures a Cache.
type Options struct {
	Store    fs.ObjectStore
	Bus      *events.Bus // optional; uploads and deletes are applied from it
	PageSize int
	ScanRate float64 // pages per second for the full scan, 0 = unlimited
	TTL      time.Duration
	// AutoScan starts a background full scan from GetTree when none is fresh.
	AutoScan bool
}

// Cache is the remote tree cache. Nodes live in arenas keyed by remote key;
// listings refer to them by key.
type Cache struct {
	opts    Options
	scanner *Scanner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsub  func()

	mu       sync.RWMutex
	folders  map[string]*Folder
	files    map[string]*File
	children map[string]*listing
	current  string

	scanning   bool
	scanGen    int
	live       map[string]events.FolderStats // running or failed scan, lower bounds
	liveTotal  int
	frozen     map[string]events.FolderStats // last completed scan
	frozenAt   time.Time
	totalFiles int
}

// New creates a cache and, when a bus is given, subscribes to it.
func New(opts Options) *Cache {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		opts:     opts,
		scanner:  NewScanner(opts.Store, opts.PageSize, opts.ScanRate),
		ctx:      ctx,
		cancel:   cancel,
		folders:  make(map[string]*Folder),
		files:    make(map[string]*File),
		children: make(map[string]*listing),
		live:     make(map[string]events.FolderStats),
	}
	if opts.Bus != nil {
		c.unsub = opts.Bus.SubscribeFunc(c.Apply)
	}
	return c
}

// Close stops background work and the bus subscription.
func (c *Cache) Close() {
	if c.unsub != nil {
		c.unsub()
	}
	c.cancel()
	c.wg.Wait()
}

// GetChildren returns the cached listing of prefix without blocking. When the
// prefix has not been loaded (or its last load failed) a listing is started and
// a placeholder with Loading set is returned.
func (c *Cache) GetChildren(prefix string) Children {
	prefix = normalizePrefix(prefix)

	c.mu.Lock()
	c.current = prefix
	l := c.children[prefix]
	if l == nil || l.state == stateFailed {
		prevErr := error(nil)
		if l != nil {
			prevErr = l.err
		}
		c.startLoadLocked(prefix)
		c.mu.Unlock()
		return Children{Prefix: prefix, Loading: true, Err: prevErr}
	}
	if l.state == stateLoading {
		c.mu.Unlock()
		return Children{Prefix: prefix, Loading: true}
	}
	ch := c.childrenLocked(prefix, l)
	c.mu.Unlock()
	return ch
}

// Load lists prefix if it is not cached and waits for the result. A failed
// listing is retried.
func (c *Cache) Load(ctx context.Context, prefix string) (Children, error) {
	prefix = normalizePrefix(prefix)

	for {
		c.mu.Lock()
		l := c.children[prefix]
		if l == nil || l.state == stateFailed {
			l = c.startLoadLocked(prefix)
		}
		if l.state == stateLoaded {
			ch := c.childrenLocked(prefix, l)
			c.mu.Unlock()
			return ch, nil
		}
		done := l.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return Children{Prefix: prefix, Loading: true}, ctx.Err()
		}

		c.mu.RLock()
		if c.children[prefix] == l {
			if l.state == stateLoaded {
				ch := c.childrenLocked(prefix, l)
				c.mu.RUnlock()
				return ch, nil
			}
			err := l.err
			c.mu.RUnlock()
			return Children{Prefix: prefix, Err: err}, err
		}
		c.mu.RUnlock()
		// 加载期间被作废，重新加载
	}
}

// GetTree loads prefix, marks it as the displayed prefix, and returns its
// children with the scan status.
func (c *Cache) GetTree(ctx context.Context, prefix string) (*Tree, error) {
	prefix = normalizePrefix(prefix)
	if c.opts.AutoScan {
		c.StartScan()
	}

	ch, err := c.Load(ctx, prefix)
	c.mu.Lock()
	c.current = prefix
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Tree{Prefix: prefix, Folders: ch.Folders, Files: ch.Files, Status: c.Status()}, nil
}

// Invalidate drops the cached listing of prefix.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	delete(c.children, normalizePrefix(prefix))
	c.mu.Unlock()
}

// Status reports the full-scan state.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		IsLoading: c.scanning,
		IsReady:   c.frozen != nil,
		TTL:       c.opts.TTL,
	}
	if c.frozen != nil {
		st.TotalFiles = c.totalFiles
		st.Age = time.Since(c.frozenAt)
	} else {
		st.TotalFiles = c.liveTotal
	}
	return st
}

func (c *Cache) startLoadLocked(prefix string) *listing {
	l := &listing{state: stateLoading, done: make(chan struct{})}
	c.children[prefix] = l

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.load(prefix, l)
	}()
	return l
}

// load pages through one prefix with delimiter "/".
func (c *Cache) load(prefix string, l *listing) {
	defer close(l.done)

	var (
		folders []string
		files   []fs.ObjectInfo
		token   string
		err     error
	)
	for {
		var res *fs.ListResult
		res, err = c.opts.Store.ListObjects(c.ctx, fs.ListInput{
			Prefix:    prefix,
			Delimiter: "/",
			Token:     token,
			MaxKeys:   c.opts.PageSize,
		})
		if err != nil {
			break
		}
		folders = append(folders, res.Folders...)
		files = append(files, res.Files...)
		if res.NextToken == "" {
			break
		}
		token = res.NextToken
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.children[prefix] != l {
		// 加载期间被作废
		l.state = stateFailed
		l.err = errors.New("listing invalidated")
		return
	}
	if err != nil {
		l.state = stateFailed
		l.err = &ListingError{Prefix: prefix, Err: err}
		slog.Warn("目录列举失败", "prefix", prefix, "err", err)
		return
	}

	l.folders = make([]string, 0, len(folders))
	for _, key := range folders {
		c.ensureFolderLocked(key)
		l.folders = append(l.folders, key)
	}
	l.files = make([]string, 0, len(files))
	for _, obj := range files {
		c.files[obj.Key] = &File{
			Key:          obj.Key,
			Name:         baseName(obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
		}
		l.files = append(l.files, obj.Key)
	}
	c.mergePendingLocked(l)
	l.state = stateLoaded
	slog.Debug("目录已缓存", "prefix", prefix, "folders", len(l.folders), "files", len(l.files))
}

// mergePendingLocked applies uploads and deletes that arrived while the pages
// were being fetched; earlier pages may predate them.
func (c *Cache) mergePendingLocked(l *listing) {
	var added []string
	for key, exists := range l.pendingFiles {
		listed := slices.Contains(l.files, key)
		switch {
		case exists && !listed:
			added = append(added, key)
		case !exists && listed:
			l.files = slices.DeleteFunc(l.files, func(k string) bool { return k == key })
			delete(c.files, key)
		}
	}
	if len(added) > 0 {
		slices.Sort(added)
		l.files = append(added, l.files...)
	}

	if len(l.pendingFolders) > 0 {
		for _, key := range l.pendingFolders {
			if !slices.Contains(l.folders, key) {
				c.ensureFolderLocked(key)
				l.folders = append(l.folders, key)
			}
		}
		slices.Sort(l.folders)
	}
	l.pendingFiles, l.pendingFolders = nil, nil
}

func (c *Cache) ensureFolderLocked(key string) {
	if _, ok := c.folders[key]; !ok {
		c.folders[key] = &Folder{Key: key, Name: baseName(key)}
	}
}

func (c *Cache) childrenLocked(prefix string, l *listing) Children {
	ch := Children{
		Prefix:  prefix,
		Folders: make([]Folder, 0, len(l.folders)),
		Files:   make([]File, 0, len(l.files)),
	}
	for _, key := range l.folders {
		ch.Folders = append(ch.Folders, c.folderViewLocked(key))
	}
	for _, key := range l.files {
		if f, ok := c.files[key]; ok {
			ch.Files = append(ch.Files, *f)
		}
	}
	return ch
}

// folderViewLocked fills a folder's counts from the scan state. A completed
// scan wins; otherwise the running scan's lower bounds are shown.
func (c *Cache) folderViewLocked(key string) Folder {
	f := Folder{Key: key, Name: baseName(key)}
	if n, ok := c.folders[key]; ok {
		f.Name = n.Name
	}

	if c.frozen != nil {
		f.IsComplete = true
		if st, ok := c.frozen[key]; ok {
			setCounts(&f, st)
		}
		return f
	}

	f.IsLoading = c.scanning
	if st, ok := c.live[key]; ok {
		setCounts(&f, st)
	}
	return f
}

func setCounts(f *Folder, st events.FolderStats) {
	folders, files, total := st.FolderCount, st.FileCount, st.TotalCount
	f.FolderCount, f.FileCount, f.TotalCount = &folders, &files, &total
}
