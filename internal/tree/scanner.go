package tree

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"cloudbackup/internal/events"
	"cloudbackup/internal/fs"
)

// Page is the cumulative result after one listed page.
type Page struct {
	TotalLoaded int
	Folders     map[string]events.FolderStats
	Last        bool
}

// Scanner lists the whole namespace page by page and accumulates per-folder
// counts.
type Scanner struct {
	store    fs.ObjectStore
	pageSize int
	limiter  *rate.Limiter
}

// NewScanner returns a scanner. pagesPerSecond <= 0 means unlimited.
func NewScanner(store fs.ObjectStore, pageSize int, pagesPerSecond float64) *Scanner {
	if pageSize <= 0 {
		pageSize = 1000
	}
	limit := rate.Inf
	if pagesPerSecond > 0 {
		limit = rate.Limit(pagesPerSecond)
	}
	return &Scanner{
		store:    store,
		pageSize: pageSize,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Run lists every key and calls fn after each page with cumulative stats.
// Counts in successive pages never decrease.
func (s *Scanner) Run(ctx context.Context, fn func(Page) error) error {
	acc := newAccumulator()
	token := ""

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		res, err := s.store.ListObjects(ctx, fs.ListInput{Token: token, MaxKeys: s.pageSize})
		if err != nil {
			return fmt.Errorf("full scan page %d: %w", acc.pages+1, err)
		}
		for _, f := range res.Files {
			acc.add(f.Key)
		}
		acc.pages++

		page := Page{
			TotalLoaded: acc.total,
			Folders:     acc.snapshot(),
			Last:        res.NextToken == "",
		}
		if err := fn(page); err != nil {
			return err
		}
		if page.Last {
			return nil
		}
		token = res.NextToken
	}
}

type folderAcc struct {
	stats   events.FolderStats
	folders map[string]struct{}
}

type accumulator struct {
	folders map[string]*folderAcc
	total   int
	pages   int
}

func newAccumulator() *accumulator {
	return &accumulator{folders: make(map[string]*folderAcc)}
}

// add counts key in every ancestor folder. The direct parent gets a file,
// each other ancestor gets its child folder on the path.
func (a *accumulator) add(key string) {
	if strings.HasSuffix(key, "/") {
		// 目录占位对象不计数
		return
	}
	a.total++

	parts := strings.Split(key, "/")
	prefix := ""
	for i := 0; i < len(parts)-1; i++ {
		prefix += parts[i] + "/"

		fa, ok := a.folders[prefix]
		if !ok {
			fa = &folderAcc{folders: make(map[string]struct{})}
			a.folders[prefix] = fa
		}
		fa.stats.TotalCount++

		if i+1 == len(parts)-1 {
			fa.stats.FileCount++
			continue
		}
		next := parts[i+1]
		if _, seen := fa.folders[next]; !seen {
			fa.folders[next] = struct{}{}
			fa.stats.FolderCount++
		}
	}
}

func (a *accumulator) snapshot() map[string]events.FolderStats {
	out := make(map[string]events.FolderStats, len(a.folders))
	for k, fa := range a.folders {
		out[k] = fa.stats
	}
	return out
}
