package tree

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloudbackup/internal/events"
)

var errStaleScan = errors.New("scan superseded")

// StartScan starts a background full scan unless one is running or the last
// completed scan is younger than the TTL. It reports whether a scan started.
func (c *Cache) StartScan() bool {
	c.mu.Lock()
	if c.scanning || (c.frozen != nil && time.Since(c.frozenAt) < c.opts.TTL) {
		c.mu.Unlock()
		return false
	}
	gen := c.beginScanLocked()
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.runScan(c.ctx, gen); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("后台全量扫描失败", "err", err)
		}
	}()
	return true
}

// Scan runs a full scan on the calling goroutine, ignoring the TTL.
func (c *Cache) Scan(ctx context.Context) error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return ErrScanRunning
	}
	gen := c.beginScanLocked()
	c.mu.Unlock()

	return c.runScan(ctx, gen)
}

func (c *Cache) beginScanLocked() int {
	c.scanning = true
	c.scanGen++
	if c.frozen != nil {
		// 已有完整结果时继续展示旧结果，新一轮从零累计
		c.live = make(map[string]events.FolderStats)
		c.liveTotal = 0
	}
	return c.scanGen
}

func (c *Cache) runScan(ctx context.Context, gen int) error {
	start := time.Now()
	slog.Info("开始全量扫描")

	err := c.scanner.Run(ctx, func(p Page) error {
		c.mu.Lock()
		if gen != c.scanGen {
			c.mu.Unlock()
			return errStaleScan
		}
		for key, st := range p.Folders {
			c.live[key] = maxStats(c.live[key], st)
		}
		if p.TotalLoaded > c.liveTotal {
			c.liveTotal = p.TotalLoaded
		}
		if p.Last {
			c.frozen = p.Folders
			c.frozenAt = time.Now()
			c.totalFiles = p.TotalLoaded
			c.scanning = false
		}
		c.mu.Unlock()

		if bus := c.opts.Bus; bus != nil {
			bus.Publish(events.CacheProgress{TotalLoaded: p.TotalLoaded, Folders: p.Folders})
			if p.Last {
				bus.Publish(events.CacheReady{TotalFiles: p.TotalLoaded, Folders: p.Folders})
			}
		}
		return nil
	})
	if err != nil {
		c.mu.Lock()
		if gen == c.scanGen {
			c.scanning = false
		}
		c.mu.Unlock()
		return err
	}

	slog.Info("全量扫描完成", "files", c.Status().TotalFiles, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func maxStats(a, b events.FolderStats) events.FolderStats {
	return events.FolderStats{
		FolderCount: max(a.FolderCount, b.FolderCount),
		FileCount:   max(a.FileCount, b.FileCount),
		TotalCount:  max(a.TotalCount, b.TotalCount),
	}
}
