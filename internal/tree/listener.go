package tree

import (
	"slices"

	"cloudbackup/internal/events"
)

// Apply updates the cache from an upload or delete notification. It is
// subscribed to the bus by New and may also be called directly.
func (c *Cache) Apply(ev events.Event) {
	switch e := ev.(type) {
	case events.FileUploaded:
		c.fileUploaded(e)
	case events.ObjectsDeleted:
		c.objectsDeleted(e.Keys)
	}
}

// fileUploaded prepends the new file to the displayed prefix's listing. Other
// cached listings that no longer match the store are dropped. A listing still
// loading records the change and merges it when its pages arrive.
func (c *Cache) fileUploaded(e events.FileUploaded) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files[e.Key] = &File{
		Key:          e.Key,
		Name:         baseName(e.Key),
		Size:         e.Size,
		LastModified: e.LastModified,
		ETag:         e.ETag,
	}

	parent := ParentPrefix(e.Key)
	if l := c.children[parent]; l != nil {
		switch {
		case l.state == stateLoading:
			l.noteFile(e.Key, true)
		case l.state == stateLoaded && !slices.Contains(l.files, e.Key):
			if parent == c.current {
				l.files = append([]string{e.Key}, l.files...)
			} else {
				delete(c.children, parent)
			}
		}
	}

	// 祖先目录的列表里可能还没有这条路径上的子目录
	child := parent
	for child != "" {
		ancestor := ParentPrefix(child)
		l := c.children[ancestor]
		if l != nil && l.state == stateLoading {
			l.noteFolder(child)
		} else if l != nil && l.state == stateLoaded && !slices.Contains(l.folders, child) {
			if ancestor == c.current {
				c.ensureFolderLocked(child)
				l.folders = append(l.folders, child)
				slices.Sort(l.folders)
			} else {
				delete(c.children, ancestor)
			}
		}
		child = ancestor
	}
}

// objectsDeleted removes file nodes. A loaded folder that becomes empty is
// removed from its parent's listing.
func (c *Cache) objectsDeleted(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	touched := make(map[string]struct{})
	for _, key := range keys {
		delete(c.files, key)
		parent := ParentPrefix(key)
		l := c.children[parent]
		switch {
		case l == nil:
		case l.state == stateLoading:
			l.noteFile(key, false)
		case l.state == stateLoaded:
			l.files = slices.DeleteFunc(l.files, func(k string) bool { return k == key })
			touched[parent] = struct{}{}
		}
	}

	for prefix := range touched {
		c.pruneEmptyLocked(prefix)
	}
}

func (c *Cache) pruneEmptyLocked(prefix string) {
	for prefix != "" {
		l := c.children[prefix]
		if l == nil || l.state != stateLoaded || len(l.files) > 0 || len(l.folders) > 0 {
			return
		}
		parent := ParentPrefix(prefix)
		pl := c.children[parent]
		if pl == nil || pl.state != stateLoaded {
			return
		}
		pl.folders = slices.DeleteFunc(pl.folders, func(k string) bool { return k == prefix })
		prefix = parent
	}
}
