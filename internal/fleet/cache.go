package fleet

import (
	"sync"
	"time"
)

// Cache keeps the last aggregated fleet and single-user refreshes. Every
// read hands out a copy so callers never share breakdown slices.
//
// Removals bump a generation. A list read that started before a removal
// cannot bring the removed entry back.
type Cache struct {
	mu       sync.RWMutex
	byUUID   map[string]*View
	list     []*View
	updated  time.Time
	gen      uint64
	replaced uint64
	removed  map[string]uint64 // uuid -> generation of its removal
}

func NewCache() *Cache {
	return &Cache{byUUID: map[string]*View{}, removed: map[string]uint64{}}
}

// Generation is read before the panels are listed and handed back to
// ReplaceSince.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Replace swaps in a full list_all result read just now.
func (c *Cache) Replace(views []*View, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked(views, at, c.gen)
}

// ReplaceSince swaps in a list_all result whose reads began at generation
// gen. Views removed after gen are left out, and a result older than the
// last accepted one is dropped; it reports whether the result was used.
func (c *Cache) ReplaceSince(views []*View, at time.Time, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen < c.replaced {
		return false
	}
	c.replaceLocked(views, at, gen)
	return true
}

func (c *Cache) replaceLocked(views []*View, at time.Time, gen uint64) {
	byUUID := make(map[string]*View, len(views))
	list := make([]*View, 0, len(views))
	for _, v := range views {
		if c.removed[v.UUID] > gen {
			continue
		}
		cp := v.clone()
		byUUID[cp.UUID] = cp
		list = append(list, cp)
	}
	c.byUUID, c.list, c.updated = byUUID, list, at
	c.replaced = gen
	for uuid, g := range c.removed {
		if g <= gen {
			delete(c.removed, uuid)
		}
	}
}

func (c *Cache) Get(uuid string) (*View, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byUUID[uuid]
	return v.clone(), ok
}

func (c *Cache) Put(v *View) {
	cp := v.clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byUUID[cp.UUID] = cp
	for i, old := range c.list {
		if old.UUID == cp.UUID {
			c.list[i] = cp
			return
		}
	}
	c.list = append(c.list, cp)
}

// Patch edits the cached entry in place. It reports false when uuid is
// not cached.
func (c *Cache) Patch(uuid string, fn func(*View)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.byUUID[uuid]
	if !ok {
		return false
	}
	cp := v.clone()
	fn(cp)
	c.byUUID[uuid] = cp
	for i, old := range c.list {
		if old.UUID == uuid {
			c.list[i] = cp
		}
	}
	return true
}

func (c *Cache) Delete(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.removed[uuid] = c.gen
	delete(c.byUUID, uuid)
	for i, v := range c.list {
		if v.UUID == uuid {
			c.list = append(c.list[:i:i], c.list[i+1:]...)
			break
		}
	}
}

// Invalidate drops uuid so the next read goes to the panels.
func (c *Cache) Invalidate(uuid string) {
	c.Delete(uuid)
}

func (c *Cache) All() []*View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*View, len(c.list))
	for i, v := range c.list {
		out[i] = v.clone()
	}
	return out
}

func (c *Cache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}
