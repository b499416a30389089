// Package replycache remembers the last reply computed for a correlation id
// so a retried request is answered without running or publishing it again.
package replycache

import (
	"sync"

	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// Cache maps correlation ids to replies. Entries never expire; Clear releases
// them all.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]kvmsg.Message
}

func New() *Cache {
	return &Cache{entries: make(map[string]kvmsg.Message)}
}

// Get returns a copy of the reply stored for id.
func (c *Cache) Get(id string) (kvmsg.Message, bool) {
	if id == "" {
		return nil, false
	}
	c.mu.RLock()
	reply, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return reply.Clone(), true
}

// Put stores a copy of reply under id. Empty ids and nil replies are ignored.
func (c *Cache) Put(id string, reply kvmsg.Message) {
	if id == "" || reply == nil {
		return
	}
	c.mu.Lock()
	c.entries[id] = reply.Clone()
	c.mu.Unlock()
}

func (c *Cache) Delete(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]kvmsg.Message)
	c.mu.Unlock()
}
