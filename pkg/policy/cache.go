package policy

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sync"

	"github.com/polisai/hexaflow/pkg/domain"
)

// cacheKey hashes the decision inputs. Each field is followed by a null
// delimiter so adjacent fields cannot collide.
func cacheKey(entry string, id domain.PipelineID, actor string) string {
	h := sha256.New()
	writeCacheKeyField(h, entry)
	writeCacheKeyField(h, string(id))
	writeCacheKeyField(h, actor)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key     string
	allowed bool
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).allowed, true
}

func (c *decisionCache) Add(key string, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, allowed: allowed}
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(cacheItem{key: key, allowed: allowed})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
