package ingest

import (
	"sync"

	"github.com/veilchat/veil/store"
	"golang.org/x/exp/slices"
)

type earlyKey struct {
	author store.RecipientID
	sentAt uint64
}

// earlyMessageCache parks events that arrived before the message they act on, bounded
// by evicting the oldest key wholesale.
type earlyMessageCache struct {
	mtx   sync.Mutex
	max   int
	order []earlyKey
	byKey map[earlyKey][]*Event
}

func newEarlyMessageCache(max int) *earlyMessageCache {
	return &earlyMessageCache{
		max:   max,
		byKey: make(map[earlyKey][]*Event),
	}
}

func (c *earlyMessageCache) add(author store.RecipientID, sentAt uint64, ev *Event) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	key := earlyKey{author, sentAt}
	if _, ok := c.byKey[key]; !ok {
		if len(c.order) >= c.max {
			evicted := c.order[0]
			c.order = c.order[1:]
			delete(c.byKey, evicted)
		}
		c.order = append(c.order, key)
	}
	c.byKey[key] = append(c.byKey[key], ev)
}

// remove takes every parked event for a key out of the cache.
func (c *earlyMessageCache) remove(author store.RecipientID, sentAt uint64) []*Event {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	key := earlyKey{author, sentAt}
	evs, ok := c.byKey[key]
	if !ok {
		return nil
	}
	delete(c.byKey, key)
	if i := slices.Index(c.order, key); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	return evs
}

func (c *earlyMessageCache) size() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.byKey)
}
