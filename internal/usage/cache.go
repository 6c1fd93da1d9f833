package usage

import (
	"sync"
)

// Cache is the in-process snapshot store: the most recent snapshot per
// account, written only by the scheduler. Reads never block acquisitions.
type Cache struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewCache returns an empty snapshot cache.
func NewCache() *Cache {
	return &Cache{
		snaps: make(map[string]Snapshot),
	}
}

// Get returns the snapshot for one account.
func (c *Cache) Get(accountID string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.snaps[accountID]
	return s, ok
}

// Set stores a snapshot, replacing any previous one for the account.
func (c *Cache) Set(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.snaps[s.AccountID] = s
}

// Delete removes an account's snapshot.
func (c *Cache) Delete(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.snaps, accountID)
}

// All returns the snapshots for the given account IDs in that order.
// Accounts with no snapshot yet are skipped.
func (c *Cache) All(order []string) []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Snapshot, 0, len(order))
	for _, id := range order {
		if s, ok := c.snaps[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Retain drops every snapshot whose account is not in keep and returns the
// removed account IDs.
func (c *Cache) Retain(keep []string) []string {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for id := range c.snaps {
		if _, ok := keepSet[id]; !ok {
			removed = append(removed, id)
			delete(c.snaps, id)
		}
	}
	return removed
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.snaps)
}
