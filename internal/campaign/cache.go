package campaign

import (
	"slices"
	"sync"
	"time"

	"mailcast/internal/models"
)

// listCache holds one List result. Writes through the Manager invalidate it;
// status changes made by dispatch passes show up after the TTL.
type listCache struct {
	mu    sync.Mutex
	at    time.Time
	items []models.Campaign
}

func (c *listCache) get(ttl time.Duration) ([]models.Campaign, bool) {
	if ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil || time.Since(c.at) > ttl {
		return nil, false
	}
	return cloneList(c.items), true
}

func (c *listCache) put(ttl time.Duration, items []models.Campaign) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.items = cloneList(items)
	c.at = time.Now()
	c.mu.Unlock()
}

func (c *listCache) invalidate() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}

func cloneList(in []models.Campaign) []models.Campaign {
	out := make([]models.Campaign, len(in))
	for i, c := range in {
		c.RecipientIDs = slices.Clone(c.RecipientIDs)
		out[i] = c
	}
	return out
}
