package pricing

import (
	"sync/atomic"
	"time"

	"RampSettle/internal/models"
)

// Snapshot is never mutated after creation; a refresh swaps in a new one.
type Snapshot struct {
	Rate      models.Rate
	ExpiresAt time.Time
}

func (s *Snapshot) Fresh(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

type Cache struct {
	ttl time.Duration
	cur atomic.Pointer[Snapshot]
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl}
}

func (c *Cache) Load() *Snapshot {
	return c.cur.Load()
}

func (c *Cache) Store(rate models.Rate) *Snapshot {
	snap := &Snapshot{Rate: rate, ExpiresAt: rate.FetchedAt.Add(c.ttl)}
	c.cur.Store(snap)
	return snap
}
