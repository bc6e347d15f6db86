// ABOUTME: Retention janitor that evicts terminal planning sessions
// ABOUTME: Sessions and their idempotency keys are dropped once the retention window passes

package planning

import (
	"context"
	"time"
)

// RunJanitor evicts expired sessions until ctx is cancelled.
func (c *Coordinator) RunJanitor(ctx context.Context) {
	interval := min(max(c.retention/4, time.Second), time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.evictExpired(c.now()); n > 0 {
				c.logger.Debug("evicted planning sessions", "count", n)
			}
		}
	}
}

// evictExpired removes terminal sessions that finished more than the
// retention window before now.
func (c *Coordinator) evictExpired(now time.Time) int {
	var keys, ids []string
	defer func() {
		// Outside c.mu: Submit holds the cache lock while taking c.mu.
		for _, k := range keys {
			c.idem.Delete(k)
		}
		if c.onEvict != nil {
			for _, id := range ids {
				c.onEvict(id)
			}
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, s := range c.sessions {
		s.mu.Lock()
		expired := s.status.IsTerminal() && now.Sub(s.completedAt) >= c.retention
		key := s.idempotencyKey
		s.mu.Unlock()
		if !expired {
			continue
		}
		delete(c.sessions, id)
		ids = append(ids, id)
		if key != "" {
			keys = append(keys, key)
		}
		evicted++
	}
	return evicted
}
