// Package watermark implements the clock-watermark oracle: four scalar
// streams (messages, tasks, context, activity) used by the wait loop to
// detect updates without an agent re-reading full result sets. The
// three shared watermarks are cached behind a singleflight group so
// concurrent long-pollers trigger at most one recompute per freshness
// window; the per-agent message watermark lives in a bounded LRU.
package watermark

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/coordhub/hub/pkg/cursor"
	"github.com/coordhub/hub/pkg/store"
)

// Fallback lets a caller substitute per-stream values instead of
// recomputing them.
type Fallback struct {
	Messages *int64
	Tasks    *int64
	Context  *int64
	Activity *int64
}

// Clock computes and caches the four stream watermarks.
type Clock struct {
	st  *store.Store
	now func() time.Time

	cacheTTL time.Duration
	sf       singleflight.Group

	mu          sync.Mutex
	tasksVal    int64
	tasksAt     time.Time
	contextVal  int64
	contextAt   time.Time
	activityVal int64
	activityAt  time.Time

	agentCache *lru.Cache[string, agentEntry]
}

type agentEntry struct {
	value int64
	at    time.Time
}

// New constructs a Clock. cacheTTL bounds the freshness window for the
// three shared watermarks; agentCacheMax
// bounds the per-agent message-watermark LRU.
func New(st *store.Store, cacheTTL time.Duration, agentCacheMax int) (*Clock, error) {
	cache, err := lru.New[string, agentEntry](agentCacheMax)
	if err != nil {
		return nil, fmt.Errorf("watermark: new lru: %w", err)
	}
	return &Clock{st: st, now: time.Now, cacheTTL: cacheTTL, agentCache: cache}, nil
}

// Snapshot computes the four-stream watermark for agent, honoring any
// fallback overrides. Values are millisecond epoch timestamps so an
// advance within the same second is still observable.
func (c *Clock) Snapshot(ctx context.Context, agentID string, fb Fallback) (cursor.Watermark, error) {
	messages, err := c.messagesWatermark(ctx, agentID, fb.Messages)
	if err != nil {
		return cursor.Watermark{}, err
	}
	tasks, err := c.sharedWatermark(ctx, "tasks", fb.Tasks, &c.tasksVal, &c.tasksAt,
		`SELECT COALESCE(MAX(CAST((julianday(updated_at) - 2440587.5) * 86400000 AS INTEGER)), 0) FROM tasks`)
	if err != nil {
		return cursor.Watermark{}, err
	}
	ctxWM, err := c.sharedWatermark(ctx, "context", fb.Context, &c.contextVal, &c.contextAt,
		`SELECT COALESCE(MAX(CAST((julianday(updated_at) - 2440587.5) * 86400000 AS INTEGER)), 0) FROM context`)
	if err != nil {
		return cursor.Watermark{}, err
	}
	activity, err := c.sharedWatermark(ctx, "activity", fb.Activity, &c.activityVal, &c.activityAt,
		`SELECT COALESCE(MAX(CAST((julianday(created_at) - 2440587.5) * 86400000 AS INTEGER)), 0) FROM activity_log`)
	if err != nil {
		return cursor.Watermark{}, err
	}
	return cursor.Watermark{Messages: messages, Tasks: tasks, Context: ctxWM, Activity: activity}, nil
}

// Invalidate clears every cached watermark so the next Snapshot call
// recomputes from the store. Used by maintenance after a mutating pass
// (lease reaping, agent GC, archival) that would otherwise sit stale
// for up to cacheTTL.
func (c *Clock) Invalidate() {
	c.mu.Lock()
	c.tasksAt = time.Time{}
	c.contextAt = time.Time{}
	c.activityAt = time.Time{}
	c.mu.Unlock()
	c.agentCache.Purge()
}

func (c *Clock) messagesWatermark(ctx context.Context, agentID string, override *int64) (int64, error) {
	if override != nil {
		return *override, nil
	}
	now := c.now()
	if entry, ok := c.agentCache.Get(agentID); ok && now.Sub(entry.at) < c.cacheTTL {
		return entry.value, nil
	}

	v, err, _ := c.sf.Do("messages:"+agentID, func() (any, error) {
		var ts int64
		err := c.st.Reader().GetContext(ctx, &ts, `
			SELECT COALESCE(MAX(CAST((julianday(created_at) - 2440587.5) * 86400000 AS INTEGER)), 0)
			FROM messages WHERE to_agent = ? OR to_agent IS NULL`, agentID)
		return ts, err
	})
	if err != nil {
		return 0, fmt.Errorf("watermark: messages: %w", err)
	}
	ts := v.(int64)
	c.agentCache.Add(agentID, agentEntry{value: ts, at: now})
	return ts, nil
}

func (c *Clock) sharedWatermark(ctx context.Context, stream string, override *int64, cached *int64, cachedAt *time.Time, query string) (int64, error) {
	if override != nil {
		return *override, nil
	}
	c.mu.Lock()
	now := c.now()
	if now.Sub(*cachedAt) < c.cacheTTL {
		v := *cached
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do(stream, func() (any, error) {
		var ts int64
		if err := c.st.Reader().GetContext(ctx, &ts, query); err != nil {
			return int64(0), err
		}
		return ts, nil
	})
	if err != nil {
		return 0, fmt.Errorf("watermark: %s: %w", stream, err)
	}
	ts := v.(int64)
	c.mu.Lock()
	*cached = ts
	*cachedAt = now
	c.mu.Unlock()
	return ts, nil
}
