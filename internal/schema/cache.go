package schema

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a snapshot is served before a refresh is attempted.
	DefaultTTL = 5 * time.Minute
	// DefaultRefreshTimeout bounds one introspection run.
	DefaultRefreshTimeout = 30 * time.Second
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	TTL            time.Duration
	RefreshTimeout time.Duration
	Logger         *log.Logger
	// OnRefresh, when set, is called after every introspection with its result.
	OnRefresh func(err error)
	Now       func() time.Time
}

// Cache serves the most recent Snapshot and refreshes it at most once at a time.
//
// A failed refresh never discards a good snapshot: callers keep getting the
// previous one and LastError reports the failure.
type Cache struct {
	source Introspector
	opts   CacheOptions

	snap       atomic.Pointer[Snapshot]
	stale      atomic.Bool
	refreshing atomic.Bool
	group      singleflight.Group

	mu      sync.Mutex
	lastErr error
}

// NewCache wraps source with a TTL cache.
func NewCache(source Introspector, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{source: source, opts: opts}
}

// Current returns the cached snapshot without triggering a refresh. It may be nil.
func (c *Cache) Current() *Snapshot {
	return c.snap.Load()
}

// Invalidate marks the cached snapshot stale so the next Get refreshes it.
func (c *Cache) Invalidate() {
	c.stale.Store(true)
}

// LastError returns the error of the most recent refresh, or nil if it succeeded.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Cache) fresh(s *Snapshot) bool {
	if s == nil || c.stale.Load() {
		return false
	}
	return c.opts.Now().Sub(s.CapturedAt) < c.opts.TTL
}

// Get returns a snapshot, refreshing it when it is missing, expired, stale, or
// when force is set. Concurrent refreshes collapse into one introspection.
//
// Only the caller that starts a refresh waits for it. While it runs, other
// callers get the previous snapshot; a forced Get or an empty cache joins
// the refresh instead.
//
// An error is returned only when no snapshot has ever been captured.
func (c *Cache) Get(ctx context.Context, force bool) (*Snapshot, error) {
	cur := c.snap.Load()
	if !force && c.fresh(cur) {
		return cur, nil
	}

	if !c.refreshing.CompareAndSwap(false, true) {
		if !force && cur != nil {
			return cur, nil
		}
		// The refresh may have finished since cur was loaded.
		if s := c.snap.Load(); !force && c.fresh(s) {
			return s, nil
		}
	}

	ch := c.group.DoChan("refresh", func() (any, error) {
		defer c.refreshing.Store(false)
		return c.refresh(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			if prev := c.snap.Load(); prev != nil {
				return prev, nil
			}
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		if cur != nil && !force {
			return cur, nil
		}
		return nil, ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	// The refresh outlives any single caller that gives up waiting.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
	defer cancel()

	// Cleared before introspecting so an Invalidate during the run is kept.
	c.stale.Store(false)

	start := c.opts.Now()
	snap, err := c.source.Introspect(rctx)
	if c.opts.OnRefresh != nil {
		c.opts.OnRefresh(err)
	}

	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()

	if err != nil {
		c.stale.Store(true)
		c.opts.Logger.Warn("schema refresh failed", "error", err, "cached", c.snap.Load() != nil)
		return nil, err
	}

	c.snap.Store(snap)
	c.opts.Logger.Debug("schema refreshed",
		"tables", len(snap.Tables),
		"views", len(snap.Views),
		"took", c.opts.Now().Sub(start),
	)
	return snap, nil
}
