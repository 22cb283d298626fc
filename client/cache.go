package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/workbeam/livesync/internal"
)

// Key identifies one cached resource: a resource type plus its canonicalized
// query parameters.
type Key struct {
	Resource string
	Params   string
}

func (k Key) String() string {
	if k.Params == "" {
		return k.Resource
	}
	return k.Resource + "?" + k.Params
}

// Class is the freshness policy of a resource type.
type Class struct {
	// TTL after which an entry is stale.
	TTL time.Duration
	// Background serves stale data immediately and refreshes behind the
	// caller's back (stale-while-revalidate).
	Background bool
}

// FetchFunc performs the underlying network pull for a key.
type FetchFunc func(ctx context.Context, key Key) (json.RawMessage, error)

type FetchOpts struct {
	// Force bypasses both the staleness check and the rate limiter.
	Force bool
	// Priority bypasses the rate limiter only.
	Priority bool
}

// inflight is one outstanding network request shared by every caller that
// coalesces onto it. data/err are valid once done is closed.
type inflight struct {
	startedAt time.Time
	done      chan struct{}
	data      json.RawMessage
	err       error
}

type entry struct {
	data          json.RawMessage
	lastFetchedAt time.Time
	inflight      *inflight
	class         Class

	// optimistic state, see optimistic.go
	ops     []*PendingOp
	overlay json.RawMessage
}

// visibleLocked is the value consumers see: the optimistic overlay while any
// operation is pending, the plain snapshot otherwise.
func (e *entry) visibleLocked() json.RawMessage {
	if e.overlay != nil {
		return e.overlay
	}
	return e.data
}

const (
	// how recently an in-flight request must have started to be reused
	inflightReuseWindow = 5 * time.Second

	defaultTTL = 30 * time.Second

	defaultRateLimitCalls  = 5
	defaultRateLimitWindow = 2 * time.Second
)

// FreshCache is the client-side data freshness layer: staleness detection,
// request coalescing, process-wide rate limiting and optimistic-update
// staging, in front of a FetchFunc doing the real pulls.
//
// Invariant: at most one outstanding request per key at any instant.
type FreshCache struct {
	mu      *sync.Mutex
	entries map[Key]*entry
	classes map[string]Class
	limiter *RateLimitWindow
	fetch   FetchFunc
	now     func() time.Time
	// opToKey resolves a pending optimistic operation back to its entry
	opToKey map[string]Key
}

func NewFreshCache(fetch FetchFunc, classes map[string]Class) *FreshCache {
	return &FreshCache{
		mu:      &sync.Mutex{},
		entries: make(map[Key]*entry),
		classes: classes,
		limiter: NewRateLimitWindow(defaultRateLimitCalls, defaultRateLimitWindow),
		fetch:   fetch,
		now:     time.Now,
		opToKey: make(map[string]Key),
	}
}

func (c *FreshCache) classFor(resource string) Class {
	if cl, ok := c.classes[resource]; ok {
		return cl
	}
	return Class{TTL: defaultTTL}
}

func (c *FreshCache) entryLocked(key Key) *entry {
	e := c.entries[key]
	if e == nil {
		e = &entry{class: c.classFor(key.Resource)}
		c.entries[key] = e
	}
	return e
}

func (c *FreshCache) staleLocked(e *entry, now time.Time) bool {
	return e.lastFetchedAt.IsZero() || now.Sub(e.lastFetchedAt) > e.class.TTL
}

// Fetch returns the freshest value the policy allows for the key.
//
// Fresh and unforced calls return cached data immediately. Stale or forced
// calls coalesce onto an existing recent in-flight request where possible and
// otherwise issue one, unless the process-wide rate limiter denies it, in
// which case the current cached value (possibly stale or absent) is returned
// without any network I/O. Fetch errors propagate to the awaiting callers but
// never evict data already cached.
func (c *FreshCache) Fetch(ctx context.Context, key Key, opts FetchOpts) (json.RawMessage, error) {
	ctx, task := internal.StartTask(ctx, "cache.Fetch")
	defer task.End()
	c.mu.Lock()
	e := c.entryLocked(key)
	now := c.now()
	stale := c.staleLocked(e, now)

	if !opts.Force && !stale {
		visible := e.visibleLocked()
		c.mu.Unlock()
		return visible, nil
	}

	if !opts.Force && stale && e.class.Background && e.data != nil {
		// stale-while-revalidate: serve what we have, refresh behind the caller
		c.startRefreshLocked(key, e, opts, now)
		visible := e.visibleLocked()
		c.mu.Unlock()
		return visible, nil
	}

	// coalesce onto an existing request for this exact key
	if fl := e.inflight; fl != nil && now.Sub(fl.startedAt) < inflightReuseWindow {
		c.mu.Unlock()
		internal.Logf(ctx, "cache", "coalescing onto in-flight fetch for %s", key)
		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if fl.err != nil {
			return nil, fl.err
		}
		c.mu.Lock()
		visible := e.visibleLocked()
		c.mu.Unlock()
		return visible, nil
	}

	if !opts.Priority && !opts.Force && !c.limiter.Allow(now) {
		// deferred under rate limiting: stale-but-present beats a request storm
		visible := e.visibleLocked()
		c.mu.Unlock()
		internal.Logf(ctx, "cache", "rate limited, serving cached %s", key)
		return visible, nil
	}

	fl := &inflight{startedAt: now, done: make(chan struct{})}
	e.inflight = fl
	c.mu.Unlock()

	data, err := c.fetch(ctx, key)
	c.resolveInflight(key, e, fl, data, err)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	visible := e.visibleLocked()
	c.mu.Unlock()
	return visible, nil
}

// startRefreshLocked kicks a non-blocking refresh for the key, subject to the
// coalescing invariant and the rate limiter. Caller holds the mutex.
func (c *FreshCache) startRefreshLocked(key Key, e *entry, opts FetchOpts, now time.Time) {
	if fl := e.inflight; fl != nil && now.Sub(fl.startedAt) < inflightReuseWindow {
		return
	}
	if !opts.Priority && !opts.Force && !c.limiter.Allow(now) {
		return
	}
	fl := &inflight{startedAt: now, done: make(chan struct{})}
	e.inflight = fl
	go func() {
		data, err := c.fetch(context.Background(), key)
		c.resolveInflight(key, e, fl, data, err)
	}()
}

// resolveInflight publishes the result to the coalesced waiters and clears
// the handle so a future call can retry. Errors retain the old snapshot.
func (c *FreshCache) resolveInflight(key Key, e *entry, fl *inflight, data json.RawMessage, err error) {
	c.mu.Lock()
	fl.data = data
	fl.err = err
	close(fl.done)
	if e.inflight == fl {
		e.inflight = nil
	}
	if err == nil {
		e.data = data
		e.lastFetchedAt = c.now()
		// pending transforms replay over the refreshed base
		c.recomputeOverlayLocked(e)
	}
	c.mu.Unlock()
}

// Peek returns the currently visible value without any network activity.
func (c *FreshCache) Peek(key Key) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return nil
	}
	return e.visibleLocked()
}

// Put replaces the snapshot for a key with data received out of band, e.g. a
// live push, and marks it fresh.
func (c *FreshCache) Put(key Key, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	e.data = data
	e.lastFetchedAt = c.now()
	c.recomputeOverlayLocked(e)
}

// Invalidate marks the key stale so the next Fetch goes to the network.
func (c *FreshCache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[key]
	if e == nil {
		return
	}
	e.lastFetchedAt = time.Time{}
}
