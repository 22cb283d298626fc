package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingFetch counts calls and releases results on demand.
type blockingFetch struct {
	calls   int64
	release chan fetchResult
}

type fetchResult struct {
	data json.RawMessage
	err  error
}

func (f *blockingFetch) fetch(ctx context.Context, key Key) (json.RawMessage, error) {
	atomic.AddInt64(&f.calls, 1)
	res := <-f.release
	return res.data, res.err
}

func (f *blockingFetch) numCalls() int {
	return int(atomic.LoadInt64(&f.calls))
}

func TestCacheCoalescesConcurrentFetches(t *testing.T) {
	f := &blockingFetch{release: make(chan fetchResult)}
	c := NewFreshCache(f.fetch, nil)
	key := Key{Resource: "notifications"}

	const numCallers = 8
	var wg sync.WaitGroup
	results := make([]json.RawMessage, numCallers)
	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.Fetch(context.Background(), key, FetchOpts{Priority: true})
			if err != nil {
				t.Errorf("caller %d: %s", i, err)
			}
			results[i] = data
		}(i)
	}
	// wait for the single network call to be in flight, then release it
	waitUntil(t, func() bool { return f.numCalls() == 1 })
	f.release <- fetchResult{data: json.RawMessage(`[{"id":"n1"}]`)}
	wg.Wait()

	if f.numCalls() != 1 {
		t.Errorf("expected 1 network call for %d concurrent fetches, got %d", numCallers, f.numCalls())
	}
	for i, data := range results {
		if string(data) != `[{"id":"n1"}]` {
			t.Errorf("caller %d got %s", i, string(data))
		}
	}
}

func TestCacheFreshHitSkipsNetwork(t *testing.T) {
	f := &blockingFetch{release: make(chan fetchResult, 1)}
	c := NewFreshCache(f.fetch, nil)
	key := Key{Resource: "notifications"}

	f.release <- fetchResult{data: json.RawMessage(`[]`)}
	if _, err := c.Fetch(context.Background(), key, FetchOpts{}); err != nil {
		t.Fatalf("initial fetch failed: %s", err)
	}
	// within the TTL, no further network call happens
	data, err := c.Fetch(context.Background(), key, FetchOpts{})
	if err != nil {
		t.Fatalf("cached fetch failed: %s", err)
	}
	if string(data) != `[]` {
		t.Errorf("got %s", string(data))
	}
	if f.numCalls() != 1 {
		t.Errorf("fresh hit still hit the network: %d calls", f.numCalls())
	}
}

func TestCacheRateLimiterDefersWithoutError(t *testing.T) {
	var calls int64
	fetch := func(ctx context.Context, key Key) (json.RawMessage, error) {
		atomic.AddInt64(&calls, 1)
		return json.RawMessage(`{}`), nil
	}
	now := time.UnixMilli(1700000000000)
	c := NewFreshCache(fetch, nil)
	c.now = func() time.Time { return now }

	// distinct keys so every fetch needs the network
	for i := 0; i < defaultRateLimitCalls; i++ {
		key := Key{Resource: "notifications", Params: fmt.Sprintf("page=%d", i)}
		if _, err := c.Fetch(context.Background(), key, FetchOpts{}); err != nil {
			t.Fatalf("fetch %d failed: %s", i, err)
		}
	}
	// over the limit: deferred, no error, no network call
	data, err := c.Fetch(context.Background(), Key{Resource: "notifications", Params: "page=over"}, FetchOpts{})
	if err != nil {
		t.Fatalf("deferred fetch returned error: %s", err)
	}
	if data != nil {
		t.Errorf("deferred fetch with no cached data returned %s", string(data))
	}
	if got := int(atomic.LoadInt64(&calls)); got != defaultRateLimitCalls {
		t.Errorf("expected %d network calls, got %d", defaultRateLimitCalls, got)
	}

	// priority bypasses the limiter
	if _, err := c.Fetch(context.Background(), Key{Resource: "notifications", Params: "page=prio"}, FetchOpts{Priority: true}); err != nil {
		t.Fatalf("priority fetch failed: %s", err)
	}
	if got := int(atomic.LoadInt64(&calls)); got != defaultRateLimitCalls+1 {
		t.Errorf("priority fetch was rate limited")
	}

	// a new window opens up again
	now = now.Add(defaultRateLimitWindow)
	if _, err := c.Fetch(context.Background(), Key{Resource: "notifications", Params: "page=later"}, FetchOpts{}); err != nil {
		t.Fatalf("fetch in new window failed: %s", err)
	}
	if got := int(atomic.LoadInt64(&calls)); got != defaultRateLimitCalls+2 {
		t.Errorf("new window fetch was rate limited")
	}
}

func TestCacheErrorKeepsStaleData(t *testing.T) {
	var fail atomic.Bool
	fetch := func(ctx context.Context, key Key) (json.RawMessage, error) {
		if fail.Load() {
			return nil, errors.New("store unavailable")
		}
		return json.RawMessage(`[{"id":"n1"}]`), nil
	}
	now := time.UnixMilli(1700000000000)
	c := NewFreshCache(fetch, nil)
	c.now = func() time.Time { return now }
	key := Key{Resource: "notifications"}

	if _, err := c.Fetch(context.Background(), key, FetchOpts{}); err != nil {
		t.Fatalf("initial fetch failed: %s", err)
	}
	now = now.Add(defaultTTL + time.Second)
	fail.Store(true)
	_, err := c.Fetch(context.Background(), key, FetchOpts{})
	if err == nil {
		t.Fatalf("expected the fetch error to propagate")
	}
	// the failure must not evict what we had
	if data := c.Peek(key); string(data) != `[{"id":"n1"}]` {
		t.Errorf("error evicted cached data: %s", string(data))
	}
}

func TestCacheBackgroundClassServesStale(t *testing.T) {
	f := &blockingFetch{release: make(chan fetchResult, 1)}
	now := time.UnixMilli(1700000000000)
	c := NewFreshCache(f.fetch, map[string]Class{
		"notifications": {TTL: 10 * time.Second, Background: true},
	})
	c.now = func() time.Time { return now }
	key := Key{Resource: "notifications"}

	f.release <- fetchResult{data: json.RawMessage(`["old"]`)}
	if _, err := c.Fetch(context.Background(), key, FetchOpts{}); err != nil {
		t.Fatalf("initial fetch failed: %s", err)
	}
	waitUntil(t, func() bool { return f.numCalls() == 1 })

	// stale: the caller gets the old data back immediately
	now = now.Add(11 * time.Second)
	data, err := c.Fetch(context.Background(), key, FetchOpts{Priority: true})
	if err != nil {
		t.Fatalf("stale fetch failed: %s", err)
	}
	if string(data) != `["old"]` {
		t.Errorf("stale read got %s", string(data))
	}
	// and a refresh happens behind their back
	waitUntil(t, func() bool { return f.numCalls() == 2 })
	f.release <- fetchResult{data: json.RawMessage(`["new"]`)}
	waitUntil(t, func() bool { return string(c.Peek(key)) == `["new"]` })
}

func TestCachePutAndInvalidate(t *testing.T) {
	var calls int64
	fetch := func(ctx context.Context, key Key) (json.RawMessage, error) {
		atomic.AddInt64(&calls, 1)
		return json.RawMessage(`"fetched"`), nil
	}
	c := NewFreshCache(fetch, nil)
	key := Key{Resource: "notifications"}

	// a pushed value counts as fresh
	c.Put(key, json.RawMessage(`"pushed"`))
	data, err := c.Fetch(context.Background(), key, FetchOpts{})
	if err != nil {
		t.Fatalf("fetch failed: %s", err)
	}
	if string(data) != `"pushed"` {
		t.Errorf("got %s", string(data))
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("pushed value still hit the network")
	}

	// invalidation forces the next fetch to the network
	c.Invalidate(key)
	data, err = c.Fetch(context.Background(), key, FetchOpts{Priority: true})
	if err != nil {
		t.Fatalf("fetch failed: %s", err)
	}
	if string(data) != `"fetched"` {
		t.Errorf("got %s", string(data))
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("invalidation did not force a network call")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true")
}
