// Package querycache is a session-local query cache: keyed entries holding
// fetched data, with stale marking, background refetch on invalidation and
// cancellation of in-flight fetches.
//
// A cache is owned by exactly one session. Other sessions influence it only
// through the messages the session's router applies.
package querycache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// ErrCancelled is returned to callers waiting on a fetch that was cancelled
// or superseded before it settled.
var ErrCancelled = errors.New("querycache: fetch cancelled")

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("querycache: closed")

// Key addresses a cache entry. Keys form a hierarchy: invalidating a key
// also invalidates every key it prefixes.
type Key []string

func (k Key) String() string { return strings.Join(k, "/") }

// HasPrefix reports whether p is a prefix of k (or equal to it).
func (k Key) HasPrefix(p Key) bool {
	if len(p) > len(k) {
		return false
	}
	for i := range p {
		if k[i] != p[i] {
			return false
		}
	}
	return true
}

// Fetcher loads the data for one key.
type Fetcher func(ctx context.Context) (any, error)

type fetch struct {
	cancel context.CancelFunc
	done   chan struct{}
	data   any
	err    error
}

type entry struct {
	key       Key
	data      any
	hasData   bool
	stale     bool
	updatedAt time.Time
	fetcher   Fetcher
	inflight  *fetch
	fetches   int
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	base    context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	running int
	closed  bool
	now     func() time.Time
	log     *slog.Logger
}

// New creates an empty cache.
func New() *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		entries: make(map[string]*entry),
		base:    ctx,
		stop:    cancel,
		now:     time.Now,
		log:     obs.With("querycache"),
	}
}

func (c *Cache) entryLocked(key Key) *entry {
	id := key.String()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: append(Key(nil), key...)}
		c.entries[id] = e
	}
	return e
}

func (c *Cache) matchLocked(prefix Key) []*entry {
	var out []*entry
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			out = append(out, e)
		}
	}
	return out
}

// Get returns the cached data for key.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !e.hasData {
		return nil, false
	}
	return e.data, true
}

// Set overwrites the data for key and marks it fresh. An in-flight fetch is
// left running and will overwrite the value when it settles; call Cancel
// first when that must not happen.
func (c *Cache) Set(key Key, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	c.storeLocked(e, data)
}

func (c *Cache) storeLocked(e *entry, data any) {
	e.data = data
	e.hasData = true
	e.stale = false
	e.updatedAt = c.now()
}

// Update applies fn to the current data for key under the cache lock. fn
// returns the replacement and whether to store it.
func (c *Cache) Update(key Key, fn func(old any, ok bool) (any, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	next, write := fn(e.data, e.hasData)
	if !write {
		return false
	}
	c.storeLocked(e, next)
	return true
}

// UpdateMatching applies fn to every entry with data whose key has the given
// prefix. It returns how many entries were rewritten.
func (c *Cache) UpdateMatching(prefix Key, fn func(key Key, old any) (any, bool)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.matchLocked(prefix) {
		if !e.hasData {
			continue
		}
		next, write := fn(e.key, e.data)
		if !write {
			continue
		}
		e.data = next
		e.updatedAt = c.now()
		n++
	}
	return n
}

// Fetch returns fresh data for key, loading it with fetcher when the entry
// is missing or stale. Concurrent callers share one in-flight fetch. The
// fetcher is remembered and reused for refetches after invalidation.
func (c *Cache) Fetch(ctx context.Context, key Key, fetcher Fetcher) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	e := c.entryLocked(key)
	e.fetcher = fetcher
	if e.hasData && !e.stale {
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	f := e.inflight
	if f == nil {
		f = c.startLocked(e)
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startLocked launches a background fetch for e with its registered fetcher.
func (c *Cache) startLocked(e *entry) *fetch {
	fctx, cancel := context.WithCancel(c.base)
	f := &fetch{cancel: cancel, done: make(chan struct{})}
	e.inflight = f
	e.fetches++
	fetcher := e.fetcher
	c.running++
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		data, err := fetcher(fctx)

		c.mu.Lock()
		c.running--
		if e.inflight == f {
			e.inflight = nil
			if err == nil {
				c.storeLocked(e, data)
			}
		} else {
			data, err = nil, ErrCancelled
		}
		c.mu.Unlock()

		if err != nil && !errors.Is(err, ErrCancelled) {
			c.log.Warn("query_fetch_failed", "key", e.key.String(), "error", err)
		}
		f.data, f.err = data, err
		close(f.done)
	}()
	return f
}

// Invalidate marks every entry under prefix stale and refetches, in the
// background, those that have a registered fetcher. A fetch already in
// flight is replaced so the result reflects state after the invalidation.
// Invalidating the same prefix repeatedly is harmless.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := c.matchLocked(prefix)
	for _, e := range matched {
		e.stale = true
		if c.closed || e.fetcher == nil {
			continue
		}
		if e.inflight != nil {
			e.inflight.cancel()
			e.inflight = nil
		}
		c.startLocked(e)
	}
	return len(matched)
}

// Cancel aborts in-flight fetches under prefix. Their results are discarded
// and their waiters receive ErrCancelled.
func (c *Cache) Cancel(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.matchLocked(prefix) {
		if e.inflight != nil {
			e.inflight.cancel()
			e.inflight = nil
			n++
		}
	}
	return n
}

// IsStale reports whether key has been invalidated since its last write.
// Unknown keys are reported stale.
func (c *Cache) IsStale(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return !ok || e.stale || !e.hasData
}

// IsFetching reports whether a fetch for key is in flight.
func (c *Cache) IsFetching(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return ok && e.inflight != nil
}

// FetchCount reports how many fetches have been started for key.
func (c *Cache) FetchCount(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.String()]; ok {
		return e.fetches
	}
	return 0
}

// UpdatedAt returns when key was last written.
func (c *Cache) UpdatedAt(key Key) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.String()]; ok {
		return e.updatedAt
	}
	return time.Time{}
}

// Keys lists every key currently holding data.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		if e.hasData {
			out = append(out, append(Key(nil), e.key...))
		}
	}
	return out
}

// Settle blocks until no background fetch is running or ctx is done.
func (c *Cache) Settle(ctx context.Context) bool {
	for {
		c.mu.Lock()
		n := c.running
		c.mu.Unlock()
		if n == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Close cancels every fetch and waits for them to return.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.wg.Wait()
}
