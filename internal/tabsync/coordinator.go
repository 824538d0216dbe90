package tabsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	"github.com/fairyhunter13/marketplace-sync/internal/kv"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
	"github.com/fairyhunter13/marketplace-sync/internal/querycache"
)

// Options tunes a Coordinator.
type Options struct {
	Prefix             string
	ElectionInterval   time.Duration
	HeartbeatInterval  time.Duration
	LeaderStale        time.Duration
	TabRefreshInterval time.Duration
	TabStale           time.Duration
	SyncResponseRate   time.Duration
	SyncResponseBurst  int
}

// DefaultOptions returns the reference timings: elect every 10s, heartbeat
// every 5s, leader stale after 30s, registry refresh every 10s with a 60s
// expiry.
func DefaultOptions() Options {
	return Options{
		Prefix:             "marketsync",
		ElectionInterval:   10 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		LeaderStale:        30 * time.Second,
		TabRefreshInterval: 10 * time.Second,
		TabStale:           60 * time.Second,
		SyncResponseRate:   time.Second,
		SyncResponseBurst:  3,
	}
}

// OptionsFromConfig maps runtime configuration onto coordinator options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Prefix:             cfg.KVPrefix,
		ElectionInterval:   cfg.ElectionInterval,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		LeaderStale:        cfg.LeaderStale,
		TabRefreshInterval: cfg.TabRefreshInterval,
		TabStale:           cfg.TabStale,
		SyncResponseRate:   cfg.SyncResponseRate,
		SyncResponseBurst:  cfg.SyncResponseBurst,
	}
}

// withDefaults replaces a missing prefix and non-positive timings with the
// defaults. SyncResponseRate is left alone: zero disables the limiter.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Prefix == "" {
		o.Prefix = d.Prefix
	}
	for _, f := range []struct{ v, def *time.Duration }{
		{&o.ElectionInterval, &d.ElectionInterval},
		{&o.HeartbeatInterval, &d.HeartbeatInterval},
		{&o.LeaderStale, &d.LeaderStale},
		{&o.TabRefreshInterval, &d.TabRefreshInterval},
		{&o.TabStale, &d.TabStale},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	return o
}

// Key names within the shared store.
func (o Options) BroadcastKey() string { return o.Prefix + ":broadcast" }
func (o Options) LeaderKey() string    { return o.Prefix + ":leader" }
func (o Options) TabsKey() string      { return o.Prefix + ":tabs" }

// State is the coordinator's read-only view.
type State struct {
	IsLeader          bool
	ActiveTabCount    int
	LastSyncTimestamp time.Time
}

// Coordinator is the public face of cross-session sync for one session.
type Coordinator struct {
	id       string
	opts     Options
	channel  *Channel
	elector  *Elector
	registry *Registry
	router   *Router
	now      func() time.Time
	log      *slog.Logger

	mu         sync.Mutex
	state      State
	stopListen func()
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
}

// New wires a coordinator for a fresh session over store, applying incoming
// hints to cache.
func New(store kv.Store, cache *querycache.Cache, opts Options) *Coordinator {
	opts = opts.withDefaults()
	now := time.Now
	id := NewTabID(now())
	c := &Coordinator{
		id:       id,
		opts:     opts,
		channel:  NewChannel(store, opts.BroadcastKey(), id),
		elector:  NewElector(store, opts.LeaderKey(), id, opts.LeaderStale),
		registry: NewRegistry(store, opts.TabsKey(), id, opts.TabStale),
		now:      now,
		log:      obs.With("tabsync").With("tab_id", id),
	}
	var limiter *rate.Limiter
	if opts.SyncResponseRate > 0 {
		burst := opts.SyncResponseBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(opts.SyncResponseRate), burst)
	}
	c.router = NewRouter(cache, id, c.elector.IsLeader, c.publish, limiter)
	return c
}

// ID returns the session id this coordinator publishes under.
func (c *Coordinator) ID() string { return c.id }

// Start subscribes to the channel, runs an immediate election and registry
// refresh, then keeps ticking in the background until ctx is cancelled or
// Close is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil || c.closed {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.stopListen = c.channel.Listen(func(msg Message) { c.receive(loopCtx, msg) })
	c.mu.Unlock()

	c.Tick(loopCtx)
	c.log.Info("tab_started", "leader", c.elector.IsLeader())
	go c.loop(loopCtx)
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)
	election := time.NewTicker(c.opts.ElectionInterval)
	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	tabs := time.NewTicker(c.opts.TabRefreshInterval)
	defer election.Stop()
	defer heartbeat.Stop()
	defer tabs.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-election.C:
			c.elect(ctx)
		case <-heartbeat.C:
			c.elector.Heartbeat(ctx)
		case <-tabs.C:
			c.refreshTabs(ctx)
		}
	}
}

// Tick runs one election and one registry refresh synchronously.
func (c *Coordinator) Tick(ctx context.Context) {
	c.elect(ctx)
	c.refreshTabs(ctx)
}

func (c *Coordinator) elect(ctx context.Context) {
	role := c.elector.Elect(ctx)
	c.mu.Lock()
	c.state.IsLeader = role == Leader
	c.mu.Unlock()
}

func (c *Coordinator) refreshTabs(ctx context.Context) {
	n := c.registry.Refresh(ctx)
	if n == 0 {
		return
	}
	obs.ActiveTabs.Set(float64(n))
	c.mu.Lock()
	c.state.ActiveTabCount = n
	c.mu.Unlock()
}

func (c *Coordinator) receive(ctx context.Context, msg Message) {
	c.router.Dispatch(ctx, msg)
	c.mu.Lock()
	c.state.LastSyncTimestamp = c.now()
	c.state.IsLeader = c.elector.IsLeader()
	c.mu.Unlock()
}

// State returns the current snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsLeader reports whether this session currently leads.
func (c *Coordinator) IsLeader() bool { return c.elector.IsLeader() }

func (c *Coordinator) publish(ctx context.Context, p Payload) {
	c.channel.Publish(ctx, NewMessage(c.id, p, c.now()))
}

// BroadcastProductUpdate tells other sessions a listing changed.
func (c *Coordinator) BroadcastProductUpdate(ctx context.Context, productID string, fields map[string]any) {
	c.publish(ctx, ProductUpdate{ProductID: productID, Fields: fields})
}

// InvalidateAcrossTabs asks other sessions to invalidate keys.
func (c *Coordinator) InvalidateAcrossTabs(ctx context.Context, keys ...querycache.Key) {
	c.publish(ctx, CacheInvalidate{Keys: keys})
}

// BroadcastPurchaseUpdate shares a product's new quantity.
func (c *Coordinator) BroadcastPurchaseUpdate(ctx context.Context, productID string, newQuantity int64) {
	c.publish(ctx, PurchaseUpdate{ProductID: productID, NewQuantity: newQuantity})
}

// RequestSync asks the current leader for a fresh invalidation.
func (c *Coordinator) RequestSync(ctx context.Context) {
	c.publish(ctx, SyncRequest{RequesterID: c.id})
}

// Close stops the background loop, resigns leadership and leaves the
// registry. It is safe to call more than once.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, done, stop := c.cancel, c.done, c.stopListen
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	c.elector.Resign(ctx)
	c.registry.Remove(ctx)
	c.mu.Lock()
	c.state.IsLeader = false
	c.mu.Unlock()
	c.log.Info("tab_closed")
}
