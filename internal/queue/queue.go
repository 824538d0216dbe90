package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// Queue buffers listing updates between the HTTP intake and the workers.
// Enqueue never blocks. An update for a listing that is still waiting in
// the backlog is merged into the waiting entry instead of queued behind it,
// so a burst of edits to one listing costs one store write.
type Queue struct {
	mu      sync.Mutex
	backlog []*model.ListingUpdate
	waiting map[string]*model.ListingUpdate
	notify  chan struct{}
	out     chan model.ListingUpdate
	closed  atomic.Bool

	accepted atomic.Uint64
	merged   atomic.Uint64
	applied  atomic.Uint64
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Merged   uint64 `json:"merged"`
	Applied  uint64 `json:"applied"`
	Backlog  int    `json:"backlog"`
	Depth    int    `json:"depth"`
}

// Settled reports whether every accepted update was either applied or merged
// into another one.
func (s Stats) Settled() bool {
	return s.Backlog == 0 && s.Depth == 0 && s.Accepted == s.Merged+s.Applied
}

// New creates a Queue whose hand-off channel to the workers holds outBuffer
// updates.
func New(outBuffer int) *Queue {
	if outBuffer <= 0 {
		outBuffer = 64
	}
	return &Queue{
		waiting: make(map[string]*model.ListingUpdate),
		notify:  make(chan struct{}, 1),
		out:     make(chan model.ListingUpdate, outBuffer),
	}
}

// Start runs the broker until ctx is done. A warning is logged each time the
// backlog climbs past highWatermark; zero disables it.
func (q *Queue) Start(ctx context.Context, highWatermark int) {
	go q.broker(ctx, highWatermark)
}

func (q *Queue) broker(ctx context.Context, highWatermark int) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	above := false
	for {
		q.handOff()
		if highWatermark > 0 {
			sz := q.BacklogSize()
			if sz > highWatermark && !above {
				obs.Logger.Warn("listing_backlog_high", "backlog_size", sz, "high_watermark", highWatermark)
			}
			above = sz > highWatermark
		}
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

// handOff moves waiting updates to the workers until their channel is full.
// Once handed off an update can no longer absorb later edits.
func (q *Queue) handOff() {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for ; n < len(q.backlog) && len(q.out) < cap(q.out); n++ {
		u := q.backlog[n]
		if q.waiting[u.ProductID] == u {
			delete(q.waiting, u.ProductID)
		}
		q.out <- *u
		q.backlog[n] = nil
	}
	q.backlog = q.backlog[n:]
}

// Enqueue adds u to the backlog, merging it into a waiting update for the
// same listing. It returns false once intake is closed.
func (q *Queue) Enqueue(u model.ListingUpdate) bool {
	if q.closed.Load() {
		obs.ListingUpdates.WithLabelValues("rejected").Inc()
		return false
	}
	q.accepted.Add(1)
	q.mu.Lock()
	if w, ok := q.waiting[u.ProductID]; ok {
		*w = w.Merge(u)
		q.merged.Add(1)
		q.mu.Unlock()
		obs.ListingUpdates.WithLabelValues("merged").Inc()
		return true
	}
	p := &u
	q.waiting[u.ProductID] = p
	q.backlog = append(q.backlog, p)
	q.mu.Unlock()
	obs.ListingUpdates.WithLabelValues("enqueued").Inc()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out is the channel workers receive updates from.
func (q *Queue) Out() <-chan model.ListingUpdate { return q.out }

// Done records that a worker finished with an update from Out.
func (q *Queue) Done() { q.applied.Add(1) }

// BacklogSize returns updates not yet handed to the workers.
func (q *Queue) BacklogSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// QueueDepth returns backlog plus updates buffered for the workers.
func (q *Queue) QueueDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) + len(q.out)
}

// Stats returns the current counters and sizes.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	backlog, depth := len(q.backlog), len(q.backlog)+len(q.out)
	q.mu.Unlock()
	return Stats{
		Accepted: q.accepted.Load(),
		Merged:   q.merged.Load(),
		Applied:  q.applied.Load(),
		Backlog:  backlog,
		Depth:    depth,
	}
}

// CloseIntake makes every later Enqueue fail.
func (q *Queue) CloseIntake() { q.closed.Store(true) }

func (q *Queue) IsShuttingDown() bool { return q.closed.Load() }
