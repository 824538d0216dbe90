// Package queue applies seller listing updates to the catalogue
// asynchronously, through an autoscaling pool of workers.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/marketplace-sync/internal/config"
	"github.com/fairyhunter13/marketplace-sync/internal/model"
	"github.com/fairyhunter13/marketplace-sync/internal/obs"
)

// Applier is the catalogue a worker writes listing updates into.
type Applier interface {
	Upsert(model.ListingUpdate) bool
}

// Manager runs the workers that drain a Queue into the catalogue and scales
// their number with the backlog.
type Manager struct {
	cfg config.Config
	q   *Queue
	st  Applier
	seq Sequencer
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers []context.CancelFunc
}

// NewManager constructs a Manager feeding q's updates into st.
func NewManager(cfg config.Config, q *Queue, st Applier) *Manager {
	return &Manager{cfg: cfg, q: q, st: st, log: obs.With("listing_workers")}
}

// Start begins processing and autoscaling in the background.
func (m *Manager) Start(parent context.Context) {
	m.ctx, m.cancel = context.WithCancel(parent)
	m.q.Start(m.ctx, m.cfg.QueueHighWatermark)
	m.resize(m.cfg.InitialWorkerCount)
	go m.autoscale()
}

// Stop cancels the broker, the scaler and every worker.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	for _, stop := range m.workers {
		stop()
	}
	m.workers = nil
	m.mu.Unlock()
}

// scaleStep decides the worker count for the next interval. idle counts
// consecutive intervals with an empty backlog; the updated count is returned.
func scaleStep(cfg config.Config, backlog, workers, idle int) (target, nextIdle int) {
	if backlog > workers*cfg.ScaleUpBacklogPerWorker && workers < cfg.WorkerMax {
		return workers + 1, 0
	}
	if backlog > 0 {
		return workers, 0
	}
	idle++
	if idle >= cfg.ScaleDownIdleTicks && workers > cfg.WorkerMin {
		return workers - 1, 0
	}
	return workers, idle
}

func (m *Manager) autoscale() {
	t := time.NewTicker(m.cfg.ScaleInterval)
	defer t.Stop()
	idle := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			var target int
			target, idle = scaleStep(m.cfg, m.q.BacklogSize(), m.WorkerCount(), idle)
			m.resize(target)
		}
	}
}

// resize starts or stops workers until n are running.
func (m *Manager) resize(n int) {
	if n < 0 {
		n = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n == len(m.workers) {
		return
	}
	for len(m.workers) < n {
		wctx, stop := context.WithCancel(m.ctx)
		m.workers = append(m.workers, stop)
		go m.work(wctx)
	}
	for len(m.workers) > n {
		last := len(m.workers) - 1
		m.workers[last]()
		m.workers = m.workers[:last]
	}
	m.log.Info("workers_scaled", "worker_count", n)
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-m.q.Out():
			if m.st.Upsert(u) {
				obs.ListingUpdates.WithLabelValues("applied").Inc()
			} else {
				obs.ListingUpdates.WithLabelValues("superseded").Inc()
				m.log.Debug("listing_update_superseded", "product_id", u.ProductID, "sequence", u.Sequence)
			}
			m.q.Done()
		}
	}
}

// Enqueue stamps u with the next sequence number and queues it.
func (m *Manager) Enqueue(u model.ListingUpdate) bool {
	u.Sequence = m.seq.Next()
	return m.q.Enqueue(u)
}

func (m *Manager) BacklogSize() int { return m.q.BacklogSize() }

func (m *Manager) QueueDepth() int { return m.q.QueueDepth() }

// WorkerCount returns the number of running workers.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// IsShuttingDown reports whether new enqueues are rejected.
func (m *Manager) IsShuttingDown() bool { return m.q.IsShuttingDown() }

// CloseIntake disallows future enqueues.
func (m *Manager) CloseIntake() { m.q.CloseIntake() }

// Stats returns the queue counters.
func (m *Manager) Stats() Stats { return m.q.Stats() }

// DrainUntil blocks until every accepted update has been applied or merged,
// or ctx is done. It reports whether the queue settled.
func (m *Manager) DrainUntil(ctx context.Context) bool {
	t := time.NewTicker(25 * time.Millisecond)
	defer t.Stop()
	for !m.q.Stats().Settled() {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}
