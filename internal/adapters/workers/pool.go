// Package workers runs conductor workflows on a bounded set of goroutines.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/conductor/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Pool hands out worker slots. Spawn never queues: when every slot is busy
// the caller gets domain.ErrNoFreeWorker and must leave the node as it was.
type Pool struct {
	size   int
	logger *slog.Logger

	mu       sync.Mutex
	active   int
	byOp     map[string]int
	draining bool
	wg       sync.WaitGroup

	busy     *prometheus.GaugeVec
	rejected *prometheus.CounterVec
}

func NewPool(cfg domain.WorkerConfig, logger *slog.Logger, registerer prometheus.Registerer) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}

	p := &Pool{
		size:   size,
		logger: logger.With("component", "workers"),
		byOp:   make(map[string]int),
		busy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "workers",
			Name:      "busy",
			Help:      "Worker slots in use, by operation.",
		}, []string{"operation"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "workers",
			Name:      "rejected_total",
			Help:      "Spawn attempts refused because every worker was busy.",
		}, []string{"operation"}),
	}
	if registerer != nil {
		registerer.MustRegister(p.busy, p.rejected)
	}
	return p
}

// Spawn runs fn on a new goroutine if a slot is free. fn receives ctx
// unchanged; cancelling it is how the owner stops running work.
func (p *Pool) Spawn(ctx context.Context, operation string, fn func(context.Context)) error {
	if err := p.acquire(operation); err != nil {
		return err
	}

	go func() {
		defer p.release(operation)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panicked", "operation", operation, "panic", r)
			}
		}()
		fn(ctx)
	}()
	return nil
}

func (p *Pool) acquire(operation string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		p.rejected.WithLabelValues(operation).Inc()
		return fmt.Errorf("%w: conductor is shutting down", domain.ErrNoFreeWorker)
	}
	if p.active >= p.size {
		p.rejected.WithLabelValues(operation).Inc()
		p.logger.Warn("no free worker", "operation", operation, "active", p.active, "size", p.size)
		return domain.ErrNoFreeWorker
	}

	p.active++
	p.byOp[operation]++
	p.wg.Add(1)
	p.busy.WithLabelValues(operation).Inc()
	return nil
}

func (p *Pool) release(operation string) {
	p.mu.Lock()
	p.active--
	p.byOp[operation]--
	if p.byOp[operation] == 0 {
		delete(p.byOp, operation)
	}
	p.mu.Unlock()

	p.busy.WithLabelValues(operation).Dec()
	p.wg.Done()
}

// Active returns the number of busy slots.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) Utilization() float64 {
	return float64(p.Active()) / float64(p.size)
}

// Drain refuses new work and waits up to timeout for running workers.
// It reports whether every worker finished.
func (p *Pool) Drain(ctx context.Context, timeout time.Duration) bool {
	p.mu.Lock()
	p.draining = true
	active := p.active
	p.mu.Unlock()

	p.logger.Info("draining workers", "active", active, "timeout", timeout)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return true
	case <-drainCtx.Done():
		p.logger.Warn("drain timeout reached, continuing with shutdown", "active", p.Active())
		return false
	}
}
