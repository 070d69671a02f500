// Package scheduler runs the control loop that keeps one monitor loop
// alive per enabled item, and the monitor loops themselves: probe,
// persist, notify, re-check config, sleep until due.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/cache"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/probes"
	"github.com/vigilmon/vigil/internal/store"
)

const (
	controlInterval = 5 * time.Second
	waitQuantum     = 3 * time.Second
)

// Prober runs one full probe cycle for an item.
type Prober interface {
	Run(ctx context.Context, item *models.MonitorItem) probes.Result
}

// Notifier announces state transitions on every configured channel.
type Notifier interface {
	NotifyError(ctx context.Context, item *models.MonitorItem, message string)
	NotifyRecovery(ctx context.Context, item *models.MonitorItem, message string, responseTimeMS *float64)
}

// Scheduler diffs the enabled item set against running monitor loops
// every 5 seconds, starting and stopping loops as items come and go.
type Scheduler struct {
	cache    *cache.Cache
	store    *store.Store
	prober   Prober
	notifier Notifier
	registry *alerts.Registry
	sem      *semaphore.Weighted

	// Chunk selection; chunkSize 0 runs everything.
	chunk     int
	chunkSize int

	// Control loop cadence, shortened in tests.
	tick time.Duration

	mu      sync.Mutex
	running map[int64]*monitorLoop
	wg      sync.WaitGroup
}

type monitorLoop struct {
	item *models.MonitorItem
	stop chan struct{}
	once sync.Once
}

func (l *monitorLoop) signalStop() {
	l.once.Do(func() { close(l.stop) })
}

func New(cfg *config.Config, c *cache.Cache, s *store.Store, p Prober, n Notifier, reg *alerts.Registry, chunk, chunkSize int) *Scheduler {
	maxChecks := cfg.MaxConcurrentChecks
	if maxChecks <= 0 {
		maxChecks = 500
	}
	if chunk < 1 {
		chunk = 1
	}
	return &Scheduler{
		cache:     c,
		store:     s,
		prober:    p,
		notifier:  n,
		registry:  reg,
		sem:       semaphore.NewWeighted(int64(maxChecks)),
		chunk:     chunk,
		chunkSize: chunkSize,
		tick:      controlInterval,
		running:   make(map[int64]*monitorLoop),
	}
}

// Run drives the control loop until the context is cancelled, then waits
// for every monitor loop to drain.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Int("chunk", s.chunk).Int("chunk_size", s.chunkSize).Msg("Scheduler started")

	s.reconcile(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Scheduler stopping, signalling monitor loops")
			s.stopAll()
			s.wg.Wait()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// Drain waits for all monitor loops with a bounded grace period and
// reports whether everything finished in time.
func (s *Scheduler) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn().Int("abandoned", s.RunningCount()).Msg("Drain timeout, abandoning monitor loops")
		return false
	}
}

// RunningCount reports the number of live monitor loops.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// reconcile starts loops for newly enabled items and stops loops whose
// items left the enabled set.
func (s *Scheduler) reconcile(ctx context.Context) {
	desired := s.selectItems()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range desired {
		if _, ok := s.running[id]; !ok {
			s.startLoopLocked(ctx, item)
		}
	}
	for id, l := range s.running {
		if _, ok := desired[id]; !ok {
			log.Info().Int64("monitor_id", id).Msg("Item left enabled set, stopping its loop")
			l.signalStop()
		}
	}
}

// selectItems applies the chunk window to the enabled item list.
func (s *Scheduler) selectItems() map[int64]*models.MonitorItem {
	items := s.cache.EnabledItems()

	if s.chunkSize > 0 {
		start := (s.chunk - 1) * s.chunkSize
		end := start + s.chunkSize
		if start > len(items) {
			start = len(items)
		}
		if end > len(items) {
			end = len(items)
		}
		items = items[start:end]
	}

	out := make(map[int64]*models.MonitorItem, len(items))
	for _, item := range items {
		out[item.ID] = item
	}
	return out
}

func (s *Scheduler) startLoopLocked(ctx context.Context, item *models.MonitorItem) {
	l := &monitorLoop{item: item, stop: make(chan struct{})}
	s.running[item.ID] = l
	metrics.MonitorLoopsRunning.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx, l)
	}()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.running {
		l.signalStop()
	}
}

func (s *Scheduler) removeLoop(id int64, reason string) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()

	metrics.MonitorLoopsRunning.Dec()
	metrics.MonitorLoopRestartsTotal.WithLabelValues(reason).Inc()
	s.registry.Dispose(id)
}
