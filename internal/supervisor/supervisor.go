// Package supervisor boots and tears down one service instance: the
// instance lock, the persistence pool, the cache, the scheduler, the
// notifier stack, and the admin API. It owns signal handling and the
// graceful-drain contract.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/cache"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/notifications"
	"github.com/vigilmon/vigil/internal/policy"
	"github.com/vigilmon/vigil/internal/probes"
	"github.com/vigilmon/vigil/internal/scheduler"
	"github.com/vigilmon/vigil/internal/store"
)

const drainTimeout = 10 * time.Second

// Options select the working-set slice for this instance.
type Options struct {
	Chunk     int // 1-based chunk number, 0/1 means first
	ChunkSize int // items per chunk, 0 disables chunking
	Limit     int // caps the cache working set, 0 unlimited
	Version   string
	LockDir   string // defaults to the working directory
}

// Supervisor wires the whole process together.
type Supervisor struct {
	cfg  *config.Config
	opts Options

	chunk      int
	port       int
	version    string
	instanceID string
	startedAt  time.Time

	store    *store.Store
	cache    *cache.Cache
	sched    *scheduler.Scheduler
	notifier *notifications.Notifier

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func New(cfg *config.Config, opts Options) *Supervisor {
	chunk := opts.Chunk
	if chunk < 1 {
		chunk = 1
	}
	return &Supervisor{
		cfg:        cfg,
		opts:       opts,
		chunk:      chunk,
		port:       cfg.HTTPPort + chunk - 1,
		version:    opts.Version,
		instanceID: uuid.NewString(),
		shutdownCh: make(chan struct{}),
	}
}

func (s *Supervisor) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Run boots the instance and blocks until shutdown completes. It returns
// an error only for startup failures; a signalled shutdown returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.startedAt = time.Now()

	lockDir := s.opts.LockDir
	if lockDir == "" {
		lockDir = "."
	}
	lock, err := AcquireLock(s.cfg.HTTPHost, s.port, s.chunk, lockDir, s.instanceID)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(s.cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	s.store = st

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.cache = cache.New(st, s.opts.Limit)
	s.cache.Start(runCtx)

	// Either knob can pull the extended throttle forward; the lower
	// streak bound wins.
	extendedAfter := s.cfg.CountBeforeExtended
	if s.cfg.ConsecutiveErrorThreshold > 0 && s.cfg.ConsecutiveErrorThreshold < extendedAfter {
		extendedAfter = s.cfg.ConsecutiveErrorThreshold
	}
	registry := alerts.NewRegistry(extendedAfter, s.cfg.ExtendedAlertInterval)
	pol := policy.New(st, s.cfg.DefaultTimezone)
	s.notifier = notifications.New(runCtx, s.cfg, st, pol, registry)
	prober := probes.NewProber(s.cfg.HTTPTimeout)

	s.sched = scheduler.New(s.cfg, s.cache, st, prober, s.notifier, registry, s.chunk, s.opts.ChunkSize)

	schedDone := make(chan struct{})
	go func() {
		s.sched.Run(runCtx)
		close(schedDone)
	}()

	srv := &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info().Str("host", s.cfg.HTTPHost).Int("port", s.port).Msg("Admin API listening")
		if err := srv.Serve(lock.Listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin API server failed")
			s.requestShutdown()
		}
	}()

	s.waitForShutdown(ctx)

	log.Info().Msg("Shutting down, draining monitor loops")
	cancel()
	select {
	case <-schedDone:
	case <-time.After(drainTimeout):
	}
	s.sched.Drain(drainTimeout)

	shutdownCtx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer srvCancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Info().Msg("Shutdown complete")
	return nil
}

// waitForShutdown blocks until a signal, the admin API, or the parent
// context asks for shutdown. A second signal forces immediate exit.
func (s *Supervisor) waitForShutdown(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
		go func() {
			second := <-sigCh
			log.Warn().Str("signal", second.String()).Msg("Second signal, forcing exit")
			os.Exit(1)
		}()
	case <-s.shutdownCh:
	case <-ctx.Done():
	}
}
