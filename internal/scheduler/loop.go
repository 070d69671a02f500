package scheduler

import (
	"context"
	"time"

	"github.com/vigilmon/vigil/internal/logging"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
)

// runLoop is one monitor's life: wait until due, probe, persist, notify,
// verify the config is unchanged, repeat. Any tracked-field edit or
// persistence failure ends the loop; the control loop restarts it when
// the item is still enabled.
func (s *Scheduler) runLoop(ctx context.Context, l *monitorLoop) {
	// Private copy; the pointer the control loop handed us is shared
	// with every cache snapshot reader.
	item := *l.item
	logger := logging.ForMonitor(item.ID, item.UserID)
	reason := "shutdown"
	defer func() {
		s.removeLoop(item.ID, reason)
		logger.Info().Str("reason", reason).Msg("Monitor loop stopped")
	}()

	// Consume the restart pulse so the fresh loop does not trip over it.
	if item.ForceRestart {
		if err := s.store.ClearForceRestart(ctx, item.ID); err != nil {
			logger.Error().Err(err).Msg("Could not clear restart flag")
			reason = "persist_error"
			return
		}
		item.ForceRestart = false
	}
	key := trackedKey(&item)

	// The last persisted status, carried locally: the cache can lag this
	// loop's own writes by a refresh interval.
	prevStatus := item.LastCheckStatus

	logger.Info().Str("type", item.Type).Dur("interval", item.Interval()).Msg("Monitor loop started")

	due := time.Now()
	for {
		if !s.waitUntil(ctx, l, due) {
			return
		}

		current, err := s.cache.Get(ctx, item.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Item read failed, terminating loop")
			reason = "persist_error"
			return
		}
		if current == nil {
			reason = "removed"
			return
		}
		if !current.Enable {
			reason = "disabled"
			return
		}
		if trackedKey(current) != key {
			logger.Info().Msg("Monitor config changed, restarting loop")
			reason = "config_change"
			return
		}

		now := time.Now()
		if current.Paused(now) {
			logger.Debug().Time("stop_to", *current.StopTo).Msg("Monitor paused, skipping cycle")
			due = nextDue(due, item.Interval(), now)
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		start := time.Now()
		res := s.prober.Run(ctx, current)
		s.sem.Release(1)

		retries, _ := res.Details["retry_attempts"].(int)
		metrics.RecordProbe(current.Type, res.Success, time.Since(start).Seconds(), retries)

		prev := prevStatus

		status := models.StatusOK
		var errorMsg, validMsg *string
		if !res.Success {
			status = models.StatusFail
			if current.Type != models.TypeWebContent {
				errorMsg = &res.Message
			}
		} else if current.Type != models.TypeWebContent {
			validMsg = &res.Message
		}

		if err := s.store.UpdateProbeResult(ctx, current.ID, status, errorMsg, validMsg); err != nil {
			logger.Error().Err(err).Msg("Persisting probe result failed, terminating loop")
			reason = "persist_error"
			return
		}

		persisted := status
		prevStatus = &persisted

		s.notify(ctx, current, prev, res.Success, res.Message, res.ResponseTimeMS)

		due = nextDue(due, item.Interval(), time.Now())
	}
}

// trackedKey is the config snapshot compared for restart detection. For
// every type except web_content the result columns store probe outcomes
// and the loop writes them itself, so a cache read that lags the write
// must not register as an operator edit; they are blanked out of the
// comparison. For web_content they hold the keyword config and stay
// tracked.
func trackedKey(item *models.MonitorItem) models.ConfigKey {
	key := item.Key()
	if item.Type != models.TypeWebContent {
		key.ResultError = ""
		key.ResultValid = ""
	}
	return key
}

// notify applies the state transition table: failures alert, and a
// failure followed by a success announces recovery.
func (s *Scheduler) notify(ctx context.Context, item *models.MonitorItem, prev *int, success bool, message string, responseTimeMS *float64) {
	wasFailing := prev != nil && *prev == models.StatusFail

	switch {
	case !success:
		s.notifier.NotifyError(ctx, item, message)
	case wasFailing:
		s.notifier.NotifyRecovery(ctx, item, message, responseTimeMS)
	}
}

// waitUntil sleeps in short quanta until the due time, staying responsive
// to shutdown and this loop's stop flag. Returns false when interrupted.
func (s *Scheduler) waitUntil(ctx context.Context, l *monitorLoop, due time.Time) bool {
	for {
		remaining := time.Until(due)
		if remaining <= 0 {
			return true
		}
		if remaining > waitQuantum {
			remaining = waitQuantum
		}
		select {
		case <-ctx.Done():
			return false
		case <-l.stop:
			return false
		case <-time.After(remaining):
		}
	}
}

// nextDue advances the due time by one interval, snapping forward when
// the loop fell behind so missed cycles are skipped rather than replayed.
func nextDue(due time.Time, interval time.Duration, now time.Time) time.Time {
	next := due.Add(interval)
	if next.Before(now) {
		next = now
	}
	return next
}
