// Package notifications fans monitor state transitions out to the
// configured channels: Telegram chat, webhooks, Firebase push, and SMTP
// email. Each dispatcher gates on the alert state and user policy before
// touching its transport.
package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/policy"
	"github.com/vigilmon/vigil/internal/store"
)

// Version is stamped by the build; it rides along in webhook metadata.
var Version = "dev"

const (
	KindError    = "error"
	KindRecovery = "recovery"
)

// Event is one state transition to announce.
type Event struct {
	Item           *models.MonitorItem
	Kind           string
	Message        string
	ResponseTimeMS *float64
	Consecutive    int
	Timestamp      time.Time
}

// Dispatcher delivers an event on one channel. Implementations own their
// config resolution, throttle consultation, and transport.
type Dispatcher interface {
	Channel() string
	Dispatch(ctx context.Context, ev *Event, st *alerts.State) error
}

// Notifier owns the dispatcher set and the shared gating steps: the
// consecutive-error counter and the user alert-window policy.
type Notifier struct {
	policy      *policy.Policy
	registry    *alerts.Registry
	dispatchers []Dispatcher
}

// New wires up every channel enabled by configuration.
func New(ctx context.Context, cfg *config.Config, s *store.Store, pol *policy.Policy, reg *alerts.Registry) *Notifier {
	n := &Notifier{policy: pol, registry: reg}

	n.dispatchers = append(n.dispatchers, NewTelegramDispatcher(cfg, s))

	if cfg.WebhookEnabled {
		n.dispatchers = append(n.dispatchers, NewWebhookDispatcher(cfg, s))
	} else {
		log.Info().Msg("Webhook notifications disabled by configuration")
	}

	if cfg.FirebaseServiceAccountPath != "" {
		push, err := NewPushDispatcher(ctx, cfg, pol)
		if err != nil {
			log.Error().Err(err).Msg("Push notifications unavailable, continuing without them")
		} else {
			n.dispatchers = append(n.dispatchers, push)
		}
	}

	if cfg.SMTPEnabled {
		n.dispatchers = append(n.dispatchers, NewEmailDispatcher(cfg, s, pol))
	}

	return n
}

// NewWithDispatchers builds a notifier over an explicit dispatcher set.
func NewWithDispatchers(pol *policy.Policy, reg *alerts.Registry, ds ...Dispatcher) *Notifier {
	return &Notifier{policy: pol, registry: reg, dispatchers: ds}
}

// NotifyError announces a success→failure transition or a continued
// failure. The consecutive counter is bumped exactly once per failing
// probe, before any channel consults its throttle.
func (n *Notifier) NotifyError(ctx context.Context, item *models.MonitorItem, message string) {
	st := n.registry.Get(item.ID)
	count := st.IncrementConsecutiveErrors()

	ev := &Event{
		Item:        item,
		Kind:        KindError,
		Message:     message,
		Consecutive: count,
		Timestamp:   time.Now().UTC(),
	}

	allowed, reason := n.policy.IsAlertTimeAllowed(ctx, item.UserID)
	if !allowed {
		log.Info().Int64("monitor_id", item.ID).Int64("user_id", item.UserID).
			Str("reason", reason).Msg("Error alert suppressed by user policy")
		for _, d := range n.dispatchers {
			metrics.RecordNotificationSuppressed(d.Channel(), "user_policy")
		}
		return
	}

	n.dispatch(ctx, ev, st)
}

// NotifyRecovery announces a failure→success transition. Recoveries skip
// the user alert-window gate on every channel so a resolved outage is
// never left dangling.
func (n *Notifier) NotifyRecovery(ctx context.Context, item *models.MonitorItem, message string, responseTimeMS *float64) {
	st := n.registry.Get(item.ID)

	prev := st.ResetConsecutiveErrors()
	if prev > 0 {
		log.Info().Int64("monitor_id", item.ID).Int("previous_failures", prev).
			Msg("Monitor recovered, consecutive error counter reset")
	}
	log.Debug().Int64("monitor_id", item.ID).Msg("Recovery bypasses the user alert window gate")

	ev := &Event{
		Item:           item,
		Kind:           KindRecovery,
		Message:        message,
		ResponseTimeMS: responseTimeMS,
		Consecutive:    prev,
		Timestamp:      time.Now().UTC(),
	}
	n.dispatch(ctx, ev, st)
}

// SendTest pushes a synthetic error event through every configured
// channel, bypassing the shared registry and the user policy so the
// delivery path itself can be exercised from the admin API. Results are
// keyed by channel; a nil value means the channel accepted the event.
func (n *Notifier) SendTest(ctx context.Context, item *models.MonitorItem) map[string]error {
	// A throwaway state with one recorded failure satisfies the
	// first-error-only gates without touching live episode tracking.
	st := alerts.NewRegistry(0, 0).Get(item.ID)
	st.IncrementConsecutiveErrors()

	ev := &Event{
		Item:        item,
		Kind:        KindError,
		Message:     "Test notification",
		Consecutive: 1,
		Timestamp:   time.Now().UTC(),
	}

	results := make(map[string]error, len(n.dispatchers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, d := range n.dispatchers {
		wg.Add(1)
		go func(d Dispatcher) {
			defer wg.Done()
			err := d.Dispatch(ctx, ev, st)
			mu.Lock()
			results[d.Channel()] = err
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	return results
}

// dispatch runs every channel concurrently and waits for all of them, so
// the caller's probe→persist→notify sequence stays ordered per item.
func (n *Notifier) dispatch(ctx context.Context, ev *Event, st *alerts.State) {
	var wg sync.WaitGroup
	for _, d := range n.dispatchers {
		wg.Add(1)
		go func(d Dispatcher) {
			defer wg.Done()
			if err := d.Dispatch(ctx, ev, st); err != nil {
				metrics.RecordNotificationFailure(d.Channel())
				log.Error().Err(err).Str("channel", d.Channel()).
					Int64("monitor_id", ev.Item.ID).Str("kind", ev.Kind).
					Msg("Notification dispatch failed")
			}
		}(d)
	}
	wg.Wait()
}
