package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/store"
)

// WebhookPayload is the JSON body posted to the item's webhook URL.
type WebhookPayload struct {
	Timestamp string           `json:"timestamp"`
	AlertType string           `json:"alert_type"`
	Status    string           `json:"status"`
	Service   WebhookService   `json:"service"`
	Error     *WebhookError    `json:"error,omitempty"`
	Recovery  *WebhookRecovery `json:"recovery,omitempty"`
	Metadata  WebhookMetadata  `json:"metadata"`
}

type WebhookService struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	MonitorID int64  `json:"monitor_id"`
}

type WebhookError struct {
	Message              string `json:"message"`
	ConsecutiveCount     int    `json:"consecutive_count"`
	CheckIntervalSeconds int    `json:"check_interval_seconds"`
}

type WebhookRecovery struct {
	Message        string  `json:"message"`
	ResponseTimeMS float64 `json:"response_time_ms"`
}

type WebhookMetadata struct {
	Source      string `json:"source"`
	Version     string `json:"version"`
	WebhookName string `json:"webhook_name"`
}

// WebhookDispatcher posts alert payloads to a per-item URL with
// first-error-only and first-recovery-only semantics: one error notice
// and one balancing recovery per failure episode.
type WebhookDispatcher struct {
	store      *store.Store
	client     *http.Client
	throttle   time.Duration
	maxRetries int
}

func NewWebhookDispatcher(cfg *config.Config, s *store.Store) *WebhookDispatcher {
	return &WebhookDispatcher{
		store:      s,
		client:     &http.Client{Timeout: cfg.WebhookTimeout},
		throttle:   cfg.WebhookThrottle,
		maxRetries: cfg.WebhookMaxRetries,
	}
}

func (d *WebhookDispatcher) Channel() string { return models.ChannelWebhook }

func (d *WebhookDispatcher) Dispatch(ctx context.Context, ev *Event, st *alerts.State) error {
	cfg, err := d.store.GetAlertConfigForItem(ctx, ev.Item.ID, "webhook")
	if err != nil {
		return fmt.Errorf("resolving webhook config: %w", err)
	}
	if cfg == nil {
		metrics.RecordNotificationSuppressed(d.Channel(), "no_config")
		return nil
	}

	url := strings.TrimSpace(cfg.AlertConfig)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		log.Error().Int64("monitor_id", ev.Item.ID).Int64("config_id", cfg.ID).
			Msg("Webhook config is not an http(s) URL")
		return nil
	}

	switch ev.Kind {
	case KindError:
		if st.ErrorSentSinceError(d.Channel()) {
			metrics.RecordNotificationSuppressed(d.Channel(), "throttled")
			log.Debug().Int64("monitor_id", ev.Item.ID).Msg("Webhook error already sent this episode")
			return nil
		}
		if !st.ThrottleElapsed(d.Channel(), d.throttle) {
			metrics.RecordNotificationSuppressed(d.Channel(), "throttled")
			return nil
		}
	case KindRecovery:
		if !st.ErrorSentSinceError(d.Channel()) {
			log.Debug().Int64("monitor_id", ev.Item.ID).Msg("No webhook error notice to balance, skipping recovery")
			return nil
		}
		if st.RecoverySentSinceError(d.Channel()) {
			return nil
		}
	}

	payload := BuildWebhookPayload(ev, cfg.Name)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	err = sendWithRetry(ctx, d.Channel(), d.maxRetries, func(ctx context.Context) error {
		return d.post(ctx, url, body)
	})
	if err != nil {
		return err
	}

	st.MarkSent(d.Channel())
	if ev.Kind == KindError {
		st.MarkErrorSent(d.Channel())
	} else {
		st.MarkRecoverySent(d.Channel())
	}
	metrics.RecordNotificationSent(d.Channel(), ev.Kind)
	log.Info().Int64("monitor_id", ev.Item.ID).Str("kind", ev.Kind).
		Str("webhook", cfg.Name).Msg("Webhook notification sent")
	return nil
}

// BuildWebhookPayload composes the outbound JSON document for an event.
func BuildWebhookPayload(ev *Event, webhookName string) *WebhookPayload {
	p := &WebhookPayload{
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		AlertType: ev.Kind,
		Service: WebhookService{
			Name:      ev.Item.Name,
			URL:       ev.Item.URLCheck,
			MonitorID: ev.Item.ID,
		},
		Metadata: WebhookMetadata{
			Source:      "monitor_service",
			Version:     Version,
			WebhookName: webhookName,
		},
	}

	if ev.Kind == KindError {
		p.Status = "down"
		p.Error = &WebhookError{
			Message:              ev.Message,
			ConsecutiveCount:     ev.Consecutive,
			CheckIntervalSeconds: int(ev.Item.Interval() / time.Second),
		}
	} else {
		p.Status = "up"
		rec := &WebhookRecovery{Message: ev.Message}
		if ev.ResponseTimeMS != nil {
			rec.ResponseTimeMS = *ev.ResponseTimeMS
		}
		p.Recovery = rec
	}
	return p
}

func (d *WebhookDispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vigil/"+Version)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanent(fmt.Errorf("webhook rejected payload: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook server error: status %d", resp.StatusCode)
	}
}
