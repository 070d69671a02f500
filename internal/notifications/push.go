package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/policy"
)

const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// PushDispatcher delivers mobile notifications through the FCM HTTP v1
// API, authenticated with a Firebase service account.
type PushDispatcher struct {
	policy   *policy.Policy
	client   *http.Client
	throttle time.Duration

	// Overridable in tests.
	endpoint string
}

func NewPushDispatcher(ctx context.Context, cfg *config.Config, pol *policy.Policy) (*PushDispatcher, error) {
	data, err := os.ReadFile(cfg.FirebaseServiceAccountPath)
	if err != nil {
		return nil, fmt.Errorf("reading firebase service account: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parsing firebase service account: %w", err)
	}

	var account struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(data, &account); err != nil || account.ProjectID == "" {
		return nil, fmt.Errorf("firebase service account has no project_id")
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = 10 * time.Second

	return &PushDispatcher{
		policy:   pol,
		client:   client,
		throttle: cfg.FirebaseThrottle,
		endpoint: fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", account.ProjectID),
	}, nil
}

func (d *PushDispatcher) Channel() string { return models.ChannelPush }

func (d *PushDispatcher) Dispatch(ctx context.Context, ev *Event, st *alerts.State) error {
	token, err := d.policy.GetPushToken(ctx, ev.Item.UserID)
	if err != nil {
		return fmt.Errorf("resolving push token: %w", err)
	}
	if token == "" {
		metrics.RecordNotificationSuppressed(d.Channel(), "no_config")
		return nil
	}

	if ev.Kind == KindError && !st.CanSendAlert(d.Channel(), d.throttle, ev.Item.AllowRepeatAlerts) {
		metrics.RecordNotificationSuppressed(d.Channel(), "throttled")
		log.Debug().Int64("monitor_id", ev.Item.ID).Msg("Push alert throttled")
		return nil
	}

	body, err := json.Marshal(buildPushMessage(ev, token))
	if err != nil {
		return fmt.Errorf("encoding push message: %w", err)
	}

	err = sendWithRetry(ctx, d.Channel(), 3, func(ctx context.Context) error {
		return d.post(ctx, body)
	})
	if err != nil {
		return err
	}

	st.MarkSent(d.Channel())
	metrics.RecordNotificationSent(d.Channel(), ev.Kind)
	log.Info().Int64("monitor_id", ev.Item.ID).Str("kind", ev.Kind).Msg("Push notification sent")
	return nil
}

// buildPushMessage composes the FCM v1 message. Data values must all be
// strings per the FCM contract.
func buildPushMessage(ev *Event, token string) map[string]interface{} {
	var title, body, kind string
	if ev.Kind == KindRecovery {
		title = fmt.Sprintf("%s is back online", ev.Item.Name)
		body = ev.Message
		kind = "monitor_recovery"
	} else {
		title = fmt.Sprintf("%s is down", ev.Item.Name)
		body = ev.Message
		kind = "monitor_alert"
	}

	return map[string]interface{}{
		"message": map[string]interface{}{
			"token": token,
			"notification": map[string]string{
				"title": title,
				"body":  body,
			},
			"data": map[string]string{
				"monitor_id": strconv.FormatInt(ev.Item.ID, 10),
				"url":        ev.Item.URLCheck,
				"type":       kind,
				"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339),
			},
		},
	}
}

func (d *PushDispatcher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanent(fmt.Errorf("fcm rejected message: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("fcm server error: status %d", resp.StatusCode)
	}
}
