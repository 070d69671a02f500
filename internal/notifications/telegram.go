package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/store"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramDispatcher posts HTML-formatted alerts to a per-item chat. The
// bot token and chat id come from the item's telegram alert config.
type TelegramDispatcher struct {
	store       *store.Store
	client      *http.Client
	throttle    time.Duration
	adminDomain string

	// Overridable in tests.
	apiBase string
}

func NewTelegramDispatcher(cfg *config.Config, s *store.Store) *TelegramDispatcher {
	return &TelegramDispatcher{
		store:       s,
		client:      &http.Client{Timeout: 10 * time.Second},
		throttle:    cfg.TelegramThrottle,
		adminDomain: cfg.AdminDomain,
		apiBase:     telegramAPIBase,
	}
}

func (d *TelegramDispatcher) Channel() string { return models.ChannelChat }

func (d *TelegramDispatcher) Dispatch(ctx context.Context, ev *Event, st *alerts.State) error {
	cfg, err := d.store.GetAlertConfigForItem(ctx, ev.Item.ID, "telegram")
	if err != nil {
		return fmt.Errorf("resolving telegram config: %w", err)
	}
	if cfg == nil {
		metrics.RecordNotificationSuppressed(d.Channel(), "no_config")
		return nil
	}

	token, chatID, err := ParseTelegramConfig(cfg.AlertConfig)
	if err != nil {
		log.Error().Err(err).Int64("monitor_id", ev.Item.ID).Int64("config_id", cfg.ID).
			Msg("Invalid telegram alert config")
		return nil
	}

	if ev.Kind == KindError && !st.CanSendAlert(d.Channel(), d.throttle, ev.Item.AllowRepeatAlerts) {
		metrics.RecordNotificationSuppressed(d.Channel(), "throttled")
		log.Debug().Int64("monitor_id", ev.Item.ID).Msg("Chat alert throttled")
		return nil
	}

	text := d.composeMessage(ev)
	err = sendWithRetry(ctx, d.Channel(), 3, func(ctx context.Context) error {
		return d.send(ctx, token, chatID, text)
	})
	if err != nil {
		return err
	}

	st.MarkSent(d.Channel())
	metrics.RecordNotificationSent(d.Channel(), ev.Kind)
	log.Info().Int64("monitor_id", ev.Item.ID).Str("kind", ev.Kind).Msg("Chat notification sent")
	return nil
}

func (d *TelegramDispatcher) composeMessage(ev *Event) string {
	var b strings.Builder
	name := html.EscapeString(ev.Item.Name)
	url := html.EscapeString(ev.Item.URLCheck)

	if ev.Kind == KindRecovery {
		fmt.Fprintf(&b, "✅ <b>%s</b> is back online\n", name)
		fmt.Fprintf(&b, "URL: %s\n", url)
		if ev.ResponseTimeMS != nil {
			fmt.Fprintf(&b, "Response time: %.0f ms\n", *ev.ResponseTimeMS)
		}
	} else {
		fmt.Fprintf(&b, "🔴 <b>%s</b> is DOWN\n", name)
		fmt.Fprintf(&b, "URL: %s\n", url)
		msg := html.EscapeString(ev.Message)
		if ev.Consecutive > 1 {
			fmt.Fprintf(&b, "Error: %s (consecutive failures: %d)\n", msg, ev.Consecutive)
		} else {
			fmt.Fprintf(&b, "Error: %s\n", msg)
		}
	}

	if d.adminDomain != "" {
		fmt.Fprintf(&b, `<a href="https://%s/monitor/%d">Manage this monitor</a>`,
			d.adminDomain, ev.Item.ID)
	}
	return b.String()
}

func (d *TelegramDispatcher) send(ctx context.Context, token, chatID, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return permanent(err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", d.apiBase, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return permanent(fmt.Errorf("telegram rejected message: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("telegram server error: status %d", resp.StatusCode)
	}
}

// ParseTelegramConfig splits a "<bot_token>,<chat_id>" config string on
// the first comma. The token must look like a bot token (contains a
// colon) and the chat id must be numeric or an @channel name.
func ParseTelegramConfig(raw string) (token, chatID string, err error) {
	idx := strings.Index(raw, ",")
	if idx < 0 {
		return "", "", fmt.Errorf("telegram config missing chat id separator")
	}
	token = strings.TrimSpace(raw[:idx])
	chatID = strings.TrimSpace(raw[idx+1:])

	if token == "" || !strings.Contains(token, ":") {
		return "", "", fmt.Errorf("telegram config has malformed bot token")
	}
	if chatID == "" {
		return "", "", fmt.Errorf("telegram config has empty chat id")
	}
	if !strings.HasPrefix(chatID, "@") {
		if _, convErr := strconv.ParseInt(chatID, 10, 64); convErr != nil {
			return "", "", fmt.Errorf("telegram config has non-numeric chat id")
		}
	}
	return token, chatID, nil
}
