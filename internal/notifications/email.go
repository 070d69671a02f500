package notifications

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"math/rand"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/metrics"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/policy"
	"github.com/vigilmon/vigil/internal/store"
)

// EmailDispatcher sends multipart HTML mail through a pool of SMTP
// accounts. Email is strictly first-error-only: repeat failures in one
// episode never mail again until a recovery closes it.
type EmailDispatcher struct {
	store    *store.Store
	policy   *policy.Policy
	throttle time.Duration

	host     string
	port     int
	useTLS   bool
	fromName string
	accounts []config.SMTPAccount

	// Overridable in tests.
	send func(acct config.SMTPAccount, to string, msg []byte) error
	pick func(n int) int
}

func NewEmailDispatcher(cfg *config.Config, s *store.Store, pol *policy.Policy) *EmailDispatcher {
	d := &EmailDispatcher{
		store:    s,
		policy:   pol,
		throttle: cfg.EmailThrottle,
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		useTLS:   cfg.SMTPUseTLS,
		fromName: cfg.SMTPFromName,
		accounts: cfg.SMTPAccounts,
		pick:     rand.Intn,
	}
	d.send = d.sendSMTP
	return d
}

func (d *EmailDispatcher) Channel() string { return models.ChannelEmail }

func (d *EmailDispatcher) Dispatch(ctx context.Context, ev *Event, st *alerts.State) error {
	if len(d.accounts) == 0 {
		metrics.RecordNotificationSuppressed(d.Channel(), "no_config")
		return nil
	}

	to, err := d.resolveRecipient(ctx, ev.Item)
	if err != nil {
		return err
	}
	if to == "" {
		metrics.RecordNotificationSuppressed(d.Channel(), "no_config")
		return nil
	}

	switch ev.Kind {
	case KindError:
		// allow_repeat never applies to email.
		if st.ErrorSentSinceError(d.Channel()) || !st.ThrottleElapsed(d.Channel(), d.throttle) {
			metrics.RecordNotificationSuppressed(d.Channel(), "throttled")
			log.Debug().Int64("monitor_id", ev.Item.ID).Msg("Email alert throttled")
			return nil
		}
	case KindRecovery:
		if !st.ErrorSentSinceError(d.Channel()) {
			log.Debug().Int64("monitor_id", ev.Item.ID).Msg("No email error notice to balance, skipping recovery")
			return nil
		}
		if st.RecoverySentSinceError(d.Channel()) {
			return nil
		}
	}

	acct := d.accounts[d.pick(len(d.accounts))]
	msg := d.composeMessage(ev, acct.Email, to)

	err = sendWithRetry(ctx, d.Channel(), 3, func(ctx context.Context) error {
		return d.send(acct, to, msg)
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
	log.Info().Int64("monitor_id", ev.Item.ID).Str("kind", ev.Kind).Msg("Email notification sent")
	return nil
}

// resolveRecipient prefers the item's email alert config and falls back
// to the owning user's address.
func (d *EmailDispatcher) resolveRecipient(ctx context.Context, item *models.MonitorItem) (string, error) {
	cfg, err := d.store.GetAlertConfigForItem(ctx, item.ID, "email")
	if err != nil {
		return "", fmt.Errorf("resolving email config: %w", err)
	}
	if cfg != nil {
		if addr := strings.TrimSpace(cfg.AlertConfig); strings.Contains(addr, "@") {
			return addr, nil
		}
	}
	return d.policy.GetEmail(ctx, item.UserID)
}

func (d *EmailDispatcher) composeMessage(ev *Event, from, to string) []byte {
	var subject, headline, detail string
	if ev.Kind == KindRecovery {
		subject = fmt.Sprintf("[RECOVERED] %s is back online", ev.Item.Name)
		headline = fmt.Sprintf("%s is back online", ev.Item.Name)
		detail = ev.Message
		if ev.ResponseTimeMS != nil {
			detail = fmt.Sprintf("%s (response time %.0f ms)", ev.Message, *ev.ResponseTimeMS)
		}
	} else {
		subject = fmt.Sprintf("[DOWN] %s", ev.Item.Name)
		headline = fmt.Sprintf("%s is down", ev.Item.Name)
		detail = ev.Message
		if ev.Consecutive > 1 {
			detail = fmt.Sprintf("%s (consecutive failures: %d)", ev.Message, ev.Consecutive)
		}
	}

	plain := fmt.Sprintf("%s\r\n\r\nURL: %s\r\n%s\r\nChecked at: %s\r\n",
		headline, ev.Item.URLCheck, detail, ev.Timestamp.UTC().Format(time.RFC3339))

	htmlBody := fmt.Sprintf(`<html><body>
<h2>%s</h2>
<p><b>URL:</b> %s</p>
<p>%s</p>
<p><small>Checked at %s</small></p>
</body></html>`,
		html.EscapeString(headline), html.EscapeString(ev.Item.URLCheck),
		html.EscapeString(detail), ev.Timestamp.UTC().Format(time.RFC3339))

	fromHeader := from
	if d.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", d.fromName), from)
	}

	boundary := fmt.Sprintf("vigil-%d", ev.Timestamp.UnixNano())
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", fromHeader)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n", boundary)
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "--%s\r\n", boundary)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(plain)
	fmt.Fprintf(&b, "\r\n--%s\r\n", boundary)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(htmlBody)
	fmt.Fprintf(&b, "\r\n--%s--\r\n", boundary)
	return []byte(b.String())
}

// sendSMTP delivers one message, speaking implicit TLS on dedicated TLS
// ports and STARTTLS otherwise.
func (d *EmailDispatcher) sendSMTP(acct config.SMTPAccount, to string, msg []byte) error {
	addr := net.JoinHostPort(d.host, strconv.Itoa(d.port))
	auth := smtp.PlainAuth("", acct.Email, acct.Password, d.host)

	if !d.useTLS {
		return smtp.SendMail(addr, auth, acct.Email, []string{to}, msg)
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: d.host})
	if err != nil {
		return fmt.Errorf("smtp tls dial: %w", err)
	}
	client, err := smtp.NewClient(conn, d.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(acct.Email); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
