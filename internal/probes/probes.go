package probes

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/models"
)

// FailureKind classifies why a probe attempt failed. It travels inside
// Result.Details under the "kind" key.
type FailureKind string

const (
	KindTransportTimeout FailureKind = "transport_timeout"
	KindTransportRefused FailureKind = "transport_refused"
	KindTransportOther   FailureKind = "transport_other"
	KindMissingKeyword   FailureKind = "validation_missing_keyword"
	KindForbiddenKeyword FailureKind = "validation_forbidden_keyword"
	KindHTTPStatus       FailureKind = "http_status_error"
	KindTLSError         FailureKind = "tls_error"
	KindTLSExpiringSoon  FailureKind = "tls_expiring_soon"
	KindConfigInvalid    FailureKind = "config_invalid"
)

// Result is the uniform outcome shape shared by every probe type.
type Result struct {
	Success        bool                   `json:"success"`
	ResponseTimeMS *float64               `json:"responseTimeMs"` // nil when no attempt could be measured
	Message        string                 `json:"message"`
	Details        map[string]interface{} `json:"details"`
}

func (r *Result) detail(key string, value interface{}) {
	if r.Details == nil {
		r.Details = make(map[string]interface{})
	}
	r.Details[key] = value
}

func msPtr(d time.Duration) *float64 {
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}

// Per-type timeouts and the retry budget.
const (
	MaxRetries     = 2
	RetryDelay     = 5 * time.Second
	httpTimeout    = 30 * time.Second
	icmpTimeout    = 5 * time.Second
	tcpTimeout     = 10 * time.Second
	tlsTimeout     = 15 * time.Second
	maxBodyBytes   = 10 * 1024
	tlsMinDaysLeft = 10
)

// Prober runs probes for monitor items. The HTTP client is shared across
// all monitor loops and must stay connection-pooled.
type Prober struct {
	client *http.Client

	// Overridable in tests.
	dial  func(ctx context.Context, network, address string) (net.Conn, error)
	sleep func(ctx context.Context, d time.Duration) error
}

// NewProber builds a Prober with a pooled HTTP client sized for large
// fleets of concurrently probing loops.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = httpTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        2000,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	dialer := &net.Dialer{}
	return &Prober{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			// Follow redirects (the default policy, spelled out).
			CheckRedirect: nil,
		},
		dial:  dialer.DialContext,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// attempt is one try of a probe. permanent marks failures that retrying
// cannot fix (for example an unparseable port).
type attempt struct {
	result    Result
	permanent bool
}

// Run executes the probe matching the item type, applying the retry
// contract: up to 1+MaxRetries attempts with a delay in between, stopping
// early on the first success or permanent failure. A panicking probe is
// converted to a failure result rather than crashing the monitor loop.
func (p *Prober) Run(ctx context.Context, item *models.MonitorItem) Result {
	try := p.attemptFunc(item)

	var last Result
	var prior []string // summaries of failed tries before the returned one
	for i := 0; i <= MaxRetries; i++ {
		a := p.safeAttempt(ctx, item, try)
		last = a.result
		if a.result.Success || a.permanent || i == MaxRetries {
			break
		}
		prior = append(prior, fmt.Sprintf("attempt %d: %s", i+1, a.result.Message))
		if err := p.sleep(ctx, RetryDelay); err != nil {
			break
		}
	}

	last.detail("retry_attempts", len(prior))
	if len(prior) > 0 {
		last.detail("retry_messages", prior)
	}
	return last
}

// safeAttempt shields the monitor loop from probe panics: a crashed probe
// is a failed probe.
func (p *Prober) safeAttempt(ctx context.Context, item *models.MonitorItem, try func(context.Context) attempt) (a attempt) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int64("monitor_id", item.ID).
				Str("type", item.Type).
				Interface("panic", r).
				Msg("Probe panicked, treating as failure")
			a = attempt{result: Result{
				Success: false,
				Message: fmt.Sprintf("probe crashed: %v", r),
			}}
			a.result.detail("kind", string(KindTransportOther))
		}
	}()
	return try(ctx)
}

func (p *Prober) attemptFunc(item *models.MonitorItem) func(context.Context) attempt {
	switch item.Type {
	case models.TypePingWeb:
		return func(ctx context.Context) attempt { return p.tryHTTP(ctx, item, false) }
	case models.TypeWebContent:
		return func(ctx context.Context) attempt { return p.tryHTTP(ctx, item, true) }
	case models.TypePingICMP:
		return func(ctx context.Context) attempt { return p.tryICMP(ctx, item.URLCheck) }
	case models.TypeTCP, models.TypeTCPValid:
		return func(ctx context.Context) attempt { return p.tryTCP(ctx, item.URLCheck, false) }
	case models.TypeTCPError:
		return func(ctx context.Context) attempt { return p.tryTCP(ctx, item.URLCheck, true) }
	case models.TypeSSLExpired:
		return func(ctx context.Context) attempt { return p.tryTLSExpiry(ctx, item.URLCheck) }
	default:
		return func(context.Context) attempt {
			r := Result{Success: false, Message: fmt.Sprintf("unknown monitor type %q", item.Type)}
			r.detail("kind", string(KindConfigInvalid))
			return attempt{result: r, permanent: true}
		}
	}
}

// classifyNetError maps a transport error onto a failure kind.
func classifyNetError(err error) FailureKind {
	if err == nil {
		return KindTransportOther
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return KindTransportTimeout
	}
	if isConnRefused(err) {
		return KindTransportRefused
	}
	return KindTransportOther
}
