package probes

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// nowFunc is overridable in tests to pin the expiry clock.
var nowFunc = time.Now

// tryTLSExpiry opens a TLS session, reads the peer certificate and checks
// days-until-expiry. Strictly more than tlsMinDaysLeft days must remain.
func (p *Prober) tryTLSExpiry(ctx context.Context, target string) attempt {
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		host = target
		target = net.JoinHostPort(host, "443")
	}

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, tlsTimeout)
	defer cancel()

	rawConn, err := p.dial(dialCtx, "tcp", target)
	if err != nil {
		elapsed := time.Since(start)
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        fmt.Sprintf("connect %s failed: %v", target, err),
		}
		r.detail("kind", string(classifyNetError(err)))
		return attempt{result: r}
	}

	// Chain trust is not this check's concern; we only need the leaf
	// certificate's notAfter, even from servers with private CAs.
	conn := tls.Client(rawConn, &tls.Config{ServerName: host, InsecureSkipVerify: true}) //nolint:gosec
	if err := conn.HandshakeContext(dialCtx); err != nil {
		_ = rawConn.Close()
		elapsed := time.Since(start)
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        fmt.Sprintf("TLS handshake with %s failed: %v", target, err),
		}
		r.detail("kind", string(KindTLSError))
		return attempt{result: r}
	}
	defer conn.Close()

	elapsed := time.Since(start)
	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        "no peer certificate presented",
		}
		r.detail("kind", string(KindTLSError))
		return attempt{result: r}
	}

	notAfter := certs[0].NotAfter
	daysLeft := int(notAfter.Sub(nowFunc()).Hours() / 24)

	r := Result{ResponseTimeMS: msPtr(elapsed)}
	r.detail("days_until_expiry", daysLeft)
	r.detail("not_after", notAfter.UTC().Format(time.RFC3339))

	if daysLeft > tlsMinDaysLeft {
		r.Success = true
		r.Message = fmt.Sprintf("certificate valid for %d more days", daysLeft)
		return attempt{result: r}
	}

	r.Success = false
	if daysLeft < 0 {
		r.Message = fmt.Sprintf("certificate expired %d days ago", -daysLeft)
	} else {
		r.Message = fmt.Sprintf("certificate expires in %d days", daysLeft)
	}
	r.detail("kind", string(KindTLSExpiringSoon))
	return attempt{result: r}
}
