package probes

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// tryTCP attempts a plain TCP connect. For open_port_tcp_then_error the
// semantics invert: a refused or filtered port is the healthy outcome.
// An unparseable host:port fails permanently without retry.
func (p *Prober) tryTCP(ctx context.Context, target string, inverted bool) attempt {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		r := Result{Success: false, Message: fmt.Sprintf("invalid host:port %q: %v", target, err)}
		r.detail("kind", string(KindConfigInvalid))
		return attempt{result: r, permanent: true}
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		r := Result{Success: false, Message: fmt.Sprintf("invalid port %q", portStr)}
		r.detail("kind", string(KindConfigInvalid))
		return attempt{result: r, permanent: true}
	}

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, tcpTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", net.JoinHostPort(host, portStr))
	elapsed := time.Since(start)

	if err != nil {
		if inverted {
			r := Result{
				Success:        true,
				ResponseTimeMS: msPtr(elapsed),
				Message:        fmt.Sprintf("port %s is closed as expected", portStr),
			}
			return attempt{result: r}
		}
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        fmt.Sprintf("connect %s failed: %v", target, err),
		}
		r.detail("kind", string(classifyNetError(err)))
		return attempt{result: r}
	}
	_ = conn.Close()

	if inverted {
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        fmt.Sprintf("port %s is open but expected closed", portStr),
		}
		r.detail("kind", string(KindTransportOther))
		return attempt{result: r}
	}

	r := Result{
		Success:        true,
		ResponseTimeMS: msPtr(elapsed),
		Message:        fmt.Sprintf("connected to %s in %.0fms", target, float64(elapsed)/float64(time.Millisecond)),
	}
	return attempt{result: r}
}
