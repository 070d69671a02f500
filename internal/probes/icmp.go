package probes

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

// execCommand is a variable so tests can stub the ping binary.
var execCommand = exec.CommandContext

var pingTimeRe = regexp.MustCompile(`time=([0-9.]+)`)

// tryICMP shells out to the OS ping utility for a single echo. When ping
// reports an RTT it is preferred over our own wall-clock measurement.
func (p *Prober) tryICMP(ctx context.Context, target string) attempt {
	start := time.Now()

	cmdCtx, cancel := context.WithTimeout(ctx, icmpTimeout)
	defer cancel()

	name, args := pingArgs(runtime.GOOS, target)
	output, err := execCommand(cmdCtx, name, args...).CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        fmt.Sprintf("ping %s failed: %v", target, err),
		}
		if cmdCtx.Err() == context.DeadlineExceeded {
			r.detail("kind", string(KindTransportTimeout))
		} else {
			r.detail("kind", string(KindTransportOther))
		}
		return attempt{result: r}
	}

	r := Result{Success: true, ResponseTimeMS: msPtr(elapsed)}
	if rtt, ok := parsePingRTT(string(output)); ok {
		r.ResponseTimeMS = &rtt
		r.Message = fmt.Sprintf("ping reply in %.1fms", rtt)
	} else {
		r.Message = fmt.Sprintf("ping reply in %.0fms", *r.ResponseTimeMS)
	}
	return attempt{result: r}
}

func pingArgs(goos, target string) (string, []string) {
	if goos == "windows" {
		return "ping", []string{"-n", "1", "-w", "5000", target}
	}
	return "ping", []string{"-c", "1", "-W", "5", target}
}

// parsePingRTT extracts the reported round trip time from standard ping
// output ("time=12.3 ms").
func parsePingRTT(output string) (float64, bool) {
	matches := pingTimeRe.FindStringSubmatch(output)
	if len(matches) < 2 {
		return 0, false
	}
	ms, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
