package probes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/models"
)

// tryHTTP performs one GET attempt for ping_web and web_content items.
// Success requires a final status < 400; web_content additionally applies
// the forbidden-then-required keyword stages against the body.
func (p *Prober) tryHTTP(ctx context.Context, item *models.MonitorItem, checkContent bool) attempt {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URLCheck, nil)
	if err != nil {
		r := Result{Success: false, Message: fmt.Sprintf("invalid URL: %v", err)}
		r.detail("kind", string(KindConfigInvalid))
		return attempt{result: r, permanent: true}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		r := Result{
			Success:        false,
			ResponseTimeMS: msPtr(elapsed),
			Message:        fmt.Sprintf("request failed: %v", err),
		}
		r.detail("kind", string(classifyNetError(err)))
		return attempt{result: r}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)

	snippet := string(body)
	if len(snippet) > 50 {
		snippet = snippet[:50]
	}
	log.Debug().
		Int64("monitor_id", item.ID).
		Int("status", resp.StatusCode).
		Str("body", snippet).
		Msg("HTTP probe response")

	r := Result{ResponseTimeMS: msPtr(elapsed)}
	r.detail("status_code", resp.StatusCode)
	r.detail("body_snippet", snippet)

	if resp.StatusCode >= 400 {
		r.Success = false
		r.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		r.detail("kind", string(KindHTTPStatus))
		return attempt{result: r}
	}

	if !checkContent {
		r.Success = true
		r.Message = fmt.Sprintf("HTTP %d in %.0fms", resp.StatusCode, *r.ResponseTimeMS)
		return attempt{result: r}
	}

	if readErr != nil {
		r.Success = false
		r.Message = fmt.Sprintf("failed to read body: %v", readErr)
		r.detail("kind", string(KindTransportOther))
		return attempt{result: r}
	}

	return attempt{result: checkKeywords(r, string(body), item)}
}

// checkKeywords applies result_error keywords first, then result_valid.
// Whitespace-only keyword entries are skipped by SplitKeywords.
func checkKeywords(r Result, body string, item *models.MonitorItem) Result {
	for _, kw := range models.SplitKeywords(item.ResultError) {
		if strings.Contains(body, kw) {
			r.Success = false
			r.Message = fmt.Sprintf("forbidden keyword %q found in response", kw)
			r.detail("kind", string(KindForbiddenKeyword))
			r.detail("forbidden_keyword", kw)
			return r
		}
	}

	var missing []string
	for _, kw := range models.SplitKeywords(item.ResultValid) {
		if !strings.Contains(body, kw) {
			missing = append(missing, kw)
		}
	}
	if len(missing) > 0 {
		r.Success = false
		r.Message = fmt.Sprintf("missing required keywords: %s", strings.Join(missing, ", "))
		r.detail("kind", string(KindMissingKeyword))
		r.detail("missing_keywords", missing)
		return r
	}

	r.Success = true
	r.Message = "content check passed"
	return r
}
