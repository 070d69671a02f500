package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/store"
)

func newWebhookDispatcher(t *testing.T) (*WebhookDispatcher, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	cfg := &config.Config{
		WebhookThrottle:   30 * time.Second,
		WebhookTimeout:    5 * time.Second,
		WebhookMaxRetries: 3,
	}
	return NewWebhookDispatcher(cfg, s), s
}

func TestWebhookPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	item := seedItemWithConfig(t, s, "", "")

	ev := errorEvent(item, 3)
	payload := BuildWebhookPayload(ev, "ops-hook")

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded WebhookPayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *payload, decoded)

	assert.Equal(t, "error", decoded.AlertType)
	assert.Equal(t, "down", decoded.Status)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, 3, decoded.Error.ConsecutiveCount)
	assert.Equal(t, 60, decoded.Error.CheckIntervalSeconds)
	assert.Nil(t, decoded.Recovery)
	assert.Equal(t, "monitor_service", decoded.Metadata.Source)
	assert.Equal(t, "ops-hook", decoded.Metadata.WebhookName)

	rec := BuildWebhookPayload(recoveryEvent(item), "ops-hook")
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	var decodedRec WebhookPayload
	require.NoError(t, json.Unmarshal(data, &decodedRec))
	assert.Equal(t, "up", decodedRec.Status)
	require.NotNil(t, decodedRec.Recovery)
	assert.Equal(t, 123.0, decodedRec.Recovery.ResponseTimeMS)
	assert.Nil(t, decodedRec.Error)
}

func TestWebhookFirstErrorOnly(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	d, s := newWebhookDispatcher(t)
	item := seedItemWithConfig(t, s, "webhook", srv.URL)
	st := newTestState()
	ctx := context.Background()

	st.IncrementConsecutiveErrors()
	require.NoError(t, d.Dispatch(ctx, errorEvent(item, 1), st))
	assert.Equal(t, 1, hits)

	st.IncrementConsecutiveErrors()
	require.NoError(t, d.Dispatch(ctx, errorEvent(item, 2), st))
	assert.Equal(t, 1, hits, "second failure in the episode is suppressed")
}

func TestWebhookRecoveryBalancesError(t *testing.T) {
	var kinds []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		kinds = append(kinds, p.AlertType)
	}))
	defer srv.Close()

	d, s := newWebhookDispatcher(t)
	item := seedItemWithConfig(t, s, "webhook", srv.URL)
	st := newTestState()
	ctx := context.Background()

	// Recovery without a preceding error notice is skipped.
	require.NoError(t, d.Dispatch(ctx, recoveryEvent(item), st))
	assert.Empty(t, kinds)

	st.IncrementConsecutiveErrors()
	require.NoError(t, d.Dispatch(ctx, errorEvent(item, 1), st))
	require.NoError(t, d.Dispatch(ctx, recoveryEvent(item), st))
	require.NoError(t, d.Dispatch(ctx, recoveryEvent(item), st))

	assert.Equal(t, []string{"error", "recovery"}, kinds,
		"exactly one recovery per failure episode")
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer srv.Close()

	d, s := newWebhookDispatcher(t)
	item := seedItemWithConfig(t, s, "webhook", srv.URL)
	st := newTestState()
	st.IncrementConsecutiveErrors()

	require.NoError(t, d.Dispatch(context.Background(), errorEvent(item, 1), st))
	assert.Equal(t, 3, hits)
	assert.True(t, st.ErrorSentSinceError(d.Channel()))
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d, s := newWebhookDispatcher(t)
	item := seedItemWithConfig(t, s, "webhook", srv.URL)
	st := newTestState()
	st.IncrementConsecutiveErrors()

	err := d.Dispatch(context.Background(), errorEvent(item, 1), st)
	require.Error(t, err)
	assert.Equal(t, 1, hits)
	assert.False(t, st.ErrorSentSinceError(d.Channel()),
		"a failed send leaves the episode open for the next attempt")
}

func TestWebhookRejectsNonHTTPURL(t *testing.T) {
	d, s := newWebhookDispatcher(t)
	item := seedItemWithConfig(t, s, "webhook", "ftp://example.com/hook")
	st := newTestState()
	st.IncrementConsecutiveErrors()

	require.NoError(t, d.Dispatch(context.Background(), errorEvent(item, 1), st))
	assert.False(t, st.ErrorSentSinceError(d.Channel()))
}
