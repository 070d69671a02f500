package policy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilmon/vigil/internal/store"
)

func newTestPolicy(t *testing.T) (*Policy, *store.Store) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "policy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return New(s, "UTC"), s
}

func seedSettings(t *testing.T, s *store.Store, userID int64, ranges, tz string, stopTo *time.Time) {
	t.Helper()
	_, err := s.DB().Exec(`INSERT INTO monitor_settings (user_id, alert_time_ranges, timezone, global_stop_alert_to)
		VALUES (?, ?, ?, ?)`, userID, ranges, tz, stopTo)
	require.NoError(t, err)
}

func TestNoSettingsAllows(t *testing.T) {
	p, _ := newTestPolicy(t)

	allowed, reason := p.IsAlertTimeAllowed(context.Background(), 404)
	assert.True(t, allowed)
	assert.Empty(t, reason)
}

func TestGlobalMuteWins(t *testing.T) {
	p, s := newTestPolicy(t)
	until := time.Now().Add(time.Hour).UTC()
	seedSettings(t, s, 1, "00:00-23:59", "UTC", &until)

	allowed, reason := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.False(t, allowed)
	assert.Contains(t, reason, "muted until")
}

func TestExpiredMuteDoesNotBlock(t *testing.T) {
	p, s := newTestPolicy(t)
	past := time.Now().Add(-time.Hour).UTC()
	seedSettings(t, s, 1, "", "UTC", &past)

	allowed, _ := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.True(t, allowed)
}

func TestAlertWindowOffsetTimezone(t *testing.T) {
	p, s := newTestPolicy(t)
	// Offset 7 maps to Asia/Ho_Chi_Minh (UTC+7).
	seedSettings(t, s, 1, "09:00-12:00,14:00-18:00", "7", nil)

	p.now = func() time.Time {
		return time.Date(2026, 8, 26, 2, 30, 0, 0, time.UTC) // 09:30 local
	}
	allowed, reason := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.True(t, allowed, reason)

	p.now = func() time.Time {
		return time.Date(2026, 8, 26, 5, 30, 0, 0, time.UTC) // 12:30 local
	}
	allowed, reason = p.IsAlertTimeAllowed(context.Background(), 1)
	assert.False(t, allowed)
	assert.Contains(t, reason, "09:00-12:00,14:00-18:00")
}

func TestAlertWindowInclusiveBounds(t *testing.T) {
	p, s := newTestPolicy(t)
	seedSettings(t, s, 1, "09:00-12:00", "UTC", nil)

	p.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	allowed, _ := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.True(t, allowed, "end of range is inclusive")

	p.now = func() time.Time { return time.Date(2026, 8, 26, 12, 1, 0, 0, time.UTC) }
	allowed, _ = p.IsAlertTimeAllowed(context.Background(), 1)
	assert.False(t, allowed)
}

func TestMalformedRangesSkipped(t *testing.T) {
	p, s := newTestPolicy(t)
	seedSettings(t, s, 1, "garbage,25:00-26:00,10:00-11:00", "UTC", nil)

	p.now = func() time.Time { return time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC) }
	allowed, _ := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.True(t, allowed, "valid range still matches among malformed ones")
}

func TestBadTimezoneFailsOpen(t *testing.T) {
	p, s := newTestPolicy(t)
	seedSettings(t, s, 1, "09:00-10:00", "Not/AZone", nil)

	allowed, reason := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.True(t, allowed)
	assert.Contains(t, reason, "fail-open")
}

func TestUnknownOffsetFallsBackToDefault(t *testing.T) {
	p, s := newTestPolicy(t)
	seedSettings(t, s, 1, "09:00-10:00", "13", nil) // no table entry, default UTC

	p.now = func() time.Time { return time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC) }
	allowed, _ := p.IsAlertTimeAllowed(context.Background(), 1)
	assert.True(t, allowed)
}

func TestContactLookups(t *testing.T) {
	p, s := newTestPolicy(t)
	_, err := s.DB().Exec(`INSERT INTO users (id, email, push_token) VALUES (9, 'ops@example.com', 'tok-123')`)
	require.NoError(t, err)

	email, err := p.GetEmail(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", email)

	token, err := p.GetPushToken(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}
