package notifications

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vigilmon/vigil/internal/alerts"
	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/policy"
	"github.com/vigilmon/vigil/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func newTestPolicy(t *testing.T, s *store.Store) *policy.Policy {
	t.Helper()
	return policy.New(s, "UTC")
}

func newTestState() *alerts.State {
	return alerts.NewRegistry(5, 5*time.Minute).Get(1)
}

func seedItemWithConfig(t *testing.T, s *store.Store, alertType, alertConfig string) *models.MonitorItem {
	t.Helper()
	res, err := s.DB().Exec(`INSERT INTO monitor_items (name, enable, url_check, type, check_interval_seconds, user_id)
		VALUES ('checkout', 1, 'https://shop.example.com', 'ping_web', 60, 7)`)
	require.NoError(t, err)
	itemID, err := res.LastInsertId()
	require.NoError(t, err)

	if alertType != "" {
		res, err = s.DB().Exec(`INSERT INTO monitor_configs (name, user_id, alert_type, alert_config)
			VALUES ('primary', 7, ?, ?)`, alertType, alertConfig)
		require.NoError(t, err)
		cfgID, err := res.LastInsertId()
		require.NoError(t, err)
		_, err = s.DB().Exec(`INSERT INTO monitor_and_configs (monitor_item_id, config_id) VALUES (?, ?)`,
			itemID, cfgID)
		require.NoError(t, err)
	}

	item, err := s.GetItem(context.Background(), itemID)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func errorEvent(item *models.MonitorItem, consecutive int) *Event {
	return &Event{
		Item:        item,
		Kind:        KindError,
		Message:     "connection refused",
		Consecutive: consecutive,
		Timestamp:   time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
}

func recoveryEvent(item *models.MonitorItem) *Event {
	rt := 123.0
	return &Event{
		Item:           item,
		Kind:           KindRecovery,
		Message:        "status 200",
		ResponseTimeMS: &rt,
		Timestamp:      time.Date(2026, 8, 26, 12, 5, 0, 0, time.UTC),
	}
}
