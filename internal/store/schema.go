package store

import (
	"context"
	"fmt"
)

// sqlite schema matching the shared monitor tables. External engines are
// provisioned by their own migration scripts; this exists so local runs
// and tests work against an empty sqlite file.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		enable INTEGER NOT NULL DEFAULT 1,
		url_check TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'ping_web',
		check_interval_seconds INTEGER,
		user_id INTEGER NOT NULL DEFAULT 0,
		last_check_status INTEGER,
		count_online INTEGER NOT NULL DEFAULT 0,
		count_offline INTEGER NOT NULL DEFAULT 0,
		last_check_time TIMESTAMP,
		result_valid TEXT,
		result_error TEXT,
		maxAlertCount INTEGER,
		stopTo TIMESTAMP,
		forceRestart INTEGER NOT NULL DEFAULT 0,
		allow_alert_for_consecutive_error INTEGER,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS monitor_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 1,
		alert_type TEXT NOT NULL,
		alert_config TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS monitor_and_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		monitor_item_id INTEGER NOT NULL,
		config_id INTEGER NOT NULL,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS monitor_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		status INTEGER NOT NULL DEFAULT 1,
		alert_time_ranges TEXT,
		timezone TEXT,
		global_stop_alert_to TIMESTAMP,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT,
		push_token TEXT,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_items_enabled ON monitor_items(enable, deleted_at)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_and_configs_item ON monitor_and_configs(monitor_item_id)`,
}

// EnsureSchema creates the monitor tables when running against sqlite.
// It is a no-op for external engines.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dbType != "sqlite" {
		return nil
	}
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
