package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/vigilmon/vigil/internal/config"
	"github.com/vigilmon/vigil/internal/models"
)

// Store is the thin read/write surface over the monitor schema. It carries
// no business logic; callers decide what a probe outcome means.
type Store struct {
	db     *sql.DB
	dbType string
}

// Open connects to the configured database, sizes the pool and verifies
// the connection with a ping.
func Open(cfg *config.Config) (*Store, error) {
	var driver, dsn string
	switch cfg.DBType {
	case "postgres":
		driver = "postgres"
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	case "sqlite":
		driver = "sqlite"
		dsn = cfg.DBPath
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.DBType)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBType, err)
	}

	db.SetMaxOpenConns(cfg.ConnectionPoolSize)
	db.SetMaxIdleConns(cfg.ConnectionPoolSize / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s database: %w", cfg.DBType, err)
	}

	log.Info().Str("type", cfg.DBType).Int("pool", cfg.ConnectionPoolSize).Msg("Database connected")
	return &Store{db: db, dbType: cfg.DBType}, nil
}

// OpenSQLite opens a standalone sqlite store, used by tests and the
// single-shot test command.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY under concurrent monitor loops.
	db.SetMaxOpenConns(1)
	return &Store{db: db, dbType: "sqlite"}, nil
}

// DB exposes the underlying pool for health checks and test seeding.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ?-style placeholders to the $n form lib/pq expects.
func (s *Store) rebind(query string) string {
	if s.dbType != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const itemColumns = `id, name, enable, url_check, type, check_interval_seconds, user_id,
	last_check_status, count_online, count_offline, last_check_time,
	result_valid, result_error, maxAlertCount, stopTo, forceRestart,
	allow_alert_for_consecutive_error, created_at, updated_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*models.MonitorItem, error) {
	var (
		item         models.MonitorItem
		enable       int
		interval     sql.NullInt64
		status       sql.NullInt64
		lastCheck    sql.NullTime
		resultValid  sql.NullString
		resultError  sql.NullString
		maxAlert     sql.NullInt64
		stopTo       sql.NullTime
		forceRestart sql.NullInt64
		allowRepeat  sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.Name, &enable, &item.URLCheck, &item.Type,
		&interval, &item.UserID, &status, &item.CountOnline, &item.CountOffline,
		&lastCheck, &resultValid, &resultError, &maxAlert, &stopTo, &forceRestart,
		&allowRepeat, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.Enable = enable != 0
	if interval.Valid {
		item.CheckIntervalSeconds = int(interval.Int64)
	}
	if status.Valid {
		v := int(status.Int64)
		item.LastCheckStatus = &v
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		item.LastCheckTime = &t
	}
	item.ResultValid = resultValid.String
	item.ResultError = resultError.String
	if maxAlert.Valid {
		item.MaxAlertCount = int(maxAlert.Int64)
	}
	if stopTo.Valid {
		t := stopTo.Time
		item.StopTo = &t
	}
	item.ForceRestart = forceRestart.Valid && forceRestart.Int64 != 0
	item.AllowRepeatAlerts = allowRepeat.Valid && allowRepeat.Int64 == 1
	return &item, nil
}

// ListEnabledItems returns every enabled, non-deleted monitor item.
func (s *Store) ListEnabledItems(ctx context.Context) ([]*models.MonitorItem, error) {
	query := s.rebind(`SELECT ` + itemColumns + ` FROM monitor_items
		WHERE deleted_at IS NULL AND enable = 1 ORDER BY id`)
	return s.queryItems(ctx, query)
}

// ListAllItems returns all non-deleted items, optionally capped.
func (s *Store) ListAllItems(ctx context.Context, limit int) ([]*models.MonitorItem, error) {
	query := `SELECT ` + itemColumns + ` FROM monitor_items WHERE deleted_at IS NULL ORDER BY id`
	if limit > 0 {
		return s.queryItems(ctx, s.rebind(query+` LIMIT ?`), limit)
	}
	return s.queryItems(ctx, s.rebind(query))
}

func (s *Store) queryItems(ctx context.Context, query string, args ...interface{}) ([]*models.MonitorItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query monitor items: %w", err)
	}
	defer rows.Close()

	var items []*models.MonitorItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan monitor item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monitor items: %w", err)
	}
	return items, nil
}

// GetItem returns one non-deleted item, or nil when absent.
func (s *Store) GetItem(ctx context.Context, id int64) (*models.MonitorItem, error) {
	query := s.rebind(`SELECT ` + itemColumns + ` FROM monitor_items
		WHERE id = ? AND deleted_at IS NULL`)
	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor item %d: %w", id, err)
	}
	return item, nil
}

// UpdateProbeResult persists one probe outcome in a single statement:
// status, check time, optional result messages, and exactly one counter
// increment. Row-atomic by construction.
func (s *Store) UpdateProbeResult(ctx context.Context, id int64, status int, errorMsg, validMsg *string) error {
	now := time.Now().UTC()

	set := []string{
		"last_check_status = ?",
		"last_check_time = ?",
		"count_online = count_online + ?",
		"count_offline = count_offline + ?",
		"updated_at = ?",
	}
	online, offline := 0, 0
	if status == models.StatusOK {
		online = 1
	} else {
		offline = 1
	}
	args := []interface{}{status, now, online, offline, now}

	if errorMsg != nil {
		set = append(set, "result_error = ?")
		args = append(args, *errorMsg)
	}
	if validMsg != nil {
		set = append(set, "result_valid = ?")
		args = append(args, *validMsg)
	}
	args = append(args, id)

	query := s.rebind(`UPDATE monitor_items SET ` + strings.Join(set, ", ") + ` WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update probe result for item %d: %w", id, err)
	}
	return nil
}

// ResetCounters zeroes both rolling counters for an item.
func (s *Store) ResetCounters(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE monitor_items SET count_online = 0, count_offline = 0, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("reset counters for item %d: %w", id, err)
	}
	return nil
}

// ClearForceRestart consumes the scheduler restart pulse.
func (s *Store) ClearForceRestart(ctx context.Context, id int64) error {
	query := s.rebind(`UPDATE monitor_items SET forceRestart = 0, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("clear forceRestart for item %d: %w", id, err)
	}
	return nil
}

const configColumns = `c.id, c.name, c.user_id, c.status, c.alert_type, c.alert_config`

// GetAllAlertConfigsForItem returns every linked, non-deleted alert config
// for an item. A removed link disables that channel.
func (s *Store) GetAllAlertConfigsForItem(ctx context.Context, itemID int64) ([]*models.AlertConfig, error) {
	query := s.rebind(`SELECT ` + configColumns + `
		FROM monitor_configs c
		JOIN monitor_and_configs mc ON mc.config_id = c.id
		WHERE mc.monitor_item_id = ? AND mc.deleted_at IS NULL AND c.deleted_at IS NULL
		ORDER BY c.id`)
	rows, err := s.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("query alert configs for item %d: %w", itemID, err)
	}
	defer rows.Close()

	var configs []*models.AlertConfig
	for rows.Next() {
		var c models.AlertConfig
		if err := rows.Scan(&c.ID, &c.Name, &c.UserID, &c.Status, &c.AlertType, &c.AlertConfig); err != nil {
			return nil, fmt.Errorf("scan alert config: %w", err)
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}

// GetAlertConfigForItem returns the first linked config of the given type,
// or nil when the item has none.
func (s *Store) GetAlertConfigForItem(ctx context.Context, itemID int64, alertType string) (*models.AlertConfig, error) {
	query := s.rebind(`SELECT ` + configColumns + `
		FROM monitor_configs c
		JOIN monitor_and_configs mc ON mc.config_id = c.id
		WHERE mc.monitor_item_id = ? AND c.alert_type = ?
		  AND mc.deleted_at IS NULL AND c.deleted_at IS NULL
		ORDER BY c.id LIMIT 1`)
	var c models.AlertConfig
	err := s.db.QueryRowContext(ctx, query, itemID, alertType).
		Scan(&c.ID, &c.Name, &c.UserID, &c.Status, &c.AlertType, &c.AlertConfig)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s config for item %d: %w", alertType, itemID, err)
	}
	return &c, nil
}

// GetMonitorSettings returns the per-user alert window settings, or nil
// when the user has no settings row.
func (s *Store) GetMonitorSettings(ctx context.Context, userID int64) (*models.MonitorSettings, error) {
	query := s.rebind(`SELECT id, user_id, status, alert_time_ranges, timezone, global_stop_alert_to
		FROM monitor_settings WHERE user_id = ? AND deleted_at IS NULL LIMIT 1`)
	var (
		ms       models.MonitorSettings
		ranges   sql.NullString
		timezone sql.NullString
		stopTo   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&ms.ID, &ms.UserID, &ms.Status, &ranges, &timezone, &stopTo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get monitor settings for user %d: %w", userID, err)
	}
	ms.AlertTimeRanges = ranges.String
	ms.Timezone = timezone.String
	if stopTo.Valid {
		t := stopTo.Time
		ms.GlobalStopTo = &t
	}
	return &ms, nil
}

// GetUserEmail returns the user's email, or empty when unset or deleted.
func (s *Store) GetUserEmail(ctx context.Context, userID int64) (string, error) {
	query := s.rebind(`SELECT email FROM users WHERE id = ? AND deleted_at IS NULL`)
	var email sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get email for user %d: %w", userID, err)
	}
	return email.String, nil
}

// GetPushToken returns the user's device push token, or empty when unset.
func (s *Store) GetPushToken(ctx context.Context, userID int64) (string, error) {
	query := s.rebind(`SELECT push_token FROM users WHERE id = ? AND deleted_at IS NULL`)
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get push token for user %d: %w", userID, err)
	}
	return token.String, nil
}
