package models

import (
	"strings"
	"time"
)

// Monitor item types. open_port_tcp_then_valid is a legacy alias of tcp.
const (
	TypePingWeb    = "ping_web"
	TypePingICMP   = "ping_icmp"
	TypeTCP        = "tcp"
	TypeTCPValid   = "open_port_tcp_then_valid"
	TypeTCPError   = "open_port_tcp_then_error"
	TypeSSLExpired = "ssl_expired_check"
	TypeWebContent = "web_content"
)

// Last-check status values persisted on monitor_items.
const (
	StatusOK   = 1
	StatusFail = -1
)

// DefaultCheckInterval applies when check_interval_seconds is null or <= 0.
const DefaultCheckInterval = 300

// MonitorItem is one probe definition: target, method and cadence.
type MonitorItem struct {
	ID                   int64      `json:"id"`
	Name                 string     `json:"name"`
	Enable               bool       `json:"enable"`
	URLCheck             string     `json:"urlCheck"`
	Type                 string     `json:"type"`
	CheckIntervalSeconds int        `json:"checkIntervalSeconds"`
	UserID               int64      `json:"userId"`
	LastCheckStatus      *int       `json:"lastCheckStatus"` // nil = never checked
	CountOnline          int64      `json:"countOnline"`
	CountOffline         int64      `json:"countOffline"`
	LastCheckTime        *time.Time `json:"lastCheckTime"`
	ResultValid          string     `json:"resultValid"` // comma-separated required substrings
	ResultError          string     `json:"resultError"` // comma-separated forbidden substrings
	MaxAlertCount        int        `json:"maxAlertCount"`
	StopTo               *time.Time `json:"stopTo"`
	ForceRestart         bool       `json:"forceRestart"`
	AllowRepeatAlerts    bool       `json:"allowRepeatAlerts"` // allow_alert_for_consecutive_error = 1
	DeletedAt            *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// Interval returns the effective probe cadence, applying the default and
// the 1-second floor.
func (m *MonitorItem) Interval() time.Duration {
	secs := m.CheckIntervalSeconds
	if secs <= 0 {
		secs = DefaultCheckInterval
	}
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Paused reports whether stopTo is set and still in the future. A stopTo
// equal to now is not paused.
func (m *MonitorItem) Paused(now time.Time) bool {
	return m.StopTo != nil && m.StopTo.After(now)
}

// ConfigKey captures every field whose edit must restart the monitor loop.
// Two items with equal keys are interchangeable from the loop's view.
type ConfigKey struct {
	Enable        bool
	Name          string
	UserID        int64
	URLCheck      string
	Type          string
	MaxAlertCount int
	Interval      int
	ResultValid   string
	ResultError   string
	StopTo        int64
	ForceRestart  bool
}

// Key returns the tracked-field snapshot for config-change detection.
func (m *MonitorItem) Key() ConfigKey {
	var stopTo int64
	if m.StopTo != nil {
		stopTo = m.StopTo.Unix()
	}
	return ConfigKey{
		Enable:        m.Enable,
		Name:          m.Name,
		UserID:        m.UserID,
		URLCheck:      m.URLCheck,
		Type:          m.Type,
		MaxAlertCount: m.MaxAlertCount,
		Interval:      m.CheckIntervalSeconds,
		ResultValid:   m.ResultValid,
		ResultError:   m.ResultError,
		StopTo:        stopTo,
		ForceRestart:  m.ForceRestart,
	}
}

// Alert channel identifiers shared by the alert registry and dispatchers.
const (
	ChannelChat    = "chat"
	ChannelWebhook = "webhook"
	ChannelPush    = "push"
	ChannelEmail   = "email"
)

// AlertConfig is one configured notification target.
type AlertConfig struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	UserID      int64      `json:"userId"`
	Status      int        `json:"status"`
	AlertType   string     `json:"alertType"`   // telegram, webhook, email
	AlertConfig string     `json:"alertConfig"` // type-dependent opaque string
	DeletedAt   *time.Time `json:"-"`
}

// MonitorSettings carries the per-user alert window policy.
type MonitorSettings struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"userId"`
	Status          int        `json:"status"`
	AlertTimeRanges string     `json:"alertTimeRanges"` // "HH:MM-HH:MM,HH:MM-HH:MM"
	Timezone        string     `json:"timezone"`        // numeric UTC offset or IANA name
	GlobalStopTo    *time.Time `json:"globalStopAlertTo"`
}

// User is the minimal owner record for a monitor item.
type User struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	PushToken string     `json:"pushToken"`
	DeletedAt *time.Time `json:"-"`
}

// SplitKeywords splits a comma-separated keyword column, trimming
// whitespace and dropping empty entries. An empty column yields nil.
func SplitKeywords(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
