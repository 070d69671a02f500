// Package policy answers "may we alert this user right now": global
// mutes, per-user alert windows, and the contact lookups the dispatchers
// need (email address, push token).
package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilmon/vigil/internal/models"
	"github.com/vigilmon/vigil/internal/store"
)

// offsetZones maps numeric UTC offsets to representative IANA zones.
// Settings rows predating IANA support store bare hour offsets.
var offsetZones = map[int]string{
	-8: "America/Los_Angeles",
	-5: "America/New_York",
	0:  "UTC",
	1:  "Europe/Berlin",
	3:  "Europe/Moscow",
	5:  "Asia/Karachi",
	7:  "Asia/Ho_Chi_Minh",
	8:  "Asia/Singapore",
	9:  "Asia/Tokyo",
}

// Policy resolves user alert settings from the store.
type Policy struct {
	store           *store.Store
	defaultTimezone string

	now func() time.Time
}

func New(s *store.Store, defaultTimezone string) *Policy {
	if defaultTimezone == "" {
		defaultTimezone = "UTC"
	}
	return &Policy{store: s, defaultTimezone: defaultTimezone, now: time.Now}
}

// GetSettings returns the user's alert settings, or nil when none exist.
func (p *Policy) GetSettings(ctx context.Context, userID int64) (*models.MonitorSettings, error) {
	return p.store.GetMonitorSettings(ctx, userID)
}

// GetPushToken returns the user's device token, empty when unset.
func (p *Policy) GetPushToken(ctx context.Context, userID int64) (string, error) {
	return p.store.GetPushToken(ctx, userID)
}

// GetEmail returns the user's email address, empty when unset.
func (p *Policy) GetEmail(ctx context.Context, userID int64) (string, error) {
	return p.store.GetUserEmail(ctx, userID)
}

// IsAlertTimeAllowed reports whether alerts may be sent to the user now,
// with a human-readable reason on denial. Users without settings are
// always allowed, and timezone config bugs fail open: a broken setting
// must never silence a real outage.
func (p *Policy) IsAlertTimeAllowed(ctx context.Context, userID int64) (bool, string) {
	settings, err := p.GetSettings(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("Settings lookup failed, allowing alert")
		return true, "settings lookup error, fail-open"
	}
	if settings == nil {
		return true, ""
	}

	now := p.now().UTC()

	if settings.GlobalStopTo != nil && settings.GlobalStopTo.After(now) {
		return false, fmt.Sprintf("muted until %s", settings.GlobalStopTo.UTC().Format(time.RFC3339))
	}

	ranges := strings.TrimSpace(settings.AlertTimeRanges)
	if ranges == "" {
		return true, ""
	}

	loc, err := p.resolveLocation(settings.Timezone)
	if err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Str("timezone", settings.Timezone).
			Msg("Unparseable timezone, allowing alert")
		return true, "timezone error, fail-open"
	}

	local := now.In(loc)
	hhmm := local.Format("15:04")
	if inAnyRange(hhmm, ranges) {
		return true, ""
	}
	return false, fmt.Sprintf("local time %s outside alert ranges %q", hhmm, ranges)
}

func (p *Policy) resolveLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = p.defaultTimezone
	}

	if offset, err := strconv.Atoi(tz); err == nil {
		name, ok := offsetZones[offset]
		if !ok {
			name = p.defaultTimezone
			log.Debug().Int("offset", offset).Str("fallback", name).Msg("Unknown timezone offset")
		}
		return time.LoadLocation(name)
	}
	return time.LoadLocation(tz)
}

// inAnyRange tests HH:MM membership against "HH:MM-HH:MM,..." ranges,
// inclusive at both ends. Malformed entries are skipped.
func inAnyRange(hhmm, ranges string) bool {
	for _, r := range strings.Split(ranges, ",") {
		start, end, ok := parseRange(r)
		if !ok {
			log.Debug().Str("range", r).Msg("Skipping malformed alert time range")
			continue
		}
		if hhmm >= start && hhmm <= end {
			return true
		}
	}
	return false
}

func parseRange(r string) (start, end string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(r), "-", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	start, end = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if !validHHMM(start) || !validHHMM(end) || start > end {
		return "", "", false
	}
	return start, end, true
}

func validHHMM(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil || h < 0 || h > 23 {
		return false
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil || m < 0 || m > 59 {
		return false
	}
	return true
}
