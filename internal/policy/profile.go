// Package policy implements the pure notification-policy functions:
// effective-profile resolution, gate decisions and quiet-window arithmetic
// in the user's IANA timezone.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ottolabs/otto/internal/store"
)

const (
	// DefaultTimezone is used when the profile has no valid zone.
	DefaultTimezone = "Europe/Vienna"
	// DefaultHeartbeatCadenceMinutes is the effective heartbeat cadence
	// when unset; the floor is 30 minutes.
	DefaultHeartbeatCadenceMinutes = 180
	MinHeartbeatCadenceMinutes     = 30
)

// QuietMode controls whether quiet hours hold non-critical messages.
type QuietMode string

const (
	QuietCriticalOnly QuietMode = "critical_only"
	QuietOff          QuietMode = "off"
)

// EffectiveProfile is a UserProfile overlaid with defaults. Resolution is
// deterministic for a given record.
type EffectiveProfile struct {
	Timezone                string
	Location                *time.Location
	QuietHoursStart         string // "HH:MM", empty when unset
	QuietHoursEnd           string
	QuietMode               QuietMode
	MuteUntil               int64 // 0 when unset
	HeartbeatMorning        string
	HeartbeatMidday         string
	HeartbeatEvening        string
	HeartbeatCadenceMinutes int64
	HeartbeatOnlyIfSignal   bool
	LastDigestAt            int64 // 0 when unset
}

// ResolveEffectiveProfile fills defaults and normalizes the timezone,
// falling back to the default zone when the IANA name does not resolve.
// record may be nil.
func ResolveEffectiveProfile(record *store.UserProfile) EffectiveProfile {
	p := EffectiveProfile{
		Timezone:                DefaultTimezone,
		QuietMode:               QuietCriticalOnly,
		HeartbeatCadenceMinutes: DefaultHeartbeatCadenceMinutes,
	}

	if record != nil {
		if record.Timezone != nil && strings.TrimSpace(*record.Timezone) != "" {
			p.Timezone = strings.TrimSpace(*record.Timezone)
		}
		if record.QuietHoursStart != nil && record.QuietHoursEnd != nil {
			if isClockString(*record.QuietHoursStart) && isClockString(*record.QuietHoursEnd) {
				p.QuietHoursStart = *record.QuietHoursStart
				p.QuietHoursEnd = *record.QuietHoursEnd
			}
		}
		if record.QuietMode != nil && QuietMode(*record.QuietMode) == QuietOff {
			p.QuietMode = QuietOff
		}
		if record.MuteUntil != nil {
			p.MuteUntil = *record.MuteUntil
		}
		if record.HeartbeatMorning != nil && isClockString(*record.HeartbeatMorning) {
			p.HeartbeatMorning = *record.HeartbeatMorning
		}
		if record.HeartbeatMidday != nil && isClockString(*record.HeartbeatMidday) {
			p.HeartbeatMidday = *record.HeartbeatMidday
		}
		if record.HeartbeatEvening != nil && isClockString(*record.HeartbeatEvening) {
			p.HeartbeatEvening = *record.HeartbeatEvening
		}
		if record.HeartbeatCadenceMinutes != nil && *record.HeartbeatCadenceMinutes >= MinHeartbeatCadenceMinutes {
			p.HeartbeatCadenceMinutes = *record.HeartbeatCadenceMinutes
		}
		p.HeartbeatOnlyIfSignal = record.HeartbeatOnlyIfSignal
		if record.LastDigestAt != nil {
			p.LastDigestAt = *record.LastDigestAt
		}
	}

	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		p.Timezone = DefaultTimezone
		loc, _ = time.LoadLocation(DefaultTimezone)
	}
	p.Location = loc
	return p
}

// IsProfileOnboardingComplete reports whether onboarding finished: an
// explicit completion stamp, or heuristically a configured timezone plus a
// full quiet-hours window.
func IsProfileOnboardingComplete(record *store.UserProfile) bool {
	if record == nil {
		return false
	}
	if record.OnboardingCompletedAt != nil {
		return true
	}
	return record.Timezone != nil && strings.TrimSpace(*record.Timezone) != "" &&
		record.QuietHoursStart != nil && *record.QuietHoursStart != "" &&
		record.QuietHoursEnd != nil && *record.QuietHoursEnd != ""
}

// ValidTimezone reports whether name resolves as an IANA zone.
func ValidTimezone(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// ParseClock parses "HH:MM" into minutes since local midnight.
func ParseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid clock hour %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock minute %q", s)
	}
	return h*60 + m, nil
}

func isClockString(s string) bool {
	_, err := ParseClock(s)
	return err == nil
}
