package policy

import (
	"fmt"
	"time"
)

// Urgency classifies an outbound message for gating.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// GateAction says whether a message may go out now.
type GateAction string

const (
	DeliverNow GateAction = "deliver_now"
	Hold       GateAction = "hold"
)

// GateReason explains the action.
type GateReason string

const (
	ReasonAllowed        GateReason = "allowed"
	ReasonCriticalBypass GateReason = "critical_bypass"
	ReasonQuietHours     GateReason = "quiet_hours"
	ReasonMuted          GateReason = "muted"
)

// GateDecision is the outcome of a policy check. ReleaseAt is the epoch-ms
// moment a held message becomes deliverable, 0 when unknown.
type GateDecision struct {
	Action    GateAction
	Reason    GateReason
	ReleaseAt int64
}

// ResolveGateDecision applies the notification policy in order: critical
// bypass, mute, quiet hours, allow. Pure: identical inputs yield identical
// decisions.
func ResolveGateDecision(p EffectiveProfile, urgency Urgency, now int64) GateDecision {
	if urgency == UrgencyCritical {
		return GateDecision{Action: DeliverNow, Reason: ReasonCriticalBypass}
	}

	if p.MuteUntil > now {
		return GateDecision{Action: Hold, Reason: ReasonMuted, ReleaseAt: p.MuteUntil}
	}

	if p.QuietMode == QuietCriticalOnly && quietWindowActive(p, now) {
		return GateDecision{
			Action:    Hold,
			Reason:    ReasonQuietHours,
			ReleaseAt: resolveQuietReleaseAt(p, now),
		}
	}

	return GateDecision{Action: DeliverNow, Reason: ReasonAllowed}
}

// LocalClockMinutes returns minutes since local midnight at ts in loc.
func LocalClockMinutes(ts int64, loc *time.Location) int {
	t := time.UnixMilli(ts).In(loc)
	return t.Hour()*60 + t.Minute()
}

// LocalDateKey returns the local calendar date at ts as "YYYY-MM-DD", used
// for window fingerprints.
func LocalDateKey(ts int64, loc *time.Location) string {
	t := time.UnixMilli(ts).In(loc)
	return fmt.Sprintf("%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day())
}

// quietWindowActive reports whether now falls inside [start, end) local
// wall-clock; start >= end wraps midnight.
func quietWindowActive(p EffectiveProfile, now int64) bool {
	if p.QuietHoursStart == "" || p.QuietHoursEnd == "" {
		return false
	}
	start, err := ParseClock(p.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := ParseClock(p.QuietHoursEnd)
	if err != nil {
		return false
	}

	cur := LocalClockMinutes(now, p.Location)
	if start < end {
		return cur >= start && cur < end
	}
	// Wrapping window, e.g. 22:00-07:00.
	return cur >= start || cur < end
}

// quietReleaseScanLimit bounds the forward scan for the next quiet-hours
// end. 48 hours at minute granularity survives DST transitions where a
// wall-clock time occurs zero or two times in a day.
const quietReleaseScanLimit = 48 * time.Hour

// resolveQuietReleaseAt finds the next moment the local wall clock reads
// QuietHoursEnd, scanning forward minute by minute.
func resolveQuietReleaseAt(p EffectiveProfile, now int64) int64 {
	end, err := ParseClock(p.QuietHoursEnd)
	if err != nil {
		return 0
	}

	t := time.UnixMilli(now).In(p.Location).Truncate(time.Minute)
	limit := t.Add(quietReleaseScanLimit)
	for cursor := t.Add(time.Minute); !cursor.After(limit); cursor = cursor.Add(time.Minute) {
		local := cursor.In(p.Location)
		if local.Hour()*60+local.Minute() == end {
			return local.UnixMilli()
		}
	}
	return 0
}
