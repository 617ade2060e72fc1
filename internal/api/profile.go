package api

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/policy"
	"github.com/ottolabs/otto/internal/store"
)

func (s *Server) handleProfileGet(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	record, err := s.st.Profile.Get(ctx)
	if err != nil {
		return LaneInteractive, nil, err
	}
	effective := policy.ResolveEffectiveProfile(record)
	return LaneInteractive, map[string]any{
		"record":             record,
		"effectiveTimezone":  effective.Timezone,
		"onboardingComplete": policy.IsProfileOnboardingComplete(record),
	}, nil
}

// optionalString distinguishes "field absent" from "field set to null":
// absent leaves the stored value, null clears it.
type optionalString struct {
	set   bool
	value *string
}

func (o *optionalString) UnmarshalJSON(data []byte) error {
	o.set = true
	if string(data) == "null" {
		o.value = nil
		return nil
	}
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		v := s[1 : len(s)-1]
		o.value = &v
		return nil
	}
	return oerr.E(oerr.CodeInvalidRequest, "expected string or null, got %s", s)
}

type optionalInt64 struct {
	set   bool
	value *int64
}

func (o *optionalInt64) UnmarshalJSON(data []byte) error {
	o.set = true
	if string(data) == "null" {
		o.value = nil
		return nil
	}
	var v int64
	if err := sonic.Unmarshal(data, &v); err != nil {
		return oerr.E(oerr.CodeInvalidRequest, "expected integer or null")
	}
	o.value = &v
	return nil
}

type profileSetRequest struct {
	Timezone                optionalString `json:"timezone"`
	QuietHoursStart         optionalString `json:"quietHoursStart"`
	QuietHoursEnd           optionalString `json:"quietHoursEnd"`
	QuietMode               optionalString `json:"quietMode"`
	MuteUntil               optionalInt64  `json:"muteUntil"`
	MuteForMinutes          *int64         `json:"muteForMinutes"`
	HeartbeatMorning        optionalString `json:"heartbeatMorning"`
	HeartbeatMidday         optionalString `json:"heartbeatMidday"`
	HeartbeatEvening        optionalString `json:"heartbeatEvening"`
	HeartbeatCadenceMinutes optionalInt64  `json:"heartbeatCadenceMinutes"`
	HeartbeatOnlyIfSignal   *bool          `json:"heartbeatOnlyIfSignal"`
	MarkOnboardingComplete  bool           `json:"markOnboardingComplete"`
}

// maxMuteMinutes caps muteForMinutes at one week.
const maxMuteMinutes = 7 * 24 * 60

func (s *Server) handleProfileSet(ctx context.Context, c *app.RequestContext) (Lane, any, error) {
	var req profileSetRequest
	if err := bindJSON(c, &req); err != nil {
		return LaneInteractive, nil, err
	}

	record, err := s.st.Profile.Get(ctx)
	if err != nil {
		return LaneInteractive, nil, err
	}
	if record == nil {
		record = &store.UserProfile{}
	}

	var changed []string
	setClock := func(field string, opt optionalString, dst **string) error {
		if !opt.set {
			return nil
		}
		if opt.value != nil {
			if _, err := policy.ParseClock(*opt.value); err != nil {
				return oerr.E(oerr.CodeInvalidRequest, "%s must be HH:MM", field)
			}
		}
		*dst = opt.value
		changed = append(changed, field)
		return nil
	}

	if req.Timezone.set {
		if req.Timezone.value != nil && !policy.ValidTimezone(*req.Timezone.value) {
			return LaneInteractive, nil, oerr.E(oerr.CodeInvalidRequest, "timezone %q is not a valid IANA zone", *req.Timezone.value)
		}
		record.Timezone = req.Timezone.value
		changed = append(changed, "timezone")
	}
	if err := setClock("quietHoursStart", req.QuietHoursStart, &record.QuietHoursStart); err != nil {
		return LaneInteractive, nil, err
	}
	if err := setClock("quietHoursEnd", req.QuietHoursEnd, &record.QuietHoursEnd); err != nil {
		return LaneInteractive, nil, err
	}
	if req.QuietMode.set {
		if req.QuietMode.value != nil {
			switch policy.QuietMode(*req.QuietMode.value) {
			case policy.QuietCriticalOnly, policy.QuietOff:
			default:
				return LaneInteractive, nil, oerr.E(oerr.CodeInvalidRequest, "quietMode must be critical_only or off")
			}
		}
		record.QuietMode = req.QuietMode.value
		changed = append(changed, "quietMode")
	}

	now := s.now()
	switch {
	case req.MuteForMinutes != nil:
		if *req.MuteForMinutes < 1 || *req.MuteForMinutes > maxMuteMinutes {
			return LaneInteractive, nil, oerr.E(oerr.CodeInvalidRequest, "muteForMinutes out of range [1, %d]", maxMuteMinutes)
		}
		until := now + *req.MuteForMinutes*60_000
		record.MuteUntil = &until
		changed = append(changed, "muteUntil")
	case req.MuteUntil.set:
		record.MuteUntil = req.MuteUntil.value
		changed = append(changed, "muteUntil")
	}

	if err := setClock("heartbeatMorning", req.HeartbeatMorning, &record.HeartbeatMorning); err != nil {
		return LaneInteractive, nil, err
	}
	if err := setClock("heartbeatMidday", req.HeartbeatMidday, &record.HeartbeatMidday); err != nil {
		return LaneInteractive, nil, err
	}
	if err := setClock("heartbeatEvening", req.HeartbeatEvening, &record.HeartbeatEvening); err != nil {
		return LaneInteractive, nil, err
	}
	if req.HeartbeatCadenceMinutes.set {
		if req.HeartbeatCadenceMinutes.value != nil {
			v := *req.HeartbeatCadenceMinutes.value
			if v < policy.MinHeartbeatCadenceMinutes || v > 1440 {
				return LaneInteractive, nil, oerr.E(oerr.CodeInvalidRequest,
					"heartbeatCadenceMinutes out of range [%d, 1440]", policy.MinHeartbeatCadenceMinutes)
			}
		}
		record.HeartbeatCadenceMinutes = req.HeartbeatCadenceMinutes.value
		changed = append(changed, "heartbeatCadenceMinutes")
	}
	if req.HeartbeatOnlyIfSignal != nil {
		record.HeartbeatOnlyIfSignal = *req.HeartbeatOnlyIfSignal
		changed = append(changed, "heartbeatOnlyIfSignal")
	}
	if req.MarkOnboardingComplete && record.OnboardingCompletedAt == nil {
		record.OnboardingCompletedAt = &now
		changed = append(changed, "onboardingCompletedAt")
	}

	record.UpdatedAt = now
	if err := s.st.Profile.Upsert(ctx, record); err != nil {
		return LaneInteractive, nil, err
	}
	c.Set(auditMetadataKey, map[string]any{"changedFields": changed})
	return LaneInteractive, map[string]any{"status": "updated", "changedFields": changed}, nil
}
