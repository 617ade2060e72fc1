package policy

import (
	"testing"

	"github.com/ottolabs/otto/internal/store"
)

func int64Ptr(v int64) *int64 { return &v }

func TestResolveEffectiveProfile_Defaults(t *testing.T) {
	p := ResolveEffectiveProfile(nil)
	if p.Timezone != DefaultTimezone {
		t.Errorf("timezone = %q, want %q", p.Timezone, DefaultTimezone)
	}
	if p.HeartbeatCadenceMinutes != DefaultHeartbeatCadenceMinutes {
		t.Errorf("cadence = %d, want %d", p.HeartbeatCadenceMinutes, DefaultHeartbeatCadenceMinutes)
	}
	if p.QuietMode != QuietCriticalOnly {
		t.Errorf("quiet mode = %q, want critical_only", p.QuietMode)
	}
	if p.Location == nil {
		t.Error("location not resolved")
	}
}

func TestResolveEffectiveProfile_InvalidTimezoneFallsBack(t *testing.T) {
	p := ResolveEffectiveProfile(&store.UserProfile{Timezone: strPtr("Mars/Olympus")})
	if p.Timezone != DefaultTimezone {
		t.Errorf("timezone = %q, want fallback %q", p.Timezone, DefaultTimezone)
	}
}

func TestResolveEffectiveProfile_CadenceFloor(t *testing.T) {
	p := ResolveEffectiveProfile(&store.UserProfile{HeartbeatCadenceMinutes: int64Ptr(10)})
	if p.HeartbeatCadenceMinutes != DefaultHeartbeatCadenceMinutes {
		t.Errorf("cadence below floor should fall back to default, got %d", p.HeartbeatCadenceMinutes)
	}
}

func TestIsProfileOnboardingComplete(t *testing.T) {
	tests := []struct {
		name   string
		record *store.UserProfile
		want   bool
	}{
		{"nil record", nil, false},
		{"explicit stamp", &store.UserProfile{OnboardingCompletedAt: int64Ptr(1)}, true},
		{
			"heuristic complete",
			&store.UserProfile{
				Timezone:        strPtr("Europe/Vienna"),
				QuietHoursStart: strPtr("22:00"),
				QuietHoursEnd:   strPtr("07:00"),
			},
			true,
		},
		{
			"missing quiet end",
			&store.UserProfile{Timezone: strPtr("Europe/Vienna"), QuietHoursStart: strPtr("22:00")},
			false,
		},
	}
	for _, tt := range tests {
		if got := IsProfileOnboardingComplete(tt.record); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"07:30", 450, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"7", 0, true},
		{"aa:bb", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseClock(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseClock(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseClock(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
