package api

import (
	"testing"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
)

func TestParseLane(t *testing.T) {
	if lane, err := parseLane(""); err != nil || lane != LaneInteractive {
		t.Errorf("empty lane = %q, %v", lane, err)
	}
	if lane, err := parseLane("scheduled"); err != nil || lane != LaneScheduled {
		t.Errorf("scheduled lane = %q, %v", lane, err)
	}
	if _, err := parseLane("batch"); oerr.CodeOf(err) != oerr.CodeInvalidRequest {
		t.Errorf("unknown lane err = %v", err)
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := parsePriority(""); err != nil || p != store.PriorityNormal {
		t.Errorf("default priority = %q, %v", p, err)
	}
	for _, raw := range []string{"low", "normal", "high", "critical"} {
		if p, err := parsePriority(raw); err != nil || string(p) != raw {
			t.Errorf("parsePriority(%q) = %q, %v", raw, p, err)
		}
	}
	if _, err := parsePriority("urgent"); oerr.CodeOf(err) != oerr.CodeInvalidRequest {
		t.Errorf("unknown priority err = %v", err)
	}
}

func TestLaneAndTypeGuards(t *testing.T) {
	if err := requireMutableLane(LaneInteractive); err != nil {
		t.Errorf("interactive lane rejected: %v", err)
	}
	if err := requireMutableLane(LaneScheduled); oerr.CodeOf(err) != oerr.CodeLaneForbidden {
		t.Errorf("scheduled lane err = %v", err)
	}

	if err := requireUserType("reminder"); err != nil {
		t.Errorf("user type rejected: %v", err)
	}
	for _, jobType := range []string{"heartbeat", "watchdog_failures", "interactive_background_oneshot"} {
		if err := requireUserType(jobType); oerr.CodeOf(err) != oerr.CodeForbiddenMutation {
			t.Errorf("requireUserType(%q) err = %v", jobType, err)
		}
	}
}
