// Package heartbeat implements the scheduled self-check that summarizes
// recent run activity and emits at most one policy-gated heartbeat per
// window or cadence bucket.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/pkg/utils"
	"github.com/ottolabs/otto/internal/policy"
	"github.com/ottolabs/otto/internal/store"
)

// SystemJobID is the well-known id of the heartbeat job.
const SystemJobID = "system-heartbeat"

// JobType is the job type the engine dispatches on.
const JobType = "heartbeat"

// tickCadenceMinutes is the job's scheduling cadence; the effective emit
// cadence comes from the user profile and is enforced in the task body.
const tickCadenceMinutes int64 = 1

// SkipReason explains why a heartbeat tick emitted nothing.
type SkipReason string

const (
	ReasonQueued         SkipReason = "queued"
	ReasonDedupe         SkipReason = "dedupe"
	ReasonOutsideCadence SkipReason = "outside_cadence"
	ReasonSignalEmpty    SkipReason = "signal_empty"
	ReasonQuietOrMuted   SkipReason = "quiet_or_muted"
	ReasonOnboarding     SkipReason = "onboarding_prompt"
)

// Result is the outcome of one heartbeat tick. Ticks always succeed; the
// reason records what happened.
type Result struct {
	Emitted bool       `json:"emitted"`
	Reason  SkipReason `json:"reason"`
	Window  string     `json:"window,omitempty"`
}

// Engine evaluates heartbeat ticks.
type Engine struct {
	jobs          *store.JobsRepo
	outboundRepo  *store.OutboundRepo
	profiles      *store.ProfileRepo
	defaultChatID int64
}

// NewEngine wires the heartbeat evaluator. defaultChatID may be 0.
func NewEngine(jobs *store.JobsRepo, outboundRepo *store.OutboundRepo, profiles *store.ProfileRepo, defaultChatID int64) *Engine {
	return &Engine{jobs: jobs, outboundRepo: outboundRepo, profiles: profiles, defaultChatID: defaultChatID}
}

// EnsureHeartbeatTask creates the system heartbeat job when it does not
// exist yet. Idempotent.
func EnsureHeartbeatTask(ctx context.Context, jobs *store.JobsRepo, now int64) error {
	if _, err := jobs.GetByID(ctx, SystemJobID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("probe heartbeat job: %w", err)
	}

	cadence := tickCadenceMinutes
	next := now
	job := &store.Job{
		ID:             SystemJobID,
		Type:           JobType,
		ScheduleKind:   store.ScheduleRecurring,
		CadenceMinutes: &cadence,
		Status:         store.JobIdle,
		NextRunAt:      &next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := jobs.CreateTask(ctx, job); err != nil {
		return fmt.Errorf("create heartbeat job: %w", err)
	}
	logs.CtxInfo(ctx, "[heartbeat] system task created")
	return nil
}

// jobPayload is the accepted heartbeat job payload.
type jobPayload struct {
	ChatID *int64 `json:"chatId"`
}

// Execute runs one heartbeat tick for the given job payload.
func (e *Engine) Execute(ctx context.Context, payloadJSON *string, now int64) (*Result, error) {
	chatID := e.defaultChatID
	if payloadJSON != nil && strings.TrimSpace(*payloadJSON) != "" {
		var p jobPayload
		if err := sonic.Unmarshal([]byte(*payloadJSON), &p); err == nil && p.ChatID != nil {
			chatID = *p.ChatID
		}
	}
	if chatID == 0 {
		return &Result{Emitted: false, Reason: ReasonSignalEmpty}, nil
	}

	record, err := e.profiles.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	profile := policy.ResolveEffectiveProfile(record)

	if !policy.IsProfileOnboardingComplete(record) {
		return e.emitOnboardingPrompt(ctx, chatID, profile, now)
	}

	window := resolveDueWindow(policy.LocalClockMinutes(now, profile.Location), profile)
	cadenceActive, bucketKey := cadenceBucketActive(now, profile.HeartbeatCadenceMinutes)
	if window == "" && !cadenceActive {
		return &Result{Emitted: false, Reason: ReasonOutsideCadence}, nil
	}

	since := now - profile.HeartbeatCadenceMinutes*60_000
	recent, err := e.jobs.ListRecentRuns(ctx, since, 100)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	recent = withoutHeartbeatRuns(recent)
	if profile.HeartbeatOnlyIfSignal && len(recent) == 0 {
		return &Result{Emitted: false, Reason: ReasonSignalEmpty}, nil
	}

	if gate := policy.ResolveGateDecision(profile, policy.UrgencyNormal, now); gate.Action == policy.Hold {
		return &Result{Emitted: false, Reason: ReasonQuietOrMuted}, nil
	}

	fingerprint := policy.LocalDateKey(now, profile.Location) + ":"
	if window != "" {
		fingerprint += window
	} else {
		fingerprint += bucketKey
	}
	key := "heartbeat:" + utils.Sha16(fmt.Sprintf("%d:%s", chatID, fingerprint))

	msg := outbound.NewText(chatID, composeSummary(recent), store.PriorityNormal, key, now)
	enq, err := e.outboundRepo.EnqueueOrIgnoreDedupe(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("enqueue heartbeat: %w", err)
	}
	if enq == store.Duplicate {
		return &Result{Emitted: false, Reason: ReasonDedupe, Window: window}, nil
	}

	// The watermark moves only when a heartbeat was actually enqueued.
	if err := e.profiles.SetLastDigestAt(ctx, now, now); err != nil {
		logs.CtxWarn(ctx, "[heartbeat] set last_digest_at: %v", err)
	}
	logs.CtxInfo(ctx, "[heartbeat] emitted (window=%q, chat=%d)", window, chatID)
	return &Result{Emitted: true, Reason: ReasonQueued, Window: window}, nil
}

// emitOnboardingPrompt nudges an unconfigured profile, at most once per
// local day.
func (e *Engine) emitOnboardingPrompt(ctx context.Context, chatID int64, profile policy.EffectiveProfile, now int64) (*Result, error) {
	tzDate := policy.LocalDateKey(now, profile.Location)
	key := "heartbeat-onboarding:" + utils.Sha16(fmt.Sprintf("%d:%s:onboarding", chatID, tzDate))

	text := "Hi! I still need a few preferences before heartbeats can be useful: " +
		"your timezone and quiet hours. Reply here or use the notification-profile tools to set them."
	msg := outbound.NewText(chatID, text, store.PriorityNormal, key, now)
	enq, err := e.outboundRepo.EnqueueOrIgnoreDedupe(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("enqueue onboarding prompt: %w", err)
	}
	if enq == store.Duplicate {
		return &Result{Emitted: false, Reason: ReasonDedupe}, nil
	}
	return &Result{Emitted: true, Reason: ReasonOnboarding}, nil
}

// resolveDueWindow returns the active heartbeat window name, or "". A window
// is active from its configured minute through the following 59 minutes.
func resolveDueWindow(nowMinutes int, profile policy.EffectiveProfile) string {
	windows := []struct {
		name  string
		clock string
	}{
		{"morning", profile.HeartbeatMorning},
		{"midday", profile.HeartbeatMidday},
		{"evening", profile.HeartbeatEvening},
	}
	for _, w := range windows {
		if w.clock == "" {
			continue
		}
		start, err := policy.ParseClock(w.clock)
		if err != nil {
			continue
		}
		delta := nowMinutes - start
		if delta < 0 {
			delta += 24 * 60
		}
		if delta < 60 {
			return w.name
		}
	}
	return ""
}

// cadenceBucketActive reports whether now sits within 1 minute of a cadence
// boundary, along with the bucket key used in the dedupe fingerprint.
func cadenceBucketActive(now, cadenceMinutes int64) (bool, string) {
	if cadenceMinutes <= 0 {
		return false, ""
	}
	cadenceMs := cadenceMinutes * 60_000
	bucket := now / cadenceMs
	offset := now % cadenceMs
	active := offset <= 60_000 || cadenceMs-offset <= 60_000
	return active, fmt.Sprintf("cadence-%d", bucket)
}

func withoutHeartbeatRuns(recent []*store.RunWithType) []*store.RunWithType {
	out := recent[:0]
	for _, r := range recent {
		if r.JobType == JobType {
			continue
		}
		out = append(out, r)
	}
	return out
}

// composeSummary builds the heartbeat text: totals by outcome, top job
// types and up to two error highlights.
func composeSummary(recent []*store.RunWithType) string {
	if len(recent) == 0 {
		return "Heartbeat: all quiet, no task activity in the last cadence window."
	}

	var succeeded, failed, skipped int
	byType := make(map[string]int)
	var errs []string
	for _, r := range recent {
		byType[r.JobType]++
		switch r.Status {
		case store.RunSuccess:
			succeeded++
		case store.RunFailed:
			failed++
			if r.ErrorMessage != nil && len(errs) < 2 {
				errs = append(errs, fmt.Sprintf("- %s: %s", r.JobType, *r.ErrorMessage))
			}
		case store.RunSkipped:
			skipped++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Heartbeat: %d run(s) recently: %d ok, %d failed, %d skipped.",
		len(recent), succeeded, failed, skipped)

	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if byType[types[i]] != byType[types[j]] {
			return byType[types[i]] > byType[types[j]]
		}
		return types[i] < types[j]
	})
	if len(types) > 3 {
		types = types[:3]
	}
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = fmt.Sprintf("%s (%d)", t, byType[t])
	}
	fmt.Fprintf(&b, "\nMost active: %s.", strings.Join(parts, ", "))

	if len(errs) > 0 {
		b.WriteString("\nRecent errors:\n")
		b.WriteString(strings.Join(errs, "\n"))
	}
	return b.String()
}
