// Package watchdog inspects recent run history for failure bursts and
// enqueues a deduplicated high-priority alert when a threshold is crossed.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/pkg/utils"
	"github.com/ottolabs/otto/internal/store"
)

// Params bound what the failure check examines and whether it notifies.
type Params struct {
	LookbackMinutes  int64
	Threshold        int
	MaxFailures      int
	Notify           bool
	ChatID           int64 // 0 when unset; falls back to the checker default
	ExcludeTaskTypes []string
}

// DefaultParams are applied for fields a payload leaves unset.
var DefaultParams = Params{
	LookbackMinutes: 120,
	Threshold:       3,
	MaxFailures:     50,
	Notify:          true,
}

// NotificationStatus is the alert disposition of one check.
type NotificationStatus string

const (
	NotifyEnqueued     NotificationStatus = "enqueued"
	NotifyDuplicate    NotificationStatus = "duplicate"
	NotifyNoChatID     NotificationStatus = "no_chat_id"
	NotifyNotRequested NotificationStatus = "not_requested"
)

// Result is the outcome of one failure check.
type Result struct {
	FailedCount        int                `json:"failedCount"`
	ShouldAlert        bool               `json:"shouldAlert"`
	NotificationStatus NotificationStatus `json:"notificationStatus"`
}

// payload is the accepted job-payload shape; missing fields default, and a
// notify field absent from the JSON keeps the helper's notify-by-default.
type payload struct {
	LookbackMinutes  *int64   `json:"lookbackMinutes"`
	Threshold        *int     `json:"threshold"`
	MaxFailures      *int     `json:"maxFailures"`
	Notify           *bool    `json:"notify"`
	ChatID           *int64   `json:"chatId"`
	ExcludeTaskTypes []string `json:"excludeTaskTypes"`
}

// ParseParams validates a watchdog job payload, defaulting missing fields.
// An empty payload yields DefaultParams.
func ParseParams(raw string) (Params, error) {
	p := DefaultParams
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return p, nil
	}

	var in payload
	if err := sonic.Unmarshal([]byte(trimmed), &in); err != nil {
		return p, oerr.E(oerr.CodeInvalidWatchdogPayload, "watchdog payload is not valid JSON: %v", err)
	}
	if in.LookbackMinutes != nil {
		if *in.LookbackMinutes < 5 || *in.LookbackMinutes > 1440 {
			return p, oerr.E(oerr.CodeInvalidWatchdogPayload, "lookbackMinutes %d out of range [5, 1440]", *in.LookbackMinutes)
		}
		p.LookbackMinutes = *in.LookbackMinutes
	}
	if in.Threshold != nil {
		if *in.Threshold < 1 || *in.Threshold > 50 {
			return p, oerr.E(oerr.CodeInvalidWatchdogPayload, "threshold %d out of range [1, 50]", *in.Threshold)
		}
		p.Threshold = *in.Threshold
	}
	if in.MaxFailures != nil {
		if *in.MaxFailures < 1 || *in.MaxFailures > 200 {
			return p, oerr.E(oerr.CodeInvalidWatchdogPayload, "maxFailures %d out of range [1, 200]", *in.MaxFailures)
		}
		p.MaxFailures = *in.MaxFailures
	}
	if in.Notify != nil {
		p.Notify = *in.Notify
	}
	if in.ChatID != nil {
		p.ChatID = *in.ChatID
	}
	p.ExcludeTaskTypes = in.ExcludeTaskTypes
	return p, nil
}

// Checker runs the failure check against the run history.
type Checker struct {
	jobs          *store.JobsRepo
	outboundRepo  *store.OutboundRepo
	defaultChatID int64
}

// NewChecker wires a checker. defaultChatID may be 0 when no fallback chat
// is configured.
func NewChecker(jobs *store.JobsRepo, outboundRepo *store.OutboundRepo, defaultChatID int64) *Checker {
	return &Checker{jobs: jobs, outboundRepo: outboundRepo, defaultChatID: defaultChatID}
}

// CheckTaskFailures counts failed runs in the lookback window and, when the
// threshold is crossed and notification is requested, enqueues one alert per
// lookback bucket and failure signature.
func (c *Checker) CheckTaskFailures(ctx context.Context, params Params, now int64) (*Result, error) {
	since := now - params.LookbackMinutes*60_000
	rows, err := c.jobs.ListRecentFailedRuns(ctx, since, params.MaxFailures)
	if err != nil {
		return nil, fmt.Errorf("list recent failed runs: %w", err)
	}
	if len(params.ExcludeTaskTypes) > 0 {
		rows = excludeByType(ctx, c.jobs, rows, params.ExcludeTaskTypes)
	}

	res := &Result{
		FailedCount:        len(rows),
		ShouldAlert:        len(rows) >= params.Threshold,
		NotificationStatus: NotifyNotRequested,
	}
	if !params.Notify || !res.ShouldAlert {
		return res, nil
	}

	chatID := params.ChatID
	if chatID == 0 {
		chatID = c.defaultChatID
	}
	if chatID == 0 {
		res.NotificationStatus = NotifyNoChatID
		return res, nil
	}

	key := alertDedupeKey(since, params.LookbackMinutes, rows)
	msg := outbound.NewText(chatID, composeAlert(rows), store.PriorityHigh, key, now)
	enq, err := c.outboundRepo.EnqueueOrIgnoreDedupe(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("enqueue watchdog alert: %w", err)
	}
	if enq == store.Duplicate {
		res.NotificationStatus = NotifyDuplicate
	} else {
		res.NotificationStatus = NotifyEnqueued
	}
	logs.CtxInfo(ctx, "[watchdog] %d failed run(s) since %d, alert %s", len(rows), since, res.NotificationStatus)
	return res, nil
}

// alertDedupeKey fingerprints the lookback bucket plus the set of failing
// runs, so an unchanged failure picture alerts once per bucket.
func alertDedupeKey(since, lookbackMinutes int64, rows []*store.Run) string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	sort.Strings(ids)
	signature := strings.Join(ids, ",")
	bucket := since / (lookbackMinutes * 60_000)
	return "watchdog:" + utils.Sha16(fmt.Sprintf("%d:%s", bucket, signature))
}

// composeAlert summarizes the failures: count, top job ids and the first
// error messages.
func composeAlert(rows []*store.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task watchdog: %d failed run(s) detected.", len(rows))

	byJob := make(map[string]int)
	for _, r := range rows {
		byJob[r.JobID]++
	}
	jobs := make([]string, 0, len(byJob))
	for id := range byJob {
		jobs = append(jobs, id)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if byJob[jobs[i]] != byJob[jobs[j]] {
			return byJob[jobs[i]] > byJob[jobs[j]]
		}
		return jobs[i] < jobs[j]
	})
	if len(jobs) > 3 {
		jobs = jobs[:3]
	}
	if len(jobs) > 0 {
		parts := make([]string, len(jobs))
		for i, id := range jobs {
			parts[i] = fmt.Sprintf("%s (%d)", id, byJob[id])
		}
		fmt.Fprintf(&b, "\nMost affected: %s.", strings.Join(parts, ", "))
	}

	var errs []string
	for _, r := range rows {
		if r.ErrorMessage != nil && len(errs) < 3 {
			errs = append(errs, "- "+*r.ErrorMessage)
		}
	}
	if len(errs) > 0 {
		b.WriteString("\nErrors:\n")
		b.WriteString(strings.Join(errs, "\n"))
	}
	return b.String()
}

// excludeByType drops failed runs whose job type is in the exclusion list.
// Job lookups are best-effort; a missing job keeps the run counted.
func excludeByType(ctx context.Context, jobs *store.JobsRepo, rows []*store.Run, exclude []string) []*store.Run {
	skip := make(map[string]bool, len(exclude))
	for _, t := range exclude {
		skip[t] = true
	}

	typeByJob := make(map[string]string)
	out := rows[:0]
	for _, r := range rows {
		jt, ok := typeByJob[r.JobID]
		if !ok {
			if j, err := jobs.GetByID(ctx, r.JobID); err == nil {
				jt = j.Type
			}
			typeByJob[r.JobID] = jt
		}
		if skip[jt] {
			continue
		}
		out = append(out, r)
	}
	return out
}
