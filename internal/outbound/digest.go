package outbound

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/policy"
	"github.com/ottolabs/otto/internal/store"
)

const digestLookbackMs = 24 * 60 * 60 * 1000

// releaseSuppressed handles due records whose last attempt was held by
// policy. When the gate is open again they are released as one digest per
// chat instead of a burst of stale messages. Returns the set of record ids
// already handled.
func (p *Processor) releaseSuppressed(ctx context.Context, due []*store.OutboundMessage, profile policy.EffectiveProfile, gateNow policy.GateDecision, now int64) map[string]struct{} {
	handled := make(map[string]struct{})

	if p.jobs == nil || gateNow.Action != policy.DeliverNow {
		return handled
	}

	byChat := make(map[int64][]*store.OutboundMessage)
	for _, m := range due {
		if isSuppressed(m) {
			byChat[m.ChatID] = append(byChat[m.ChatID], m)
		}
	}
	if len(byChat) == 0 {
		return handled
	}

	since := profile.LastDigestAt
	if since == 0 {
		since = now - digestLookbackMs
	}
	recent, err := p.jobs.ListRecentRuns(ctx, since, 200)
	if err != nil {
		logs.CtxWarn(ctx, "[outbound] digest history unavailable: %v", err)
		return handled
	}

	text := compileDigest(recent)

	chatIDs := make([]int64, 0, len(byChat))
	for chatID := range byChat {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })

	for _, chatID := range chatIDs {
		msgs := byChat[chatID]
		body := fmt.Sprintf("%s\n\n(%d held notification(s) were consolidated into this digest.)", text, len(msgs))
		if err := p.transport.SendMessage(ctx, chatID, body); err != nil {
			logs.CtxWarn(ctx, "[outbound] digest send to %d failed: %v", chatID, err)
			continue // suppressed records stay due and retry normally
		}
		for _, m := range msgs {
			if err := p.outbound.MarkSent(ctx, m.ID, m.AttemptCount+1, now); err != nil {
				logs.CtxWarn(ctx, "[outbound] mark digest-sent %s: %v", m.ID, err)
			}
			handled[m.ID] = struct{}{}
		}
	}

	if len(handled) > 0 {
		if err := p.profiles.SetLastDigestAt(ctx, now, now); err != nil {
			logs.CtxWarn(ctx, "[outbound] set last_digest_at: %v", err)
		}
		logs.CtxInfo(ctx, "[outbound] released %d suppressed message(s) as digest", len(handled))
	}
	return handled
}

// compileDigest summarizes recent run history, excluding heartbeat noise.
func compileDigest(recent []*store.RunWithType) string {
	var total, succeeded, failed, skipped int
	byType := make(map[string]int)
	var errorLines []string

	for _, r := range recent {
		if r.JobType == "heartbeat" {
			continue
		}
		total++
		byType[r.JobType]++
		switch r.Status {
		case store.RunSuccess:
			succeeded++
		case store.RunFailed:
			failed++
			if len(errorLines) < 3 && r.ErrorMessage != nil {
				errorLines = append(errorLines, fmt.Sprintf("- %s: %s", r.JobType, *r.ErrorMessage))
			}
		case store.RunSkipped:
			skipped++
		}
	}

	var b strings.Builder
	b.WriteString("While notifications were paused:\n")
	if total == 0 {
		b.WriteString("No task activity.")
		return b.String()
	}

	fmt.Fprintf(&b, "%d task run(s): %d ok, %d failed, %d skipped.", total, succeeded, failed, skipped)
	if top := topTypes(byType, 3); len(top) > 0 {
		fmt.Fprintf(&b, "\nMost active: %s.", strings.Join(top, ", "))
	}
	if len(errorLines) > 0 {
		b.WriteString("\nRecent errors:\n")
		b.WriteString(strings.Join(errorLines, "\n"))
	}
	return b.String()
}

// topTypes returns the n most frequent type names, count-descending.
func topTypes(byType map[string]int, n int) []string {
	type kv struct {
		name  string
		count int
	}
	sorted := make([]kv, 0, len(byType))
	for name, count := range byType {
		sorted = append(sorted, kv{name, count})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].name < sorted[j].name
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]string, len(sorted))
	for i, s := range sorted {
		out[i] = fmt.Sprintf("%s (%d)", s.name, s.count)
	}
	return out
}
