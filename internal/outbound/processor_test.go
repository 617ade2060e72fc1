package outbound

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ottolabs/otto/internal/store"
)

type sentText struct {
	chatID int64
	text   string
}

// fakeTransport records sends and fails while failures > 0.
type fakeTransport struct {
	texts    []sentText
	docs     []MediaOptions
	photos   []MediaOptions
	failures int
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("telegram: 502")
	}
	f.texts = append(f.texts, sentText{chatID, text})
	return nil
}

func (f *fakeTransport) SendDocument(ctx context.Context, chatID int64, opts MediaOptions) error {
	f.docs = append(f.docs, opts)
	return nil
}

func (f *fakeTransport) SendPhoto(ctx context.Context, chatID int64, opts MediaOptions) error {
	f.photos = append(f.photos, opts)
	return nil
}

func testProcessor(t *testing.T, tr Transport, retry RetryPolicy) (*Processor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "otto.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewProcessor(st.Outbound, st.Profile, st.Jobs, tr, retry, time.Second), st
}

func TestDrainDeliversDueText(t *testing.T) {
	tr := &fakeTransport{}
	p, st := testProcessor(t, tr, DefaultRetryPolicy)
	ctx := context.Background()

	msg := NewText(42, "hello there", store.PriorityNormal, "", 100)
	if err := st.Outbound.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	future := NewText(42, "not yet", store.PriorityNormal, "", 100)
	future.NextAttemptAt = 10_000
	if err := st.Outbound.Enqueue(ctx, future); err != nil {
		t.Fatalf("enqueue future: %v", err)
	}

	if err := p.DrainDueMessages(ctx, 1000); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(tr.texts) != 1 || tr.texts[0].text != "hello there" || tr.texts[0].chatID != 42 {
		t.Fatalf("sends = %+v", tr.texts)
	}
	got, err := st.Outbound.GetByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.OutboundSent || got.AttemptCount != 1 {
		t.Fatalf("record = %+v", got)
	}
	if got.SentAt == nil || *got.SentAt != 1000 {
		t.Errorf("sent_at = %v", got.SentAt)
	}
	held, _ := st.Outbound.GetByID(ctx, future.ID)
	if held.Status != store.OutboundQueued || held.AttemptCount != 0 {
		t.Errorf("future record touched: %+v", held)
	}
}

func TestDrainRetriesThenFails(t *testing.T) {
	tr := &fakeTransport{failures: 10}
	retry := RetryPolicy{MaxAttempts: 2, BaseDelayMs: 30_000, MaxDelayMs: 60_000}
	p, st := testProcessor(t, tr, retry)
	ctx := context.Background()

	msg := NewText(42, "flaky", store.PriorityNormal, "", 100)
	if err := st.Outbound.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := p.DrainDueMessages(ctx, 1000); err != nil {
		t.Fatalf("first drain: %v", err)
	}
	got, _ := st.Outbound.GetByID(ctx, msg.ID)
	if got.Status != store.OutboundQueued || got.AttemptCount != 1 {
		t.Fatalf("after first attempt: %+v", got)
	}
	if got.NextAttemptAt != 1000+30_000 {
		t.Errorf("next_attempt_at = %d, want backoff", got.NextAttemptAt)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "502") {
		t.Errorf("error = %v", got.ErrorMessage)
	}

	// Second failure exhausts MaxAttempts.
	if err := p.DrainDueMessages(ctx, got.NextAttemptAt); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	got, _ = st.Outbound.GetByID(ctx, msg.ID)
	if got.Status != store.OutboundFailed || got.AttemptCount != 2 {
		t.Fatalf("after exhaustion: %+v", got)
	}
}

func TestDrainSuppressesWhileMuted(t *testing.T) {
	tr := &fakeTransport{}
	p, st := testProcessor(t, tr, DefaultRetryPolicy)
	ctx := context.Background()

	muteUntil := int64(9_000_000)
	if err := st.Profile.SetMuteUntil(ctx, &muteUntil, 100); err != nil {
		t.Fatalf("mute: %v", err)
	}

	normal := NewText(42, "routine update", store.PriorityNormal, "", 100)
	urgent := NewText(42, "disk on fire", store.PriorityHigh, "", 100)
	for _, m := range []*store.OutboundMessage{normal, urgent} {
		if err := st.Outbound.Enqueue(ctx, m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := p.DrainDueMessages(ctx, 1000); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// High priority bypasses the mute, normal is held until it lifts.
	if len(tr.texts) != 1 || tr.texts[0].text != "disk on fire" {
		t.Fatalf("sends = %+v", tr.texts)
	}
	got, _ := st.Outbound.GetByID(ctx, normal.ID)
	if got.Status != store.OutboundQueued {
		t.Fatalf("suppressed record = %+v", got)
	}
	if got.NextAttemptAt != muteUntil {
		t.Errorf("release at %d, want mute end %d", got.NextAttemptAt, muteUntil)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != SuppressedPrefix+"muted" {
		t.Errorf("error = %v", got.ErrorMessage)
	}
}

func TestDrainReleasesSuppressedAsDigest(t *testing.T) {
	tr := &fakeTransport{}
	p, st := testProcessor(t, tr, DefaultRetryPolicy)
	ctx := context.Background()

	// Two messages previously held by policy, due again with the gate open.
	for i, text := range []string{"held one", "held two"} {
		m := NewText(42, text, store.PriorityNormal, "", 100)
		if err := st.Outbound.Enqueue(ctx, m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		err := st.Outbound.MarkRetry(ctx, m.ID, i+1, 500, SuppressedPrefix+"quiet_hours", 200)
		if err != nil {
			t.Fatalf("mark suppressed: %v", err)
		}
	}
	fresh := NewText(42, "fresh message", store.PriorityNormal, "", 100)
	if err := st.Outbound.Enqueue(ctx, fresh); err != nil {
		t.Fatalf("enqueue fresh: %v", err)
	}

	if err := p.DrainDueMessages(ctx, 1000); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// One digest plus the fresh message, never the stale bodies.
	if len(tr.texts) != 2 {
		t.Fatalf("sends = %+v", tr.texts)
	}
	digest := tr.texts[0].text
	if !strings.Contains(digest, "2 held notification(s)") {
		t.Errorf("digest = %q", digest)
	}
	for _, s := range tr.texts {
		if s.text == "held one" || s.text == "held two" {
			t.Errorf("stale body sent verbatim: %q", s.text)
		}
	}

	due, _ := st.Outbound.ListDue(ctx, 10_000_000)
	if len(due) != 0 {
		t.Errorf("records still due after digest: %+v", due)
	}
	record, _ := st.Profile.Get(ctx)
	if record == nil || record.LastDigestAt == nil || *record.LastDigestAt != 1000 {
		t.Errorf("last_digest_at not advanced: %+v", record)
	}
}

func TestDrainDigestSendFailureKeepsRecords(t *testing.T) {
	tr := &fakeTransport{failures: 1}
	p, st := testProcessor(t, tr, DefaultRetryPolicy)
	ctx := context.Background()

	m := NewText(42, "held", store.PriorityNormal, "", 100)
	if err := st.Outbound.Enqueue(ctx, m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.Outbound.MarkRetry(ctx, m.ID, 1, 500, SuppressedPrefix+"muted", 200); err != nil {
		t.Fatalf("mark suppressed: %v", err)
	}

	if err := p.DrainDueMessages(ctx, 1000); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// The digest send failed, so the record falls through to the normal
	// path on this drain and keeps retrying.
	got, _ := st.Outbound.GetByID(ctx, m.ID)
	if got.Status == store.OutboundFailed {
		t.Fatalf("record failed terminally: %+v", got)
	}
}

func TestCompileDigest(t *testing.T) {
	msg := "boom"
	recent := []*store.RunWithType{
		{Run: store.Run{ID: "1", Status: store.RunSuccess}, JobType: "reminder"},
		{Run: store.Run{ID: "2", Status: store.RunFailed, ErrorMessage: &msg}, JobType: "reminder"},
		{Run: store.Run{ID: "3", Status: store.RunSkipped}, JobType: "briefing"},
		{Run: store.Run{ID: "4", Status: store.RunSuccess}, JobType: "heartbeat"},
	}

	text := compileDigest(recent)
	if !strings.Contains(text, "3 task run(s): 1 ok, 1 failed, 1 skipped.") {
		t.Errorf("digest = %q", text)
	}
	if !strings.Contains(text, "reminder (2)") {
		t.Errorf("digest = %q, want type breakdown", text)
	}
	if !strings.Contains(text, "- reminder: boom") {
		t.Errorf("digest = %q, want error line", text)
	}
	if strings.Contains(text, "heartbeat") {
		t.Errorf("digest includes heartbeat noise: %q", text)
	}

	if got := compileDigest(nil); !strings.Contains(got, "No task activity.") {
		t.Errorf("empty digest = %q", got)
	}
}

func TestSplitText(t *testing.T) {
	if got := SplitText("short", 4096); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short split = %+v", got)
	}

	// Prefer the newline boundary in the back half of the chunk.
	content := strings.Repeat("a", 70) + "\n" + strings.Repeat("b", 50)
	got := SplitText(content, 100)
	if len(got) != 2 {
		t.Fatalf("split = %d chunks", len(got))
	}
	if !strings.HasSuffix(got[0], "\n") || len(got[0]) != 71 {
		t.Errorf("first chunk = %q", got[0])
	}

	// No usable newline: hard cut at the limit.
	got = SplitText(strings.Repeat("x", 250), 100)
	if len(got) != 3 || len(got[0]) != 100 || len(got[2]) != 50 {
		t.Errorf("hard split = %v", []int{len(got[0]), len(got[1]), len(got[2])})
	}
}

func TestSplitTextNeverCutsMidRune(t *testing.T) {
	// 3-byte runes, no newlines: a byte-count cut at 4096 would land
	// mid-rune and yield chunks Telegram rejects.
	content := strings.Repeat("日", 2000)
	chunks := SplitText(content, TextChunkLimit)
	if len(chunks) < 2 {
		t.Fatalf("split = %d chunks, want multiple", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > TextChunkLimit {
			t.Errorf("chunk %d is %d bytes, over the limit", i, len(chunk))
		}
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
	}
	if strings.Join(chunks, "") != content {
		t.Error("chunks do not reassemble the original content")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 8, BaseDelayMs: 30_000, MaxDelayMs: 240_000}
	tests := []struct {
		attempt int
		want    int64
	}{
		{0, 30_000}, // clamped to attempt 1
		{1, 30_000},
		{2, 60_000},
		{3, 120_000},
		{4, 240_000},
		{9, 240_000}, // capped
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}
