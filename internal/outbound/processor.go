package outbound

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/pkg/metrics"
	"github.com/ottolabs/otto/internal/policy"
	"github.com/ottolabs/otto/internal/store"
)

// SuppressedPrefix marks an outbound record whose last attempt was held by
// notification policy; the suffix is the gate reason.
const SuppressedPrefix = "suppressed_by_policy:"

// Processor drains due outbound records on a polling interval. At most one
// drain runs at a time per process.
type Processor struct {
	outbound  *store.OutboundRepo
	profiles  *store.ProfileRepo
	jobs      *store.JobsRepo // optional; nil disables the digest
	transport Transport
	retry     RetryPolicy

	pollInterval time.Duration
	draining     atomic.Bool
	now          func() int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor wires the drain loop. jobs may be nil, in which case released
// suppressed messages are delivered individually instead of digested.
func NewProcessor(outboundRepo *store.OutboundRepo, profiles *store.ProfileRepo, jobs *store.JobsRepo, transport Transport, retry RetryPolicy, pollInterval time.Duration) *Processor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Processor{
		outbound:     outboundRepo,
		profiles:     profiles,
		jobs:         jobs,
		transport:    transport,
		retry:        retry,
		pollInterval: pollInterval,
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// Start begins the polling loop.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.DrainDueMessages(ctx, p.now()); err != nil {
					logs.CtxWarn(ctx, "[outbound] drain failed: %v", err)
				}
			}
		}
	}()
	logs.CtxInfo(ctx, "[outbound] processor started (poll=%s)", p.pollInterval)
}

// Stop cancels the loop and waits for the current drain to return.
func (p *Processor) Stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		select {
		case <-p.done:
		case <-ctx.Done():
			logs.CtxWarn(ctx, "[outbound] stop timed out waiting for drain")
		}
	}
}

// DrainDueMessages delivers every due record once: digesting released
// suppressed messages, gating the rest through notification policy, then
// attempting transport delivery with retry bookkeeping. Overlapping calls
// coalesce.
func (p *Processor) DrainDueMessages(ctx context.Context, now int64) error {
	if !p.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer p.draining.Store(false)

	due, err := p.outbound.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due outbound: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	record, err := p.profiles.Get(ctx)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	profile := policy.ResolveEffectiveProfile(record)
	gateNow := policy.ResolveGateDecision(profile, policy.UrgencyNormal, now)

	handled := p.releaseSuppressed(ctx, due, profile, gateNow, now)

	for _, m := range due {
		if _, ok := handled[m.ID]; ok {
			continue
		}
		p.processOne(ctx, m, profile, now)
	}
	return nil
}

// processOne gates and delivers a single record.
func (p *Processor) processOne(ctx context.Context, m *store.OutboundMessage, profile policy.EffectiveProfile, now int64) {
	urgency := policy.UrgencyNormal
	if m.Priority == store.PriorityHigh || m.Priority == store.PriorityCritical {
		urgency = policy.UrgencyCritical
	}

	gate := policy.ResolveGateDecision(profile, urgency, now)
	if gate.Action == policy.Hold {
		releaseAt := gate.ReleaseAt
		if releaseAt == 0 {
			releaseAt = now + p.retry.BaseDelayMs
		}
		metrics.OutboundSuppressed.Inc()
		errMsg := SuppressedPrefix + string(gate.Reason)
		if err := p.outbound.MarkRetry(ctx, m.ID, m.AttemptCount+1, releaseAt, errMsg, now); err != nil {
			logs.CtxWarn(ctx, "[outbound] mark suppressed %s: %v", m.ID, err)
		}
		return
	}

	if err := p.deliver(ctx, m); err != nil {
		p.recordFailure(ctx, m, err, now)
		return
	}

	metrics.OutboundDelivered.Inc()
	if err := p.outbound.MarkSent(ctx, m.ID, m.AttemptCount+1, now); err != nil {
		logs.CtxWarn(ctx, "[outbound] mark sent %s: %v", m.ID, err)
	}
	p.cleanupMedia(ctx, m)
}

// deliver pushes one record through the transport. Text is chunked at the
// transport limit and sent in order.
func (p *Processor) deliver(ctx context.Context, m *store.OutboundMessage) error {
	switch m.Kind {
	case store.KindText:
		for _, chunk := range SplitText(m.Content, TextChunkLimit) {
			if err := p.transport.SendMessage(ctx, m.ChatID, chunk); err != nil {
				return err
			}
		}
		return nil
	case store.KindDocument, store.KindPhoto:
		if m.MediaPath == nil || *m.MediaPath == "" {
			return fmt.Errorf("media record %s has no media path", m.ID)
		}
		opts := MediaOptions{FilePath: *m.MediaPath, Caption: m.Content}
		if m.MediaFilename != nil {
			opts.Filename = *m.MediaFilename
		}
		if m.Kind == store.KindDocument {
			return p.transport.SendDocument(ctx, m.ChatID, opts)
		}
		return p.transport.SendPhoto(ctx, m.ChatID, opts)
	default:
		return fmt.Errorf("unknown outbound kind %q", m.Kind)
	}
}

func (p *Processor) recordFailure(ctx context.Context, m *store.OutboundMessage, deliverErr error, now int64) {
	attempt := m.AttemptCount + 1
	errMsg := deliverErr.Error()

	if attempt >= p.retry.MaxAttempts {
		logs.CtxError(ctx, "[outbound] giving up on %s after %d attempts: %v", m.ID, attempt, deliverErr)
		if err := p.outbound.MarkFailed(ctx, m.ID, attempt, errMsg, now); err != nil {
			logs.CtxWarn(ctx, "[outbound] mark failed %s: %v", m.ID, err)
		}
		p.cleanupMedia(ctx, m)
		return
	}

	metrics.OutboundRetried.Inc()
	next := now + p.retry.Delay(attempt)
	logs.CtxWarn(ctx, "[outbound] delivery of %s failed (attempt %d), retrying at %d: %v", m.ID, attempt, next, deliverErr)
	if err := p.outbound.MarkRetry(ctx, m.ID, attempt, next, errMsg, now); err != nil {
		logs.CtxWarn(ctx, "[outbound] mark retry %s: %v", m.ID, err)
	}
}

// cleanupMedia best-effort deletes the staged file once the record is
// terminal.
func (p *Processor) cleanupMedia(ctx context.Context, m *store.OutboundMessage) {
	if m.MediaPath == nil || *m.MediaPath == "" {
		return
	}
	if err := os.Remove(*m.MediaPath); err != nil && !os.IsNotExist(err) {
		logs.CtxWarn(ctx, "[outbound] cleanup media %s: %v", *m.MediaPath, err)
	}
}

// isSuppressed reports whether the record's last attempt was held by policy.
func isSuppressed(m *store.OutboundMessage) bool {
	return m.ErrorMessage != nil && strings.HasPrefix(*m.ErrorMessage, SuppressedPrefix)
}
