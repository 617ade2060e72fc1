// Package scheduler runs the cooperative tick loop that claims due jobs
// under a lease and hands them to the executor one at a time.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/pkg/metrics"
	"github.com/ottolabs/otto/internal/store"
)

// Executor runs one claimed job. The job carries the tick's lock token.
type Executor interface {
	ExecuteClaimedJob(ctx context.Context, job *store.Job) error
}

type kernelState int

const (
	stateIdle kernelState = iota
	stateTicking
	stateStopped
)

// Kernel is the single scheduler ticker. Overlapping ticks coalesce;
// stopping is one-way.
type Kernel struct {
	jobs     *store.JobsRepo
	executor Executor
	cfg      config.SchedulerConfig
	now      func() int64

	mu    sync.Mutex
	state kernelState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewKernel wires the ticker. executor may be nil; claimed jobs are then
// released immediately.
func NewKernel(jobs *store.JobsRepo, executor Executor, cfg config.SchedulerConfig) *Kernel {
	return &Kernel{
		jobs:     jobs,
		executor: executor,
		cfg:      cfg,
		now:      func() int64 { return time.Now().UnixMilli() },
		state:    stateIdle,
	}
}

// Start launches the tick loop. A disabled config makes Start a no-op.
func (k *Kernel) Start(ctx context.Context) {
	if !k.cfg.Enabled {
		logs.CtxInfo(ctx, "[scheduler] disabled by config")
		return
	}

	ctx, k.cancel = context.WithCancel(ctx)
	k.done = make(chan struct{})

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(time.Duration(k.cfg.TickMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.RunTick(ctx)
			}
		}
	}()
	logs.CtxInfo(ctx, "[scheduler] started (tick=%dms, batch=%d, lease=%dms)",
		k.cfg.TickMs, k.cfg.BatchSize, k.cfg.LockLeaseMs)
}

// Stop ends the loop permanently and waits for an in-flight tick.
func (k *Kernel) Stop(ctx context.Context) {
	k.mu.Lock()
	k.state = stateStopped
	k.mu.Unlock()

	if k.cancel != nil {
		k.cancel()
	}
	if k.done != nil {
		select {
		case <-k.done:
		case <-ctx.Done():
			logs.CtxWarn(ctx, "[scheduler] stop timed out waiting for tick")
		}
	}
}

// RunTick claims one batch of due jobs and executes them sequentially. A
// tick that starts while the previous one is still running is skipped.
func (k *Kernel) RunTick(ctx context.Context) {
	k.mu.Lock()
	if k.state != stateIdle {
		k.mu.Unlock()
		return
	}
	k.state = stateTicking
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		if k.state == stateTicking {
			k.state = stateIdle
		}
		k.mu.Unlock()
	}()

	metrics.SchedulerTicks.Inc()
	now := k.now()
	lockToken := uuid.NewString()

	claimed, err := k.jobs.ClaimDue(ctx, now, k.cfg.BatchSize, lockToken, k.cfg.LockLeaseMs, now)
	if err != nil {
		logs.CtxError(ctx, "[scheduler] claim due: %v", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	metrics.SchedulerClaims.Add(float64(len(claimed)))
	logs.CtxInfo(ctx, "[scheduler] claimed %d job(s)", len(claimed))

	for _, job := range claimed {
		if k.executor == nil {
			k.release(ctx, job, lockToken)
			continue
		}
		if err := k.executor.ExecuteClaimedJob(ctx, job); err != nil {
			logs.CtxError(ctx, "[scheduler] execute %s: %v", job.ID, err)
			k.release(ctx, job, lockToken)
		}
	}
}

func (k *Kernel) release(ctx context.Context, job *store.Job, lockToken string) {
	if err := k.jobs.ReleaseLock(ctx, job.ID, lockToken, k.now()); err != nil {
		logs.CtxWarn(ctx, "[scheduler] release lock on %s: %v", job.ID, err)
	}
}
