// Package maintenance runs the nightly retention sweep: finished runs and
// terminal outbound records older than the retention window are deleted on a
// cron schedule.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/store"
)

// cronParser accepts standard 5-field expressions (minute hour dom month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper deletes aged finished runs and terminal outbound messages.
type Sweeper struct {
	cfg      config.MaintenanceConfig
	st       *store.Store
	schedule cron.Schedule
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper validates the configured schedule and builds the sweeper.
func NewSweeper(cfg config.MaintenanceConfig, st *store.Store) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		cfg:      cfg,
		st:       st,
		schedule: schedule,
		now:      time.Now,
	}, nil
}

// Start begins the sweep loop. A disabled sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cfg.Enabled != nil && !*s.cfg.Enabled {
		logs.CtxInfo(ctx, "[maintenance] disabled, skipping retention sweeps")
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	logs.CtxInfo(ctx, "[maintenance] sweeper started (schedule=%q retention_days=%d)",
		s.cfg.Schedule, s.cfg.RetentionDays)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[maintenance] stop timed out waiting for sweep")
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep deletes everything older than the retention window. It is exposed so
// operators can trigger a sweep outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.now().UnixMilli() - int64(s.cfg.RetentionDays)*24*60*60*1000

	runs, err := s.st.Jobs.DeleteFinishedRunsBefore(ctx, cutoff)
	if err != nil {
		logs.CtxWarn(ctx, "[maintenance] sweep runs: %v", err)
	}
	outbound, err := s.st.Outbound.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		logs.CtxWarn(ctx, "[maintenance] sweep outbound: %v", err)
	}
	logs.CtxInfo(ctx, "[maintenance] sweep done (runs=%d outbound=%d cutoff=%d)", runs, outbound, cutoff)
}
