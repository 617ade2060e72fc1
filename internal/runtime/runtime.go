// Package runtime assembles the kernel: store, scheduler, task engine,
// outbound processor, maintenance sweeper and the control-plane server,
// with one Start/Stop lifecycle.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ottolabs/otto/internal/agentgw"
	"github.com/ottolabs/otto/internal/api"
	"github.com/ottolabs/otto/internal/channel/telegram"
	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/consts"
	"github.com/ottolabs/otto/internal/heartbeat"
	"github.com/ottolabs/otto/internal/maintenance"
	"github.com/ottolabs/otto/internal/outbound"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/scheduler"
	"github.com/ottolabs/otto/internal/store"
	"github.com/ottolabs/otto/internal/taskengine"
	"github.com/ottolabs/otto/internal/watchdog"
)

// Runtime owns every long-running component of the Otto process.
type Runtime struct {
	cfg *config.Config
	st  *store.Store

	gateway   agentgw.SessionGateway
	processor *outbound.Processor
	kernel    *scheduler.Kernel
	sweeper   *maintenance.Sweeper
	apiServer *api.Server

	stopOnce sync.Once
}

// New wires all components from the loaded config plus the OTTO_* and
// TELEGRAM_* environment knobs. Nothing starts until Start.
func New(cfg *config.Config) (*Runtime, error) {
	schedCfg, err := config.ResolveSchedulerConfig()
	if err != nil {
		return nil, err
	}
	apiCfg, err := config.ResolveInternalAPIConfig()
	if err != nil {
		return nil, err
	}
	defaultChatID := config.DefaultChatID()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	token, err := api.LoadOrCreateToken(consts.InternalAPITokenPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("control-plane token: %w", err)
	}

	gw := agentgw.NewHTTPGateway(
		cfg.Agent.BaseURL,
		cfg.Agent.APIKey,
		cfg.Agent.DefaultModel,
		time.Duration(cfg.Agent.PromptTimeoutMs)*time.Millisecond,
	)

	checker := watchdog.NewChecker(st.Jobs, st.Outbound, defaultChatID)
	heartbeatEngine := heartbeat.NewEngine(st.Jobs, st.Outbound, st.Profile, defaultChatID)
	engine := taskengine.NewEngine(
		st.Jobs, st.Bindings, st.Outbound,
		gw, checker, heartbeatEngine,
		taskengine.ExecConfigs{}, defaultChatID,
	)
	kernel := scheduler.NewKernel(st.Jobs, engine, schedCfg)

	transport, err := telegram.New(cfg.Telegram.Token)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("telegram transport: %w", err)
	}
	processor := outbound.NewProcessor(
		st.Outbound, st.Profile, st.Jobs, transport,
		outbound.RetryPolicy{
			MaxAttempts: cfg.Outbound.MaxAttempts,
			BaseDelayMs: cfg.Outbound.BaseDelayMs,
			MaxDelayMs:  cfg.Outbound.MaxDelayMs,
		},
		time.Duration(cfg.Outbound.PollIntervalMs)*time.Millisecond,
	)

	sweeper, err := maintenance.NewSweeper(cfg.Maintenance, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	apiServer := api.NewServer(api.Options{
		Config:        apiCfg,
		Token:         token,
		Store:         st,
		Checker:       checker,
		Sessions:      gw,
		DefaultChatID: defaultChatID,
		OutboxDir:     consts.OutboxDir(),
		HomeDir:       consts.OttoHome(),
	})

	return &Runtime{
		cfg:       cfg,
		st:        st,
		gateway:   gw,
		processor: processor,
		kernel:    kernel,
		sweeper:   sweeper,
		apiServer: apiServer,
	}, nil
}

// Start brings every component up. Stale leases from a previous crash are
// logged; their jobs become claimable once the lease expires.
func (r *Runtime) Start(ctx context.Context) error {
	now := time.Now().UnixMilli()

	if stale, err := r.st.Jobs.CountStaleLocked(ctx, now); err != nil {
		logs.CtxWarn(ctx, "[runtime] count stale leases: %v", err)
	} else if stale > 0 {
		logs.CtxInfo(ctx, "[runtime] %d job(s) hold expired leases from a previous run", stale)
	}

	if err := heartbeat.EnsureHeartbeatTask(ctx, r.st.Jobs, now); err != nil {
		return fmt.Errorf("ensure heartbeat task: %w", err)
	}

	r.processor.Start(ctx)
	r.kernel.Start(ctx)
	r.sweeper.Start(ctx)
	r.apiServer.Start(ctx)

	logs.CtxInfo(ctx, "[runtime] otto is up")
	return nil
}

// Stop shuts components down in reverse order and closes the store.
func (r *Runtime) Stop(ctx context.Context) {
	r.stopOnce.Do(func() {
		r.apiServer.Stop(ctx)
		r.kernel.Stop(ctx)
		r.sweeper.Stop(ctx)
		r.processor.Stop(ctx)
		if err := r.st.Close(); err != nil {
			logs.CtxWarn(ctx, "[runtime] close store: %v", err)
		}
		logs.CtxInfo(ctx, "[runtime] all resources stopped")
	})
}
