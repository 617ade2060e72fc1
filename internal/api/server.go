// Package api serves the loopback control-plane HTTP surface: outbound
// queueing, task management, notification profile, background jobs and
// audit, all behind a single bearer token.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	hzServer "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	hconsts "github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/prometheus/common/expfmt"

	"github.com/ottolabs/otto/internal/agentgw"
	"github.com/ottolabs/otto/internal/config"
	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/pkg/logs"
	"github.com/ottolabs/otto/internal/pkg/metrics"
	"github.com/ottolabs/otto/internal/store"
	"github.com/ottolabs/otto/internal/watchdog"
)

// Lane gates which callers may mutate jobs. It is a request parameter, not
// persistent state.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneScheduled   Lane = "scheduled"
)

// systemTypes are job types owned by the kernel; the control plane may not
// mutate them in any lane.
var systemTypes = map[string]bool{
	"heartbeat":                      true,
	"watchdog_failures":              true,
	"interactive_background_oneshot": true,
}

// maxStagedFileBytes bounds queue-telegram-file staging (20 MB).
const maxStagedFileBytes int64 = 20 * 1024 * 1024

// Server is the control-plane HTTP server.
type Server struct {
	cfg   config.InternalAPIConfig
	token string

	st            *store.Store
	checker       *watchdog.Checker
	sessions      agentgw.SessionController
	defaultChatID int64
	outboxDir     string
	homeDir       string

	srv *hzServer.Hertz
	now func() int64
}

// Options carries the server's collaborators.
type Options struct {
	Config        config.InternalAPIConfig
	Token         string
	Store         *store.Store
	Checker       *watchdog.Checker
	Sessions      agentgw.SessionController
	DefaultChatID int64
	OutboxDir     string
	HomeDir       string
}

// NewServer builds the server and registers all routes.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:           opts.Config,
		token:         opts.Token,
		st:            opts.Store,
		checker:       opts.Checker,
		sessions:      opts.Sessions,
		defaultChatID: opts.DefaultChatID,
		outboxDir:     opts.OutboxDir,
		homeDir:       opts.HomeDir,
		now:           func() int64 { return time.Now().UnixMilli() },
	}

	s.srv = hzServer.Default(
		hzServer.WithHostPorts(fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)),
		hzServer.WithReadTimeout(60*time.Second),
		hzServer.WithWriteTimeout(60*time.Second),
		hzServer.WithExitWaitTime(5*time.Second),
	)
	s.registerRoutes()
	return s
}

// Start serves in the background.
func (s *Server) Start(ctx context.Context) {
	go s.srv.Spin()
	logs.CtxInfo(ctx, "[api] control plane listening on %s:%d", s.cfg.Host, s.cfg.Port)
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		logs.CtxWarn(ctx, "[api] shutdown: %v", err)
	}
}

func (s *Server) registerRoutes() {
	s.srv.GET("/internal/tools/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(hconsts.StatusOK, utils.H{"status": "ok"})
	})
	s.srv.GET("/internal/metrics", s.handleMetrics)

	tools := s.srv.Group("/internal/tools", s.authMiddleware)
	tools.POST("/queue-telegram-message", s.wrap("queue-telegram-message", s.handleQueueMessage))
	tools.POST("/queue-telegram-file", s.wrap("queue-telegram-file", s.handleQueueFile))
	tools.POST("/tasks/create", s.wrap("tasks/create", s.handleTaskCreate))
	tools.POST("/tasks/update", s.wrap("tasks/update", s.handleTaskUpdate))
	tools.POST("/tasks/delete", s.wrap("tasks/delete", s.handleTaskDelete))
	tools.POST("/tasks/list", s.wrap("tasks/list", s.handleTaskList))
	tools.POST("/tasks/failures/check", s.wrap("tasks/failures/check", s.handleFailuresCheck))
	tools.POST("/tasks/audit/list", s.wrap("tasks/audit/list", s.handleAuditList))
	tools.POST("/notification-profile/get", s.wrap("notification-profile/get", s.handleProfileGet))
	tools.POST("/notification-profile/set", s.wrap("notification-profile/set", s.handleProfileSet))
	tools.POST("/background-jobs/spawn", s.wrap("background-jobs/spawn", s.handleBackgroundSpawn))
	tools.POST("/background-jobs/list", s.wrap("background-jobs/list", s.handleBackgroundList))
	tools.POST("/background-jobs/show", s.wrap("background-jobs/show", s.handleBackgroundShow))
	tools.POST("/background-jobs/cancel", s.wrap("background-jobs/cancel", s.handleBackgroundCancel))
}

// authMiddleware enforces the bearer token on every tool call.
func (s *Server) authMiddleware(ctx context.Context, c *app.RequestContext) {
	header := string(c.GetHeader("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		c.JSON(hconsts.StatusUnauthorized, utils.H{"error": string(oerr.CodeUnauthorized)})
		c.Abort()
		return
	}
	c.Next(ctx)
}

// handlerFunc is a tool endpoint: it returns the lane it ran in (for the
// command audit), the success payload, and an error carrying an oerr code.
type handlerFunc func(ctx context.Context, c *app.RequestContext) (Lane, any, error)

// wrap turns a handlerFunc into a hertz handler and records one command
// audit row per call.
func (s *Server) wrap(command string, h handlerFunc) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		lane, result, err := h(ctx, c)
		if lane == "" {
			lane = LaneInteractive
		}

		metadata, _ := c.Get(auditMetadataKey)

		if err != nil {
			code := oerr.CodeOf(err)
			status := store.CommandFailed
			if code == oerr.CodeLaneForbidden || code == oerr.CodeForbiddenMutation {
				status = store.CommandDenied
			}
			s.recordCommand(ctx, command, lane, status, metadata, err)
			s.respondError(c, err)
			return
		}

		s.recordCommand(ctx, command, lane, store.CommandSuccess, metadata, nil)
		c.JSON(hconsts.StatusOK, result)
	}
}

// auditMetadataKey lets handlers attach structured metadata to their
// command-audit row.
const auditMetadataKey = "audit_metadata"

func (s *Server) recordCommand(ctx context.Context, command string, lane Lane, status store.CommandStatus, metadata any, callErr error) {
	var errMsg *string
	if callErr != nil {
		m := callErr.Error()
		errMsg = &m
	}
	var metadataJSON *string
	if metadata != nil {
		if data, err := sonic.Marshal(metadata); err == nil {
			m := string(data)
			metadataJSON = &m
		}
	}
	a := &store.CommandAudit{
		ID:           uuid.NewString(),
		Command:      command,
		Lane:         string(lane),
		Status:       status,
		MetadataJSON: metadataJSON,
		ErrorMessage: errMsg,
		CreatedAt:    s.now(),
	}
	if err := s.st.Audit.InsertCommandAudit(ctx, a); err != nil {
		logs.CtxWarn(ctx, "[api] command audit for %s: %v", command, err)
	}
}

// respondError maps a coded error onto its HTTP status. Uncoded errors are
// logged and surfaced as internal_error.
func (s *Server) respondError(c *app.RequestContext, err error) {
	var oe *oerr.Error
	if !errors.As(err, &oe) {
		logs.Error("[api] internal error: %v", err)
		c.JSON(hconsts.StatusInternalServerError, utils.H{"error": string(oerr.CodeInternal)})
		return
	}

	body := utils.H{"error": string(oe.Code)}
	if oe.Message != "" {
		body["message"] = oe.Message
	}
	if oe.Details != nil {
		body["details"] = oe.Details
	}
	c.JSON(oerr.HTTPStatus(oe.Code), body)
}

// bindJSON decodes the request body; an empty body decodes into the zero
// request.
func bindJSON(c *app.RequestContext, out any) error {
	body, err := c.Body()
	if err != nil {
		return oerr.E(oerr.CodeInvalidRequest, "read body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return oerr.E(oerr.CodeInvalidRequest, "invalid JSON body: %v", err)
	}
	return nil
}

// handleMetrics renders the private prometheus registry in text format.
func (s *Server) handleMetrics(ctx context.Context, c *app.RequestContext) {
	mfs, err := metrics.GetRegistry().Gather()
	if err != nil {
		c.JSON(hconsts.StatusInternalServerError, utils.H{"error": string(oerr.CodeInternal)})
		return
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			c.JSON(hconsts.StatusInternalServerError, utils.H{"error": string(oerr.CodeInternal)})
			return
		}
	}
	c.Data(hconsts.StatusOK, string(expfmt.FmtText), buf.Bytes())
}

// parseLane validates the request lane, defaulting to interactive.
func parseLane(raw string) (Lane, error) {
	switch Lane(raw) {
	case "", LaneInteractive:
		return LaneInteractive, nil
	case LaneScheduled:
		return LaneScheduled, nil
	default:
		return "", oerr.E(oerr.CodeInvalidRequest, "unknown lane %q", raw)
	}
}
