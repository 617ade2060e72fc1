// Package agentgw declares the contracts of the external agent session
// gateway. The kernel only consumes these interfaces; the concrete gateway
// (model provider, transport, timeouts) lives outside the core.
package agentgw

import "context"

// PromptOptions tunes a single prompt call.
type PromptOptions struct {
	SystemPrompt string
	Tools        []string
	Agent        string
	ModelContext ModelContext
}

// ModelContext routes model selection on the gateway side.
type ModelContext struct {
	Flow        string
	JobModelRef string
}

// SessionGateway drives agent sessions. PromptSession blocks until the
// agent's final text; the gateway enforces its own prompt timeout, which
// surfaces here as an error.
type SessionGateway interface {
	// EnsureSession returns a usable session id, reusing existingSessionID
	// when it is still alive and non-empty.
	EnsureSession(ctx context.Context, existingSessionID string) (string, error)
	PromptSession(ctx context.Context, sessionID, prompt string, opts PromptOptions) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// SessionController closes sessions outside a run, used by background-job
// cancellation.
type SessionController interface {
	CloseSession(ctx context.Context, sessionID string) error
}
