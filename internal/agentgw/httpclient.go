package agentgw

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// HTTPGateway talks to a session gateway over its local JSON API. It is the
// default SessionGateway wiring; tests substitute fakes.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

var _ SessionGateway = (*HTTPGateway)(nil)
var _ SessionController = (*HTTPGateway)(nil)

// NewHTTPGateway builds a gateway client. promptTimeout bounds a single
// prompt call end to end.
func NewHTTPGateway(baseURL, apiKey, defaultModel string, promptTimeout time.Duration) *HTTPGateway {
	if promptTimeout <= 0 {
		promptTimeout = 10 * time.Minute
	}
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   defaultModel,
		client:  &http.Client{Timeout: promptTimeout},
	}
}

func (g *HTTPGateway) EnsureSession(ctx context.Context, existingSessionID string) (string, error) {
	if existingSessionID != "" {
		return existingSessionID, nil
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := g.post(ctx, "/v1/sessions", map[string]any{"model": g.model}, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("gateway returned empty session id")
	}
	return resp.SessionID, nil
}

func (g *HTTPGateway) PromptSession(ctx context.Context, sessionID, prompt string, opts PromptOptions) (string, error) {
	req := map[string]any{
		"prompt":       prompt,
		"systemPrompt": opts.SystemPrompt,
		"tools":        opts.Tools,
		"agent":        opts.Agent,
		"modelContext": map[string]string{
			"flow":        opts.ModelContext.Flow,
			"jobModelRef": opts.ModelContext.JobModelRef,
		},
	}
	var resp struct {
		Text string `json:"text"`
	}
	if err := g.post(ctx, "/v1/sessions/"+sessionID+"/prompt", req, &resp); err != nil {
		return "", fmt.Errorf("prompt session %s: %w", sessionID, err)
	}
	return resp.Text, nil
}

func (g *HTTPGateway) CloseSession(ctx context.Context, sessionID string) error {
	if err := g.post(ctx, "/v1/sessions/"+sessionID+"/close", map[string]any{}, nil); err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body any, out any) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway status %d: %s", resp.StatusCode, truncate(data, 500))
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
