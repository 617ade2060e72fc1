package taskengine

import (
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ottolabs/otto/internal/oerr"
	"github.com/ottolabs/otto/internal/store"
)

// TaskError is one structured error reported by the agent.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskResult is the normalized structured outcome of a run. RawOutput is
// set only when the agent's output could not be parsed or validated.
type TaskResult struct {
	Status    store.RunStatus `json:"status"`
	Summary   string          `json:"summary"`
	Errors    []TaskError     `json:"errors"`
	RawOutput string          `json:"rawOutput,omitempty"`
}

// FailedResult builds a failed TaskResult with a single coded error.
func FailedResult(code oerr.Code, message string) *TaskResult {
	return &TaskResult{
		Status:  store.RunFailed,
		Summary: message,
		Errors:  []TaskError{{Code: string(code), Message: message}},
	}
}

// ParseStructuredResult interprets the agent's free-text output. It tries a
// direct JSON parse, then a fenced ```json block, then normalizes and
// validates. Parse and schema failures become failed results carrying the
// raw output; this function never errors.
func ParseStructuredResult(raw string) *TaskResult {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		r := FailedResult(oerr.CodeInvalidResultJSON, "agent returned empty output")
		r.RawOutput = raw
		return r
	}

	var v map[string]any
	if err := sonic.Unmarshal([]byte(trimmed), &v); err != nil {
		fenced := extractFencedJSON(trimmed)
		if fenced == "" {
			r := FailedResult(oerr.CodeInvalidResultJSON, "agent output is not JSON")
			r.RawOutput = raw
			return r
		}
		if err := sonic.Unmarshal([]byte(fenced), &v); err != nil {
			r := FailedResult(oerr.CodeInvalidResultJSON, "fenced block is not valid JSON")
			r.RawOutput = raw
			return r
		}
	}

	res, reason := normalizeResult(v)
	if res == nil {
		r := FailedResult(oerr.CodeInvalidResultSchema, reason)
		r.RawOutput = raw
		return r
	}
	return res
}

// normalizeResult validates the parsed value against the result schema,
// accepting errors as strings or {code,message} objects. Returns nil plus a
// reason when the value does not conform.
func normalizeResult(v map[string]any) (*TaskResult, string) {
	status, _ := v["status"].(string)
	switch store.RunStatus(status) {
	case store.RunSuccess, store.RunFailed, store.RunSkipped:
	default:
		return nil, "status must be success, failed or skipped"
	}

	summary, _ := v["summary"].(string)
	if strings.TrimSpace(summary) == "" {
		return nil, "summary must be a non-empty string"
	}

	res := &TaskResult{Status: store.RunStatus(status), Summary: summary, Errors: []TaskError{}}
	rawErrs, present := v["errors"]
	if !present || rawErrs == nil {
		return res, ""
	}
	list, ok := rawErrs.([]any)
	if !ok {
		return nil, "errors must be an array"
	}
	for _, item := range list {
		switch e := item.(type) {
		case string:
			if e == "" {
				return nil, "error strings must be non-empty"
			}
			res.Errors = append(res.Errors, TaskError{Code: string(oerr.CodeTaskError), Message: e})
		case map[string]any:
			code, _ := e["code"].(string)
			message, _ := e["message"].(string)
			if code == "" || message == "" {
				return nil, "error objects need non-empty code and message"
			}
			res.Errors = append(res.Errors, TaskError{Code: code, Message: message})
		default:
			return nil, "errors must contain strings or {code,message} objects"
		}
	}
	return res, ""
}

// extractFencedJSON returns the body of the first ```json fenced block, or
// "" when no complete block exists.
func extractFencedJSON(s string) string {
	const fence = "```json"
	start := strings.Index(s, fence)
	if start < 0 {
		return ""
	}
	body := s[start+len(fence):]
	end := strings.Index(body, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(body[:end])
}
