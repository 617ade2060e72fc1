package taskengine

import (
	"testing"

	"github.com/ottolabs/otto/internal/store"
)

func TestParseStructuredResult(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus store.RunStatus
		wantCode   string // first error code, "" for none
		wantRaw    bool   // RawOutput preserved
	}{
		{
			name:       "plain json success",
			raw:        `{"status":"success","summary":"done"}`,
			wantStatus: store.RunSuccess,
		},
		{
			name:       "fenced json block",
			raw:        "Here you go:\n```json\n{\"status\":\"skipped\",\"summary\":\"nothing due\"}\n```\nthanks",
			wantStatus: store.RunSkipped,
		},
		{
			name:       "failed with string errors",
			raw:        `{"status":"failed","summary":"broke","errors":["disk full"]}`,
			wantStatus: store.RunFailed,
			wantCode:   "task_error",
		},
		{
			name:       "failed with object errors",
			raw:        `{"status":"failed","summary":"broke","errors":[{"code":"rate_limited","message":"slow down"}]}`,
			wantStatus: store.RunFailed,
			wantCode:   "rate_limited",
		},
		{
			name:       "not json at all",
			raw:        "I finished the task, all good!",
			wantStatus: store.RunFailed,
			wantCode:   "invalid_result_json",
			wantRaw:    true,
		},
		{
			name:       "empty output",
			raw:        "   ",
			wantStatus: store.RunFailed,
			wantCode:   "invalid_result_json",
			wantRaw:    true,
		},
		{
			name:       "unknown status",
			raw:        `{"status":"partial","summary":"half done"}`,
			wantStatus: store.RunFailed,
			wantCode:   "invalid_result_schema",
			wantRaw:    true,
		},
		{
			name:       "missing summary",
			raw:        `{"status":"success","summary":""}`,
			wantStatus: store.RunFailed,
			wantCode:   "invalid_result_schema",
			wantRaw:    true,
		},
		{
			name:       "error object missing message",
			raw:        `{"status":"failed","summary":"broke","errors":[{"code":"x"}]}`,
			wantStatus: store.RunFailed,
			wantCode:   "invalid_result_schema",
			wantRaw:    true,
		},
		{
			name:       "unterminated fence",
			raw:        "```json\n{\"status\":\"success\"",
			wantStatus: store.RunFailed,
			wantCode:   "invalid_result_json",
			wantRaw:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStructuredResult(tt.raw)
			if got.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if tt.wantCode == "" {
				if len(got.Errors) != 0 {
					t.Fatalf("unexpected errors: %+v", got.Errors)
				}
			} else {
				if len(got.Errors) == 0 || got.Errors[0].Code != tt.wantCode {
					t.Fatalf("errors = %+v, want first code %s", got.Errors, tt.wantCode)
				}
			}
			if tt.wantRaw && got.RawOutput == "" {
				t.Error("raw output was not preserved")
			}
			if !tt.wantRaw && got.RawOutput != "" {
				t.Errorf("raw output set on valid result: %q", got.RawOutput)
			}
			if got.Errors == nil {
				t.Error("errors must never be nil")
			}
		})
	}
}

func TestExtractFencedJSON(t *testing.T) {
	if got := extractFencedJSON("```json\n{\"a\":1}\n```"); got != `{"a":1}` {
		t.Errorf("extract = %q", got)
	}
	if got := extractFencedJSON("no fence here"); got != "" {
		t.Errorf("extract without fence = %q", got)
	}
}
