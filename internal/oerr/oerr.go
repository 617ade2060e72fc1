// Package oerr carries the stable error codes surfaced by the kernel and
// maps them onto HTTP statuses at the control-plane boundary.
package oerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error category.
type Code string

const (
	CodeInvalidRequest    Code = "invalid_request"
	CodeUnauthorized      Code = "unauthorized"
	CodeLaneForbidden     Code = "lane_forbidden"
	CodeForbiddenMutation Code = "forbidden_mutation"
	CodeNotFound          Code = "not_found"
	CodeStateConflict     Code = "state_conflict"
	CodeMissingChat       Code = "missing_chat"
	CodeInvalidFilePath   Code = "invalid_file_path"
	CodeFileTooLarge      Code = "file_too_large"
	CodeInternal          Code = "internal_error"

	CodeInvalidTaskPayload     Code = "invalid_task_payload"
	CodeInvalidWatchdogPayload Code = "invalid_watchdog_payload"
	CodeInvalidResultJSON      Code = "invalid_result_json"
	CodeInvalidResultSchema    Code = "invalid_result_schema"
	CodeTaskExecutionError     Code = "task_execution_error"
	CodeWatchdogNotifyUnavail  Code = "watchdog_notification_unavailable"
	CodeTaskError              Code = "task_error"
	CodeTaskFailed             Code = "task_failed"
	CodeInvalidCadence         Code = "invalid_cadence"
)

// Error is a coded error with an operator-facing message and optional
// structured details surfaced to API callers.
type Error struct {
	Code    Code
	Message string
	Details any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E creates a coded error.
func E(code Code, format string, v ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, v...)}
}

// WithDetails attaches caller-visible detail payload.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodeInternal
}

// HTTPStatus maps an error code to its control-plane HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeMissingChat, CodeInvalidFilePath, CodeFileTooLarge, CodeInvalidTaskPayload:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeLaneForbidden, CodeForbiddenMutation:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
