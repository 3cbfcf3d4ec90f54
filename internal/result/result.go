// Package result defines the error taxonomy shared by the area engine
// and the tool call resolver, and the uniform {success, message, data}
// envelope every exposed operation returns.
package result

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// AreaRequired means neither an area nor an entity id was supplied.
	AreaRequired Kind = "area_required"
	// AreaNotConfigured means the named area resolved to no entities.
	AreaNotConfigured Kind = "area_not_configured"
	// TargetAreasRequired means an area management request had no targets.
	TargetAreasRequired Kind = "target_areas_required"
	// InvalidArgument covers malformed or out-of-range arguments.
	InvalidArgument Kind = "invalid_argument"
	// ToolNotAllowed means the tool is missing from the catalog or disabled.
	ToolNotAllowed Kind = "tool_not_allowed"
	// UpstreamAuthFailed means the token is missing or was rejected.
	UpstreamAuthFailed Kind = "upstream_auth_failed"
	// UpstreamUnavailable means Home Assistant could not be reached in time.
	UpstreamUnavailable Kind = "upstream_unavailable"
	// PartialFailure means some plan items failed while others applied.
	PartialFailure Kind = "partial_failure"
)

// Error is a classified failure with a caller-visible message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsArgument reports whether err is a caller mistake that must be
// rejected before any remote call (a 400-class error).
func IsArgument(err error) bool {
	switch KindOf(err) {
	case AreaRequired, AreaNotConfigured, TargetAreasRequired, InvalidArgument, ToolNotAllowed:
		return true
	}
	return false
}

// Result is the envelope returned by every exposed operation. TraceID is
// echoed back unchanged from the request.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
	Kind    Kind   `json:"error_kind,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK builds a successful result.
func OK(traceID, message string, data any) Result {
	return Result{Success: true, Message: message, TraceID: traceID, Data: data}
}

// Fail builds a failed result from err. The kind is taken from err when
// it carries one.
func Fail(traceID string, err error, data any) Result {
	return Result{
		Success: false,
		Message: err.Error(),
		TraceID: traceID,
		Kind:    KindOf(err),
		Data:    data,
	}
}
