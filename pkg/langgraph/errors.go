package langgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"syscall"

	"github.com/knowted/knowted-gateway/pkg/logging"
)

// MessageConnectionRefused is reported when the runtime is not listening.
const MessageConnectionRefused = "Cannot connect to LangGraph server. Please ensure it is running."

// StatusError is a non-2xx response from the runtime.
// Only the fields the gateway reports are extracted; the body itself is dropped.
type StatusError struct {
	StatusCode int
	// Detail is the body's "detail" member when it is a string, else its
	// "message" member when that is a string.
	Detail string
	// StructuredDetail is the compact JSON of a non-string "detail" member
	// (for example a validation error list).
	StructuredDetail string
	// Message is the body's "message" or "error" member.
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("langgraph returned status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("langgraph returned status %d", e.StatusCode)
}

func parseStatusError(status int, body []byte) *StatusError {
	serr := &StatusError{StatusCode: status}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return serr
	}

	message := stringMember(doc, "message")
	serr.Message = message
	if serr.Message == "" {
		serr.Message = stringMember(doc, "error")
	}

	if raw, ok := doc["detail"]; ok && string(raw) != "null" {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			serr.Detail = s
		} else {
			serr.StructuredDetail = string(raw)
		}
	}
	if serr.Detail == "" {
		serr.Detail = message
	}
	return serr
}

func stringMember(doc map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := doc[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// IsNotFound reports whether err is a 404 from the runtime.
func IsNotFound(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}

// IsConnectionRefused reports whether err is a refused TCP connection.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// RelayError is the only error shape that leaves the relay: a message and a
// status code. StatusCode is 0 when no remote status applies.
type RelayError struct {
	Message    string
	StatusCode int
}

func (e *RelayError) Error() string {
	return e.Message
}

// HTTPStatus returns StatusCode, or 500 when no remote status applies.
func (e *RelayError) HTTPStatus() int {
	if e.StatusCode < 400 || e.StatusCode > 599 {
		return http.StatusInternalServerError
	}
	return e.StatusCode
}

// Operation names the relay call an error came from. It selects the wording
// of 404 and 422 messages.
type Operation int

const (
	OpStreamRun Operation = iota
	OpCreateRun
	OpThreadState
	OpCreateThread
)

// NewRelayError normalizes any error from a relay call into a RelayError.
func NewRelayError(err error, op Operation, assistantID, threadID string) *RelayError {
	if err == nil {
		return nil
	}

	var rerr *RelayError
	if errors.As(err, &rerr) {
		return rerr
	}

	if IsConnectionRefused(err) {
		return &RelayError{Message: MessageConnectionRefused}
	}

	if errors.Is(err, context.Canceled) {
		return &RelayError{Message: "Request was canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RelayError{Message: "LangGraph server did not respond in time", StatusCode: http.StatusGatewayTimeout}
	}

	var serr *StatusError
	if !errors.As(err, &serr) {
		return &RelayError{Message: logging.SanitizeError(err)}
	}

	switch {
	case serr.StatusCode == http.StatusNotFound && op == OpThreadState:
		return &RelayError{
			Message:    fmt.Sprintf("LangGraph assistant '%s' or thread '%s' not found", assistantID, threadID),
			StatusCode: serr.StatusCode,
		}
	case serr.StatusCode == http.StatusNotFound && op != OpCreateThread:
		return &RelayError{
			Message:    fmt.Sprintf("LangGraph assistant '%s' not found or endpoint does not exist", assistantID),
			StatusCode: serr.StatusCode,
		}
	case serr.StatusCode == http.StatusUnprocessableEntity && (op == OpStreamRun || op == OpCreateRun):
		detail := serr.Detail
		if serr.StructuredDetail != "" {
			detail = serr.StructuredDetail
		}
		if detail == "" {
			return &RelayError{
				Message:    fmt.Sprintf("LangGraph validation error: Request format is invalid for thread '%s'", threadID),
				StatusCode: serr.StatusCode,
			}
		}
		return &RelayError{
			Message:    "LangGraph validation error: " + detail,
			StatusCode: serr.StatusCode,
		}
	case serr.Message != "":
		return &RelayError{Message: serr.Message, StatusCode: serr.StatusCode}
	default:
		return &RelayError{
			Message:    fmt.Sprintf("LangGraph server returned status %d", serr.StatusCode),
			StatusCode: serr.StatusCode,
		}
	}
}
