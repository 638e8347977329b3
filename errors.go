package portalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Kind classifies a terminal failure of a logical call.
type Kind string

const (
	// KindCircuitOpen means the breaker rejected the call without a send.
	KindCircuitOpen Kind = "CircuitOpen"
	// KindAuthRefresh means a 401 triggered a session refresh that failed.
	KindAuthRefresh Kind = "AuthRefresh"
	// KindRetryExhausted means a transient failure outlived every retry.
	KindRetryExhausted Kind = "RetryExhausted"
	// KindClient covers non-retryable responses (4xx other than 429, malformed bodies).
	KindClient Kind = "Client"
	// KindServer covers 5xx responses seen on a single attempt.
	KindServer Kind = "Server"
	// KindNetwork means no response was received.
	KindNetwork Kind = "Network"
	// KindValidation means the request or client configuration was rejected locally.
	KindValidation Kind = "Validation"
)

// Sentinel errors, matched against *Error with errors.Is.
var (
	ErrCircuitOpen    = errors.New("portalclient: circuit open")
	ErrAuthRefresh    = errors.New("portalclient: session refresh failed")
	ErrRetryExhausted = errors.New("portalclient: retries exhausted")
	ErrClient         = errors.New("portalclient: client error")
	ErrServer         = errors.New("portalclient: server error")
	ErrNetwork        = errors.New("portalclient: network error")
	ErrValidation     = errors.New("portalclient: invalid request")
)

var kindSentinels = map[Kind]error{
	KindCircuitOpen:    ErrCircuitOpen,
	KindAuthRefresh:    ErrAuthRefresh,
	KindRetryExhausted: ErrRetryExhausted,
	KindClient:         ErrClient,
	KindServer:         ErrServer,
	KindNetwork:        ErrNetwork,
	KindValidation:     ErrValidation,
}

// Error is returned for every failed call. It carries enough structure for
// callers to branch on status codes and for the UI to show a message.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	Cause      error

	// RetryAfter is the server-requested delay from a Retry-After header.
	RetryAfter time.Duration
	// Body is the raw error body returned by the server, if any.
	Body []byte

	RequestID  string
	Method     string
	Path       string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the kind sentinels and other *Error values of the same Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return kindSentinels[e.Kind] == target
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *Error) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", e.Kind)
	fmt.Fprintf(&b, "Message: %s\n", e.Message)
	if e.RequestID != "" {
		fmt.Fprintf(&b, "Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		fmt.Fprintf(&b, "Method: %s\n", e.Method)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, "Path: %s\n", e.Path)
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "Status Code: %d\n", e.StatusCode)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, "Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		fmt.Fprintf(&b, "Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "Cause: %v\n", e.Cause)
	}
	return b.String()
}

// IsTransient reports whether err is worth retrying: no response at all,
// 429, or any 5xx. Exhausted retries and open circuits are transient too,
// from the caller's point of view.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Kind {
	case KindNetwork:
		return !errors.Is(apiErr.Cause, context.Canceled)
	case KindServer, KindRetryExhausted, KindCircuitOpen:
		return true
	case KindClient:
		return apiErr.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// failure is the classification of a single failed attempt.
type failure int

const (
	failurePermanent failure = iota
	failureTransient
	failureUnauthorized
	failureCanceled
)

func classify(err *Error) failure {
	switch {
	case err.Kind == KindNetwork && (errors.Is(err.Cause, context.Canceled) || errors.Is(err.Cause, errCallerDeadline)):
		return failureCanceled
	case err.StatusCode == http.StatusUnauthorized:
		return failureUnauthorized
	case err.Kind == KindNetwork, err.Kind == KindServer:
		return failureTransient
	case err.StatusCode == http.StatusTooManyRequests:
		return failureTransient
	default:
		return failurePermanent
	}
}

// errCallerDeadline marks a send aborted because the caller's own context
// expired, as opposed to the per-request transport timeout.
var errCallerDeadline = errors.New("caller deadline exceeded")

// userMessage derives the text written to the global error surface.
func userMessage(err error) string {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return err.Error()
	}

	for e := apiErr; e != nil; {
		if msg := serverMessage(e.Body); msg != "" {
			return msg
		}
		var next *Error
		if !errors.As(e.Cause, &next) {
			break
		}
		e = next
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "Service temporarily unavailable"
	case errors.Is(err, ErrNetwork):
		var te *TransportError
		if errors.As(err, &te) && te.NoResponse {
			return "No response received"
		}
		return "Network error"
	case apiErr.Message != "":
		return apiErr.Message
	default:
		return "Network error"
	}
}

// serverMessage pulls a human readable message out of a structured error body
// such as {"message": "..."}, {"error": "..."} or {"error": {"message": "..."}}.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	if len(payload.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.Error, &s); err == nil {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &nested); err == nil {
		return nested.Message
	}
	return ""
}
