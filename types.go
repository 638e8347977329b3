package portalclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// Request describes one logical call. The client never mutates it, so the same
// value is safe to replay on retry or after a session refresh.
type Request struct {
	Method string
	Path   string
	// Query is only meaningful for GET.
	Query url.Values
	// Body is only meaningful for non-GET verbs. []byte, string and io.Reader
	// are sent as-is; anything else is JSON encoded.
	Body   any
	Header http.Header
	// NoCache bypasses the response cache for this GET, in both directions.
	NoCache bool
}

// Response is the outcome of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Cached is true when the response was served from the response cache.
	Cached bool
}

// Decode unmarshals the JSON body into v. An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (r *Response) clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       bytes.Clone(r.Body),
		Cached:     r.Cached,
	}
}

// Option configures a Client.
type Option func(*Client)

// CircuitState is the breaker's position.
type CircuitState int

const (
	// StateClosed admits every call.
	StateClosed CircuitState = iota
	// StateOpen rejects new calls until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe call.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("CircuitState(%d)", int(s))
	}
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failed sends that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
}

// BreakerState is a point-in-time view of the breaker.
type BreakerState struct {
	State        CircuitState
	FailureCount int
	IsOpen       bool
	OpenedAt     time.Time
}

// bufferBody drains an io.Reader body so the request can be replayed, and
// rejects a value body that cannot be JSON-encoded.
func bufferBody(body any) (any, error) {
	switch v := body.(type) {
	case nil, []byte, string:
		return body, nil
	case io.Reader:
		data, err := io.ReadAll(v)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		return data, nil
	default:
		if _, err := json.Marshal(v); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return body, nil
	}
}
