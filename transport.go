package portalclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	defaultTransportTimeout = 10 * time.Second
	maxResponseBodyBytes    = 10 * 1024 * 1024
)

// ErrMalformedResponse is wrapped by a TransportError when a successful
// response declares JSON but its body does not parse.
var ErrMalformedResponse = errors.New("malformed response body")

// Transport sends one attempt of a request. Non-2xx responses are returned as
// responses, not errors; errors are reserved for transport-level failures.
type Transport interface {
	Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

// TransportRequest is a single attempt as seen by the transport.
type TransportRequest struct {
	Method  string
	Path    string
	Query   url.Values
	Header  http.Header
	Body    any
	Timeout time.Duration
}

// TransportResponse is the status, headers and raw body of a response.
type TransportResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TransportError is a transport-level failure. NoResponse distinguishes
// "nothing came back" (connection refused, timeout) from a response that
// arrived but could not be used.
type TransportError struct {
	Op         string
	NoResponse bool
	Timeout    bool
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Middleware wraps the underlying round trip, e.g. for tracing or header injection.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper is the minimal transport interface middleware chains around.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// HTTPTransport is the default Transport on net/http. It joins paths onto a
// base URL, encodes JSON bodies and applies a per-request timeout.
type HTTPTransport struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	middleware []Middleware
	limiter    *rate.Limiter
	userAgent  string
}

// HTTPTransportOption configures an HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// WithTransportHTTPClient sets the underlying *http.Client.
func WithTransportHTTPClient(c *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.httpClient = c
		}
	}
}

// WithTransportTimeout sets the per-request timeout.
func WithTransportTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.timeout = d
	}
}

// WithTransportMiddleware appends middleware; the first one added runs outermost.
func WithTransportMiddleware(mw ...Middleware) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.middleware = append(t.middleware, mw...)
	}
}

// WithTransportRateLimit throttles sends to perSecond with the given burst.
// Waiting callers block until a token is free or their context ends.
func WithTransportRateLimit(perSecond float64, burst int) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if perSecond <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTransportUserAgent sets the User-Agent header on every request.
func WithTransportUserAgent(ua string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.userAgent = ua
	}
}

// NewHTTPTransport builds a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPTransportOption) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	t := &HTTPTransport{
		baseURL:    u,
		httpClient: &http.Client{},
		timeout:    defaultTransportTimeout,
		userAgent:  "portalclient/" + Version,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: "rate limit", NoResponse: true, Err: err}
		}
	}

	timeout := t.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := t.buildRequest(ctx, req)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}

	httpResp, err := t.roundTrip(httpReq)
	if err != nil {
		return nil, &TransportError{
			Op:         req.Method + " " + httpReq.URL.Path,
			NoResponse: true,
			Timeout:    isTimeout(err),
			Err:        err,
		}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, &TransportError{
			Op:         "read body",
			NoResponse: true,
			Timeout:    isTimeout(err),
			StatusCode: httpResp.StatusCode,
			Err:        err,
		}
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 && len(body) > 0 &&
		isJSONContent(httpResp.Header.Get("Content-Type")) && !json.Valid(body) {
		return nil, &TransportError{
			Op:         "decode body",
			StatusCode: httpResp.StatusCode,
			Err:        ErrMalformedResponse,
		}
	}

	return &TransportResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (t *HTTPTransport) buildRequest(ctx context.Context, req *TransportRequest) (*http.Request, error) {
	u := t.resolve(req.Path)
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if t.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	return httpReq, nil
}

func (t *HTTPTransport) resolve(path string) *url.URL {
	u := *t.baseURL
	rel, err := url.Parse(path)
	if err != nil {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
		return &u
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(rel.Path, "/")
	u.RawQuery = rel.RawQuery
	return &u
}

func (t *HTTPTransport) roundTrip(req *http.Request) (*http.Response, error) {
	if len(t.middleware) == 0 {
		return t.httpClient.Do(req)
	}

	current := RoundTripperFunc(t.httpClient.Do)
	for i := len(t.middleware) - 1; i >= 0; i-- {
		mw := t.middleware[i]
		next := current
		current = func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		}
	}
	return current.RoundTrip(req)
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(b), "", nil
	case string:
		return strings.NewReader(b), "", nil
	case io.Reader:
		return b, "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func isJSONContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
