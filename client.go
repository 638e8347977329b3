package portalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const defaultTimeout = 10 * time.Second

// Client wraps outbound calls to the portal API with bearer-token handling,
// retries with backoff, a circuit breaker and a TTL cache for GETs. It
// reports an in-flight flag and the last terminal error to a Signals sink.
// It is safe for concurrent use.
type Client struct {
	transport  Transport
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	middleware []Middleware
	rateLimit  float64
	rateBurst  int
	userAgent  string

	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	retryPolicy       RetryPolicy

	breakerConfig  CircuitBreakerConfig
	circuitBreaker *CircuitBreaker

	cache                ResponseCache
	cacheTTL             time.Duration
	cacheMaxEntries      int
	cacheDisabled        bool
	invalidateOnMutation bool
	deduplicate          bool
	inflightGets         singleflight.Group

	tokens         TokenProvider
	refreshTimeout time.Duration
	refresher      *sessionRefresher

	signals  Signals
	inFlight *inFlight

	metrics      *MetricsCollector
	logger       zerolog.Logger
	requestIDGen func() string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	validationError error
}

// New constructs a Client using the provided functional options. Invalid
// configuration does not panic; it is reported by ValidationError and every
// call fails with a KindValidation error.
func New(options ...Option) *Client {
	client := &Client{
		timeout:           defaultTimeout,
		maxRetries:        defaultMaxRetries,
		initialBackoff:    defaultInitialBackoff,
		maxBackoff:        defaultMaxBackoff,
		backoffMultiplier: defaultMultiplier,
		cacheTTL:          defaultCacheTTL,
		refreshTimeout:    defaultRefreshTimeout,
		signals:           NopSignals{},
		logger:            zerolog.Nop(),
		requestIDGen:      uuid.NewString,
		now:               time.Now,
		sleep:             sleepContext,
	}

	for _, option := range options {
		option(client)
	}

	client.assemble()

	if err := client.ValidateConfiguration(); err != nil && client.validationError == nil {
		client.validationError = err
	}

	return client
}

// assemble builds the components that depend on more than one option.
func (c *Client) assemble() {
	if c.signals == nil {
		c.signals = NopSignals{}
	}
	c.inFlight = &inFlight{signals: c.signals}

	if c.transport == nil && c.baseURL != "" {
		opts := []HTTPTransportOption{
			WithTransportTimeout(c.timeout),
			WithTransportMiddleware(c.middleware...),
			WithTransportRateLimit(c.rateLimit, c.rateBurst),
		}
		if c.httpClient != nil {
			opts = append(opts, WithTransportHTTPClient(c.httpClient))
		}
		if c.userAgent != "" {
			opts = append(opts, WithTransportUserAgent(c.userAgent))
		}
		t, err := NewHTTPTransport(c.baseURL, opts...)
		if err != nil {
			c.validationError = err
		} else {
			c.transport = t
		}
	}

	if c.retryPolicy == nil {
		c.retryPolicy = NewDefaultRetryPolicyWithStrategy(
			c.maxRetries, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter, c.backoffStrategy)
	}

	c.circuitBreaker = newCircuitBreaker(c.breakerConfig, c.logger, c.metrics)

	if c.cache == nil && !c.cacheDisabled {
		c.cache = NewInMemoryCache(c.cacheTTL, WithCacheCapacity(c.cacheMaxEntries))
	}
	if c.cacheDisabled {
		c.cache = nil
	}

	if c.tokens != nil {
		c.refresher = newSessionRefresher(c.tokens, c.refreshTimeout, c.logger, c.metrics)
	}
}

// call is the per-call state: which request, how far along, and what the
// last token generation was.
type call struct {
	req        Request
	requestID  string
	logger     zerolog.Logger
	start      time.Time
	retries    int
	refreshed  bool
	generation uint64
}

// Get performs a GET with optional query parameters.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST with body.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// Put performs a PUT with body.
func (c *Client) Put(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body})
}

// Patch performs a PATCH with body.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path})
}

// DoJSON performs req and decodes a successful JSON body into T.
func DoJSON[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T
	resp, err := c.Do(ctx, req)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// Do runs one logical call through the pipeline: validate, cache lookup,
// send with retry and session refresh, cache update, then signal the outcome.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Method = strings.ToUpper(req.Method)

	cl := &call{
		req:   req,
		start: c.now(),
	}
	if c.requestIDGen != nil {
		cl.requestID = c.requestIDGen()
	}
	cl.logger = c.callLogger(cl.requestID, req.Method, req.Path)

	c.inFlight.begin()
	defer c.inFlight.end()
	c.metrics.RecordRequestStart()
	defer c.metrics.RecordRequestEnd()

	resp, err := c.run(ctx, cl)
	c.finalize(cl, resp, err)
	return resp, err
}

func (c *Client) run(ctx context.Context, cl *call) (*Response, error) {
	if err := c.validate(cl); err != nil {
		return nil, err
	}

	if resp, ok := c.lookupCache(cl); ok {
		return resp, nil
	}

	if c.dedupable(cl.req) {
		return c.executeShared(ctx, cl)
	}

	resp, err := c.execute(ctx, cl)
	if err != nil {
		return nil, err
	}

	c.updateCache(cl, resp)
	return resp, nil
}

func (c *Client) validate(cl *call) *Error {
	if c.validationError != nil {
		return c.newError(cl, KindValidation, "invalid client configuration", c.validationError)
	}
	switch cl.req.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return c.newError(cl, KindValidation, fmt.Sprintf("unsupported method %q", cl.req.Method), nil)
	}
	if cl.req.Path == "" {
		return c.newError(cl, KindValidation, "path is required", nil)
	}
	body, err := bufferBody(cl.req.Body)
	if err != nil {
		return c.newError(cl, KindValidation, "invalid request body", err)
	}
	cl.req.Body = body
	return nil
}

func (c *Client) cacheable(req Request) bool {
	return c.cache != nil && req.Method == http.MethodGet && !req.NoCache
}

func (c *Client) lookupCache(cl *call) (*Response, bool) {
	if !c.cacheable(cl.req) {
		return nil, false
	}
	key := CacheKey(cl.req)
	resp, ok := c.cache.Get(key)
	if !ok {
		c.metrics.RecordCacheMiss(cl.req.Path)
		cl.logger.Debug().Str("cache_key", key).Msg("cache miss")
		return nil, false
	}
	c.metrics.RecordCacheHit(cl.req.Path)
	cl.logger.Debug().Str("cache_key", key).Msg("cache hit")
	resp.Cached = true
	return resp, true
}

func (c *Client) updateCache(cl *call, resp *Response) {
	if c.cache == nil {
		return
	}
	if c.cacheable(cl.req) {
		key := CacheKey(cl.req)
		if !storable(resp.Header) {
			cl.logger.Debug().Str("cache_key", key).Msg("response not storable")
			return
		}
		c.cache.Set(key, resp)
		c.metrics.RecordCacheSize(c.cache.Len())
		cl.logger.Debug().Str("cache_key", key).Msg("response cached")
		return
	}
	if c.invalidateOnMutation && cl.req.Method != http.MethodGet {
		c.invalidate(cl)
	}
}

// invalidate drops cached GETs under the collection a mutation touched: the
// path itself for POST, its parent for PUT, PATCH and DELETE.
func (c *Client) invalidate(cl *call) {
	collection := strings.TrimRight(cl.req.Path, "/")
	if cl.req.Method != http.MethodPost {
		if parent := path.Dir(collection); parent != "." {
			collection = parent
		}
	}

	var removed int
	if dc, ok := c.cache.(interface {
		DeleteFunc(func(key string) bool) int
	}); ok {
		removed = dc.DeleteFunc(func(key string) bool {
			return matchesCollection(key, collection)
		})
	} else {
		removed = c.cache.Len()
		c.cache.Clear()
	}

	c.metrics.RecordCacheInvalidations(removed)
	c.metrics.RecordCacheSize(c.cache.Len())
	cl.logger.Debug().Str("collection", collection).Int("removed", removed).Msg("cache invalidated")
}

// execute is the retry-or-refresh loop. The breaker is consulted once per
// call; retries and replays of an admitted call report to it without being
// rejected.
func (c *Client) execute(ctx context.Context, cl *call) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, c.canceled(cl, err, nil)
	}
	report, err := c.circuitBreaker.allow()
	if err != nil {
		cl.logger.Warn().Str("state", c.circuitBreaker.State().String()).Msg("circuit breaker open, request rejected")
		return nil, c.newError(cl, KindCircuitOpen, "circuit breaker is open", nil)
	}

	for {
		if report == nil {
			if err := ctx.Err(); err != nil {
				return nil, c.canceled(cl, err, nil)
			}
			report = c.circuitBreaker.follow()
		}

		resp, failed := c.attempt(ctx, cl, report)
		report = nil
		if failed == nil {
			return resp, nil
		}

		switch classify(failed) {
		case failureCanceled:
			return nil, failed

		case failureUnauthorized:
			if cl.refreshed || c.refresher == nil {
				return nil, failed
			}
			cl.refreshed = true
			cl.logger.Info().Uint64("generation", cl.generation).Msg("unauthorized, refreshing session")
			if err := c.refresher.refresh(ctx, cl.generation); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, c.canceled(cl, ctxErr, err)
				}
				authErr := c.newError(cl, KindAuthRefresh, "session refresh failed", err)
				authErr.StatusCode = http.StatusUnauthorized
				return nil, authErr
			}

		case failureTransient:
			delay, ok := c.retryPolicy.ShouldRetry(failed, cl.retries)
			if !ok {
				if cl.retries == 0 {
					return nil, failed
				}
				return nil, c.exhausted(cl, failed)
			}
			cl.retries++
			c.metrics.RecordRetry(cl.req.Method, cl.req.Path, cl.retries)
			cl.logger.Info().
				Int("attempt", cl.retries).
				Dur("backoff", delay).
				Int("status", failed.StatusCode).
				Msg("scheduling retry")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, c.canceled(cl, err, failed)
			}

		default:
			return nil, failed
		}
	}
}

// attempt performs one send and reports its outcome to the breaker.
func (c *Client) attempt(ctx context.Context, cl *call, report func(outcome error)) (*Response, *Error) {
	header := cl.req.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if c.refresher != nil {
		tok, gen, err := c.refresher.token(ctx)
		cl.generation = gen
		switch {
		case err != nil:
			cl.logger.Warn().Err(err).Msg("token unavailable, sending unauthenticated")
		case tok != "":
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	tr := &TransportRequest{
		Method:  cl.req.Method,
		Path:    cl.req.Path,
		Query:   cl.req.Query,
		Header:  header,
		Body:    cl.req.Body,
		Timeout: c.timeout,
	}

	resp, sendErr := c.transport.Send(ctx, tr)
	if sendErr != nil {
		failed := c.transportFailure(ctx, cl, sendErr)
		if failed.Kind == KindValidation {
			report(errNotSent)
		} else {
			report(errSendFailed)
		}
		c.metrics.RecordAttempt(cl.req.Method, cl.req.Path, outcomeLabel(failed))
		return nil, failed
	}

	if resp.StatusCode < http.StatusBadRequest {
		report(nil)
		c.metrics.RecordAttempt(cl.req.Method, cl.req.Path, "success")
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       resp.Body,
		}, nil
	}

	report(errSendFailed)
	failed := c.statusFailure(cl, resp)
	c.metrics.RecordAttempt(cl.req.Method, cl.req.Path, outcomeLabel(failed))
	return nil, failed
}

func (c *Client) transportFailure(ctx context.Context, cl *call, sendErr error) *Error {
	var te *TransportError
	if errors.As(sendErr, &te) && !te.NoResponse {
		if !errors.Is(sendErr, ErrMalformedResponse) {
			return c.newError(cl, KindValidation, "request could not be built", sendErr)
		}
		e := c.newError(cl, KindClient, "malformed response body", sendErr)
		e.StatusCode = te.StatusCode
		return e
	}

	cause := sendErr
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.Canceled):
		if !errors.Is(sendErr, context.Canceled) {
			cause = fmt.Errorf("%w: %w", context.Canceled, sendErr)
		}
	case errors.Is(ctxErr, context.DeadlineExceeded):
		cause = fmt.Errorf("%w: %w", errCallerDeadline, sendErr)
	}
	return c.newError(cl, KindNetwork, "no response received", cause)
}

func (c *Client) statusFailure(cl *call, resp *TransportResponse) *Error {
	kind := KindClient
	if resp.StatusCode >= http.StatusInternalServerError {
		kind = KindServer
	}
	msg := serverMessage(resp.Body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	e := c.newError(cl, kind, msg, nil)
	e.StatusCode = resp.StatusCode
	e.Body = resp.Body
	e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
	return e
}

func (c *Client) exhausted(cl *call, last *Error) *Error {
	e := c.newError(cl, KindRetryExhausted,
		fmt.Sprintf("request failed after %d retries: %s", cl.retries, last.Message), last)
	e.StatusCode = last.StatusCode
	return e
}

// canceled reports a call abandoned because ctx ended. It is not retried.
func (c *Client) canceled(cl *call, ctxErr, last error) *Error {
	cause := ctxErr
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		cause = errCallerDeadline
	}
	if last != nil {
		cause = fmt.Errorf("%w: %w", cause, last)
	}
	return c.newError(cl, KindNetwork, "request canceled", cause)
}

func (c *Client) newError(cl *call, kind Kind, message string, cause error) *Error {
	now := c.now()
	return &Error{
		Kind:       kind,
		Message:    message,
		Cause:      cause,
		RequestID:  cl.requestID,
		Method:     cl.req.Method,
		Path:       cl.req.Path,
		Attempt:    cl.retries,
		MaxRetries: c.maxRetries,
		Timestamp:  now,
		Duration:   now.Sub(cl.start),
	}
}

// finalize publishes the outcome of the whole call.
func (c *Client) finalize(cl *call, resp *Response, err error) {
	duration := c.now().Sub(cl.start)

	if err != nil {
		var apiErr *Error
		kind := KindNetwork
		status := 0
		if errors.As(err, &apiErr) {
			kind = apiErr.Kind
			status = apiErr.StatusCode
		}
		c.signals.SetError(userMessage(err))
		c.metrics.RecordError(kind, cl.req.Method, cl.req.Path)
		c.metrics.RecordRequest(cl.req.Method, cl.req.Path, status, duration)
		cl.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Int("status", status).
			Int("retries", cl.retries).
			Dur("duration", duration).
			Msg("request failed")
		return
	}

	c.metrics.RecordRequest(cl.req.Method, cl.req.Path, resp.StatusCode, duration)
	if resp.Cached {
		return
	}
	c.signals.SetError("")
	cl.logger.Debug().
		Int("status", resp.StatusCode).
		Int("retries", cl.retries).
		Dur("duration", duration).
		Msg("request completed")
}

func outcomeLabel(e *Error) string {
	switch classify(e) {
	case failureTransient:
		return "transient"
	case failureUnauthorized:
		return "unauthorized"
	case failureCanceled:
		return "canceled"
	default:
		return "permanent"
	}
}

// ClearCache drops every cached response.
func (c *Client) ClearCache() {
	if c.cache == nil {
		return
	}
	c.cache.Clear()
	c.metrics.RecordCacheSize(0)
}

// Cache returns the response cache, nil when caching is disabled.
func (c *Client) Cache() ResponseCache {
	return c.cache
}

// BreakerState returns a snapshot of the circuit breaker.
func (c *Client) BreakerState() BreakerState {
	return c.circuitBreaker.Snapshot()
}

// CircuitBreaker returns the client's breaker.
func (c *Client) CircuitBreaker() *CircuitBreaker {
	return c.circuitBreaker
}

// InFlight returns the number of calls currently running.
func (c *Client) InFlight() int {
	return c.inFlight.count()
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
