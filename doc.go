// Package portalclient is the outbound API client of the property portal.
// Every call to the backend goes through one pipeline:
//
//   - GET responses are served from a TTL cache (5m by default)
//   - a circuit breaker fails fast while the backend is down
//   - the session token is attached as a bearer header
//   - transient failures (no response, 429, 5xx) retry with exponential backoff
//   - a 401 refreshes the session once, shared by all concurrent callers, and replays
//   - the loading flag and last error are published to a Signals sink
//
// Typical usage:
//
//	signals := &portalclient.SignalState{}
//	client := portalclient.New(
//	    portalclient.WithBaseURL("https://api.example.com"),
//	    portalclient.WithTokenProvider(session),
//	    portalclient.WithSignals(signals),
//	    portalclient.WithLogger(portalclient.NewLogger(portalclient.LogConfig{Level: "info"})),
//	)
//	resp, err := client.Get(ctx, "/properties", url.Values{"status": {"available"}})
//
// Failures are returned as *Error; branch with errors.Is against ErrCircuitOpen,
// ErrAuthRefresh, ErrRetryExhausted, ErrClient, ErrServer or ErrNetwork, or read
// StatusCode(err).
package portalclient
