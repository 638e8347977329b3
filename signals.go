package portalclient

import "sync"

// Signals is the process-wide UI surface the client reports to: a loading
// flag and the last terminal error. Both setters are fire-and-forget.
type Signals interface {
	SetLoading(loading bool)
	SetError(message string)
}

// NopSignals discards everything.
type NopSignals struct{}

func (NopSignals) SetLoading(bool) {}
func (NopSignals) SetError(string) {}

// SignalState is a concurrency-safe Signals that remembers what it was told.
type SignalState struct {
	mu        sync.RWMutex
	loading   bool
	lastError string
	toggles   int
}

// SetLoading implements Signals.
func (s *SignalState) SetLoading(loading bool) {
	s.mu.Lock()
	if s.loading != loading {
		s.toggles++
	}
	s.loading = loading
	s.mu.Unlock()
}

// SetError implements Signals.
func (s *SignalState) SetError(message string) {
	s.mu.Lock()
	s.lastError = message
	s.mu.Unlock()
}

// Loading reports the current loading flag.
func (s *SignalState) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastError returns the last message written, "" after a success.
func (s *SignalState) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// Toggles counts loading flag changes.
func (s *SignalState) Toggles() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.toggles
}

// inFlight reference-counts calls so overlapping calls keep the loading flag
// up until the last one finishes.
type inFlight struct {
	mu      sync.Mutex
	n       int
	signals Signals
}

func (f *inFlight) begin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.n == 1 {
		f.signals.SetLoading(true)
	}
}

func (f *inFlight) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		f.signals.SetLoading(false)
	}
}

func (f *inFlight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
