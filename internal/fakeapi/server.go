// Package fakeapi is an in-memory stand-in for the portal backend: a JSON
// document store over the portal collections, a session endpoint issuing
// short-lived JWTs, and programmable fault injection.
package fakeapi

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Collections served by the fake.
var Collections = []string{"properties", "tenants", "payments", "maintenance", "documents"}

// Document is a stored JSON object. The "id" field is assigned on create.
type Document map[string]any

// Fault makes matching requests fail. Times counts down per matching request;
// zero or less means the fault is spent.
type Fault struct {
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Status     int           `json:"status"`
	Times      int           `json:"times"`
	Body       string        `json:"body,omitempty"`
	RetryAfter string        `json:"retry_after,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
}

func (f *Fault) matches(r *http.Request) bool {
	if f.Method != "" && !strings.EqualFold(f.Method, r.Method) {
		return false
	}
	return f.Path == "" || r.URL.Path == f.Path || strings.HasPrefix(r.URL.Path, strings.TrimRight(f.Path, "/")+"/")
}

// Options configures a Server.
type Options struct {
	// RequireAuth rejects data requests without the current access token.
	RequireAuth bool
	// TokenTTL is the lifetime of issued access tokens (15m if zero).
	TokenTTL time.Duration
	// SigningKey signs issued JWTs; a random key is used if empty.
	SigningKey []byte
	Logger     zerolog.Logger
}

// Server is the fake backend. It is safe for concurrent use.
type Server struct {
	opts Options

	mu           sync.Mutex
	docs         map[string]map[string]Document
	faults       []*Fault
	hits         map[string]int
	accessToken  string
	refreshToken string
	refreshes    int
}

// New creates an empty server.
func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 15 * time.Minute
	}
	if len(opts.SigningKey) == 0 {
		opts.SigningKey = []byte(uuid.NewString())
	}
	s := &Server{
		opts: opts,
		docs: make(map[string]map[string]Document, len(Collections)),
		hits: make(map[string]int),
	}
	for _, c := range Collections {
		s.docs[c] = make(map[string]Document)
	}
	s.refreshToken = uuid.NewString()
	s.accessToken = s.issueAccessToken(time.Now())
	return s
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.countHits)

	r.Route("/_admin", func(r chi.Router) {
		r.Post("/faults", s.handleAddFault)
		r.Delete("/faults", s.handleClearFaults)
	})

	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.injectFaults)
		r.Use(s.authenticate)

		r.Get("/{collection}", s.handleList)
		r.Post("/{collection}", s.handleCreate)
		r.Get("/{collection}/{id}", s.handleGet)
		r.Put("/{collection}/{id}", s.handleReplace)
		r.Patch("/{collection}/{id}", s.handlePatch)
		r.Delete("/{collection}/{id}", s.handleDelete)
	})
	return r
}

// Session returns the current access and refresh tokens.
func (s *Server) Session() (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accessToken, s.refreshToken
}

// Refreshes counts successful session refreshes.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// ExpireSession rotates the access token without telling anyone, so the
// next authenticated call gets a 401.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = s.issueAccessToken(time.Now())
}

// InjectFault queues a fault.
func (s *Server) InjectFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault := f
	s.faults = append(s.faults, &fault)
}

// ClearFaults drops every queued fault.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Hits returns how many requests reached method+path.
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

// Seed stores doc in collection and returns its id.
func (s *Server) Seed(collection string, doc Document) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(collection, doc)
}

func (s *Server) insert(collection string, doc Document) string {
	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	stored := make(Document, len(doc)+1)
	for k, v := range doc {
		stored[k] = v
	}
	stored["id"] = id
	s.docs[collection][id] = stored
	return id
}

// issueAccessToken signs a JWT with an exp claim. Caller holds s.mu or owns s.
func (s *Server) issueAccessToken(now time.Time) string {
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   "portal-user",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SigningKey)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("sign access token")
		return uuid.NewString()
	}
	return signed
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fault, ok := s.takeFault(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Status == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if fault.RetryAfter != "" {
			w.Header().Set("Retry-After", fault.RetryAfter)
		}
		body := fault.Body
		if body == "" {
			body = `{"error":"` + http.StatusText(fault.Status) + `"}`
		}
		s.opts.Logger.Debug().Str("path", r.URL.Path).Int("status", fault.Status).Msg("injected fault")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fault.Status)
		_, _ = w.Write([]byte(body))
	})
}

func (s *Server) takeFault(r *http.Request) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.Times <= 0 || !f.matches(r) {
			continue
		}
		f.Times--
		out := *f
		if f.Times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return out, true
	}
	return Fault{}, false
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.opts.RequireAuth {
			next.ServeHTTP(w, r)
			return
		}
		s.mu.Lock()
		want := "Bearer " + s.accessToken
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "Session expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid refresh request")
		return
	}

	s.mu.Lock()
	if body.RefreshToken != s.refreshToken {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	s.accessToken = s.issueAccessToken(time.Now())
	s.refreshToken = uuid.NewString()
	s.refreshes++
	resp := map[string]string{
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddFault(w http.ResponseWriter, r *http.Request) {
	var f Fault
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid fault")
		return
	}
	if f.Times <= 0 {
		f.Times = 1
	}
	s.InjectFault(f)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearFaults(w http.ResponseWriter, _ *http.Request) {
	s.ClearFaults()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "collection")
	if _, ok := s.docs[name]; !ok {
		writeError(w, http.StatusNotFound, "unknown collection "+name)
		return "", false
	}
	return name, true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	name, ok := s.collection(w, r)
	if !ok {
		return
	}
	filters := r.URL.Query()

	s.mu.Lock()
	items := make([]Document, 0, len(s.docs[name]))
	for _, doc := range s.docs[name] {
		if matchesFilters(doc, filters) {
			items = append(items, doc)
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		a, _ := items[i]["id"].(string)
		b, _ := items[j]["id"].(string)
		return a < b
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func matchesFilters(doc Document, filters map[string][]string) bool {
	for field, values := range filters {
		got, ok := doc[field]
		if !ok || len(values) == 0 {
			return false
		}
		if s, isString := got.(string); !isString || s != values[0] {
			return false
		}
	}
	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	name, ok := s.collection(w, r)
	if !ok {
		return
	}
	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	s.mu.Lock()
	id := s.insert(name, doc)
	created := s.docs[name][id]
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	doc, found := s.docs[name][id]
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, name+" "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, false)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, true)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, merge bool) {
	name, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	var patch Document
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}

	s.mu.Lock()
	current, found := s.docs[name][id]
	if !found {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, name+" "+id+" not found")
		return
	}
	next := Document{}
	if merge {
		for k, v := range current {
			next[k] = v
		}
	}
	for k, v := range patch {
		next[k] = v
	}
	next["id"] = id
	s.docs[name][id] = next
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, next)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := s.collection(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	_, found := s.docs[name][id]
	delete(s.docs[name], id)
	s.mu.Unlock()

	if !found {
		writeError(w, http.StatusNotFound, name+" "+id+" not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
