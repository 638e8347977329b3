package portalclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var (
	// ErrNoSession is returned by providers that hold no token yet.
	ErrNoSession = errors.New("no active session")
	// ErrTokenExpired is returned when the held access token is past its exp claim.
	ErrTokenExpired = errors.New("access token expired")
	// ErrRefreshUnsupported is returned by providers that cannot refresh.
	ErrRefreshUnsupported = errors.New("session refresh not supported")
)

// TokenProvider supplies the bearer token and renews the session. The client
// calls RefreshSession at most once per coalesced batch of 401s.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	RefreshSession(ctx context.Context) error
}

// StaticToken is a fixed bearer token that cannot be refreshed.
type StaticToken string

// Token implements TokenProvider.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}

// RefreshSession implements TokenProvider.
func (StaticToken) RefreshSession(context.Context) error {
	return ErrRefreshUnsupported
}

// TokenFuncs adapts a pair of functions to TokenProvider. A nil Refresh
// reports ErrRefreshUnsupported.
type TokenFuncs struct {
	Get     func(ctx context.Context) (string, error)
	Refresh func(ctx context.Context) error
}

// Token implements TokenProvider.
func (f TokenFuncs) Token(ctx context.Context) (string, error) {
	if f.Get == nil {
		return "", ErrNoSession
	}
	return f.Get(ctx)
}

// RefreshSession implements TokenProvider.
func (f TokenFuncs) RefreshSession(ctx context.Context) error {
	if f.Refresh == nil {
		return ErrRefreshUnsupported
	}
	return f.Refresh(ctx)
}

// OAuth2TokenProvider serves tokens from an oauth2.TokenSource. Token reuses
// the held token while it is valid; RefreshSession always asks the source
// for a new one.
type OAuth2TokenProvider struct {
	src oauth2.TokenSource

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewOAuth2TokenProvider wraps src. src should not itself cache tokens
// (avoid oauth2.ReuseTokenSource) or RefreshSession cannot force a new one.
func NewOAuth2TokenProvider(src oauth2.TokenSource) *OAuth2TokenProvider {
	return &OAuth2TokenProvider{src: src}
}

// NewClientCredentialsProvider fetches tokens with the OAuth2 client
// credentials grant.
func NewClientCredentialsProvider(ctx context.Context, cfg *clientcredentials.Config) *OAuth2TokenProvider {
	return NewOAuth2TokenProvider(cfg.TokenSource(ctx))
}

// Token implements TokenProvider.
func (p *OAuth2TokenProvider) Token(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tok.Valid() {
		return p.tok.AccessToken, nil
	}
	tok, err := p.src.Token()
	if err != nil {
		return "", err
	}
	p.tok = tok
	return tok.AccessToken, nil
}

// RefreshSession implements TokenProvider.
func (p *OAuth2TokenProvider) RefreshSession(context.Context) error {
	tok, err := p.src.Token()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.tok = tok
	p.mu.Unlock()
	return nil
}

// SessionTokens is the access/refresh pair issued by the backend's auth endpoint.
type SessionTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// SessionRefreshFunc exchanges a refresh token for a new pair.
type SessionRefreshFunc func(ctx context.Context, refreshToken string) (SessionTokens, error)

// HTTPSessionRefresh posts {"refresh_token": ...} to endpoint and reads the
// new pair from the JSON response. A nil hc uses http.DefaultClient.
func HTTPSessionRefresh(endpoint string, hc *http.Client) SessionRefreshFunc {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context, refreshToken string) (SessionTokens, error) {
		payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
		if err != nil {
			return SessionTokens{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return SessionTokens{}, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := hc.Do(req)
		if err != nil {
			return SessionTokens{}, fmt.Errorf("refresh session: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return SessionTokens{}, fmt.Errorf("read refresh response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			msg := serverMessage(body)
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			return SessionTokens{}, fmt.Errorf("refresh session: status %d: %s", resp.StatusCode, msg)
		}

		var tokens SessionTokens
		if err := json.Unmarshal(body, &tokens); err != nil {
			return SessionTokens{}, fmt.Errorf("decode refresh response: %w", err)
		}
		return tokens, nil
	}
}

// SessionTokenProvider holds an access/refresh session. When the access
// token is a JWT its exp claim is honoured: an expired token is reported as
// ErrTokenExpired so the call goes out unauthenticated and the 401 path
// refreshes it.
type SessionTokenProvider struct {
	refresh SessionRefreshFunc
	leeway  time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	tokens SessionTokens
}

// NewSessionTokenProvider starts from an existing session.
func NewSessionTokenProvider(initial SessionTokens, refresh SessionRefreshFunc) *SessionTokenProvider {
	return &SessionTokenProvider{
		refresh: refresh,
		leeway:  5 * time.Second,
		now:     time.Now,
		tokens:  initial,
	}
}

// Token implements TokenProvider.
func (p *SessionTokenProvider) Token(context.Context) (string, error) {
	p.mu.RLock()
	access := p.tokens.AccessToken
	p.mu.RUnlock()

	if access == "" {
		return "", ErrNoSession
	}
	exp, err := TokenExpiry(access)
	if err == nil && !exp.IsZero() && !p.now().Add(p.leeway).Before(exp) {
		return "", ErrTokenExpired
	}
	return access, nil
}

// RefreshSession implements TokenProvider.
func (p *SessionTokenProvider) RefreshSession(ctx context.Context) error {
	if p.refresh == nil {
		return ErrRefreshUnsupported
	}
	p.mu.RLock()
	rt := p.tokens.RefreshToken
	p.mu.RUnlock()

	next, err := p.refresh(ctx, rt)
	if err != nil {
		return err
	}
	if next.AccessToken == "" {
		return ErrNoSession
	}
	p.mu.Lock()
	if next.RefreshToken == "" {
		next.RefreshToken = p.tokens.RefreshToken
	}
	p.tokens = next
	p.mu.Unlock()
	return nil
}

// Tokens returns the held pair.
func (p *SessionTokenProvider) Tokens() SessionTokens {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tokens
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// A token without exp yields the zero time.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}
