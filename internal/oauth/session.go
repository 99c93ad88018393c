package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultOAuthBaseURL    = "https://api.etrade.com"
	defaultAuthorizeURL    = "https://us.etrade.com/e/t/etws/authorize"
	requestTokenEndpoint   = "/oauth/request_token"
	accessTokenEndpoint    = "/oauth/access_token"
	renewTokenEndpoint     = "/oauth/renew_access_token"
	revokeTokenEndpoint    = "/oauth/revoke_access_token"
	defaultExchangeTZ      = "America/New_York"
	idleThreshold          = 2 * time.Hour
	defaultRenewalDue      = 90 * time.Minute
	oauthResponseBodyLimit = 64 << 10
)

// VerifierPrompt hands the authorize URL to the user and returns the
// verification code they got back from the broker page.
type VerifierPrompt func(authorizeURL string) (string, error)

// TokenState classifies a stored token for status display and gating.
type TokenState string

const (
	// TokenMissing means no token has been stored for the environment.
	TokenMissing TokenState = "missing"
	// TokenActive means the token is usable as-is.
	TokenActive TokenState = "active"
	// TokenIdle means more than two hours have passed since the last use or
	// renewal; the broker will want a renew call before the next request.
	TokenIdle TokenState = "idle"
	// TokenExpired means the token crossed its exchange-midnight expiry and
	// only interactive re-authorization helps.
	TokenExpired TokenState = "expired"
)

// TokenStatus is the point-in-time answer to "can we trade right now".
type TokenStatus struct {
	Env         string
	State       TokenState
	ObtainedAt  time.Time
	LastUsedAt  time.Time
	LastRenewed time.Time
	ExpiresAt   time.Time
	NextRenewal time.Time
	Metrics     SessionMetrics
}

// Session owns one environment's OAuth lifecycle: the interactive
// authorization flow, request signing, renewal, and expiry tracking.
// Safe for concurrent use.
type Session struct {
	env          string
	signer       *Signer
	store        *TokenStore
	client       *http.Client
	baseURL      string
	authorizeURL string
	loc          *time.Location
	renewalDue   time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	// renewMu serializes idle renewals so concurrent signers make at
	// most one renew call per idle gap. Taken before mu, never after.
	renewMu sync.Mutex

	mu          sync.Mutex
	token       *Token
	invalidated bool
	metrics     SessionMetrics
}

// NewSession builds a session for env ("sandbox" or "prod") backed by the
// given token store.
func NewSession(env, consumerKey, consumerSecret string, store *TokenStore, logger zerolog.Logger) (*Session, error) {
	if env == "" {
		return nil, fmt.Errorf("session environment is required")
	}
	if consumerKey == "" || consumerSecret == "" {
		return nil, fmt.Errorf("consumer key and secret are required for %s", env)
	}
	loc, err := time.LoadLocation(defaultExchangeTZ)
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone: %w", err)
	}
	envLogger := logger.With().Str("component", "oauth").Str("env", env).Logger()
	metrics, err := store.LoadMetrics(env)
	if err != nil {
		// Corrupt counters are not worth refusing to trade over.
		envLogger.Warn().Err(err).Msg("discarding unreadable session metrics")
		metrics = SessionMetrics{}
	}
	return &Session{
		env:          env,
		signer:       NewSigner(consumerKey, consumerSecret),
		store:        store,
		client:       &http.Client{Timeout: 30 * time.Second},
		baseURL:      defaultOAuthBaseURL,
		authorizeURL: defaultAuthorizeURL,
		loc:          loc,
		renewalDue:   defaultRenewalDue,
		logger:       envLogger,
		now:          time.Now,
		metrics:      metrics,
	}, nil
}

// WithHTTPClient overrides the HTTP client (tests, custom transport).
func (s *Session) WithHTTPClient(c *http.Client) *Session {
	if c != nil {
		s.client = c
	}
	return s
}

// WithBaseURL points the OAuth endpoints somewhere else. Tests only.
func (s *Session) WithBaseURL(u string) *Session {
	if u != "" {
		s.baseURL = strings.TrimRight(u, "/")
	}
	return s
}

// WithAuthorizeURL overrides the browser authorization page.
func (s *Session) WithAuthorizeURL(u string) *Session {
	if u != "" {
		s.authorizeURL = u
	}
	return s
}

// WithClock overrides the wall clock, propagating to signature timestamps.
// Tests only.
func (s *Session) WithClock(fn func() time.Time) *Session {
	if fn != nil {
		s.now = fn
		s.signer.WithClock(fn)
	}
	return s
}

// WithRenewalDue sets the cadence the keep-alive loop aims for, which also
// drives the NextRenewal field in Status.
func (s *Session) WithRenewalDue(d time.Duration) *Session {
	if d > 0 {
		s.renewalDue = d
	}
	return s
}

// Signer exposes the request signer for deterministic signature tests.
func (s *Session) Signer() *Signer { return s.signer }

// Env returns the session's environment name.
func (s *Session) Env() string { return s.env }

// Start runs the three-legged authorization flow: fetch a request token,
// send the user to the authorize page, trade the verification code for an
// access token, and persist it sealed.
func (s *Session) Start(ctx context.Context, prompt VerifierPrompt) error {
	vals, err := s.oauthCall(ctx, requestTokenEndpoint, "", "", map[string]string{
		"oauth_callback": "oob",
	})
	if err != nil {
		return fmt.Errorf("request token leg: %w", err)
	}
	reqToken := vals.Get("oauth_token")
	reqSecret := vals.Get("oauth_token_secret")
	if reqToken == "" || reqSecret == "" {
		return fmt.Errorf("request token leg: broker returned no token")
	}

	authURL := fmt.Sprintf("%s?key=%s&token=%s",
		s.authorizeURL, url.QueryEscape(s.signer.consumerKey), url.QueryEscape(reqToken))

	verifier, err := prompt(authURL)
	if err != nil {
		return fmt.Errorf("reading verification code: %w", err)
	}
	verifier = strings.TrimSpace(verifier)
	if verifier == "" {
		return fmt.Errorf("empty verification code")
	}

	vals, err = s.oauthCall(ctx, accessTokenEndpoint, reqToken, reqSecret, map[string]string{
		"oauth_verifier": verifier,
	})
	if err != nil {
		return fmt.Errorf("access token leg: %w", err)
	}
	accessToken := vals.Get("oauth_token")
	accessSecret := vals.Get("oauth_token_secret")
	if accessToken == "" || accessSecret == "" {
		return fmt.Errorf("access token leg: broker returned no token")
	}

	now := s.now()
	tok := &Token{
		Env:          s.env,
		AccessToken:  accessToken,
		AccessSecret: accessSecret,
		ObtainedAt:   now,
		LastUsedAt:   now,
		LastRenewed:  now,
	}
	if err := s.store.Save(tok); err != nil {
		return fmt.Errorf("persisting access token: %w", err)
	}

	s.mu.Lock()
	s.token = tok
	s.invalidated = false
	s.metrics.ConsecutiveFailures = 0
	s.metrics.LastSuccessfulCall = now
	s.metrics.NextMidnightET = s.expiryOf(tok)
	s.mu.Unlock()
	s.persistMetrics()

	s.logger.Info().Time("expires_at", s.expiryOf(tok)).Msg("access token obtained")
	return nil
}

// Renew calls the broker's renew endpoint to keep the token from going
// idle. A 401 here means the daily expiry already hit.
func (s *Session) Renew(ctx context.Context) error {
	tok, err := s.currentToken()
	if err != nil {
		return err
	}
	if s.now().After(s.expiryOf(tok)) {
		return fmt.Errorf("renewing %s token: %w", s.env, ErrDailyReauthRequired)
	}

	s.mu.Lock()
	s.metrics.RenewAttempts++
	s.mu.Unlock()

	if _, err := s.oauthCall(ctx, renewTokenEndpoint, tok.AccessToken, tok.AccessSecret, nil); err != nil {
		s.mu.Lock()
		s.metrics.RenewFailures++
		s.metrics.ConsecutiveFailures++
		s.mu.Unlock()
		if isUnauthorized(err) {
			s.Invalidate("renew rejected by broker")
			return fmt.Errorf("renewing %s token: %w", s.env, ErrDailyReauthRequired)
		}
		s.persistMetrics()
		return fmt.Errorf("renewing %s token: %w", s.env, err)
	}

	now := s.now()
	s.mu.Lock()
	tok.LastRenewed = now
	tok.LastUsedAt = now
	s.metrics.ConsecutiveFailures = 0
	s.metrics.LastSuccessfulCall = now
	s.metrics.NextMidnightET = s.expiryOf(tok)
	s.mu.Unlock()
	s.persistMetrics()

	if err := s.store.Save(tok); err != nil {
		return fmt.Errorf("persisting renewed token: %w", err)
	}
	s.logger.Debug().Time("renewed_at", now).Msg("access token renewed")
	return nil
}

// Revoke invalidates the token at the broker and removes it from disk.
func (s *Session) Revoke(ctx context.Context) error {
	tok, err := s.currentToken()
	if err != nil {
		return err
	}
	if _, err := s.oauthCall(ctx, revokeTokenEndpoint, tok.AccessToken, tok.AccessSecret, nil); err != nil && !isUnauthorized(err) {
		return fmt.Errorf("revoking %s token: %w", s.env, err)
	}

	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()

	return s.store.Clear(s.env)
}

// SignRequest authorizes an API request with the stored access token. A
// token idle past the broker's two-hour window is renewed in place before
// signing. Returns ErrDailyReauthRequired once the exchange-midnight
// expiry passed or the session was invalidated by a broker 401.
func (s *Session) SignRequest(req *http.Request) error {
	tok, err := s.currentToken()
	if err != nil {
		return err
	}

	s.mu.Lock()
	invalidated := s.invalidated
	s.mu.Unlock()
	if invalidated {
		return fmt.Errorf("session %s: %w", s.env, ErrDailyReauthRequired)
	}
	if s.now().After(s.expiryOf(tok)) {
		return fmt.Errorf("session %s: %w", s.env, ErrDailyReauthRequired)
	}

	if err := s.renewIfIdle(req.Context(), tok); err != nil {
		return err
	}

	if err := s.signer.Sign(req, tok.AccessToken, tok.AccessSecret, nil); err != nil {
		return err
	}

	s.mu.Lock()
	tok.LastUsedAt = s.now()
	s.mu.Unlock()
	return nil
}

// renewIfIdle renews the token when the last broker contact is older than
// the idle window. Signers queued behind an in-flight renewal re-check and
// return without a second broker call.
func (s *Session) renewIfIdle(ctx context.Context, tok *Token) error {
	if !s.tokenIdle(tok) {
		return nil
	}
	s.renewMu.Lock()
	defer s.renewMu.Unlock()
	if !s.tokenIdle(tok) {
		return nil
	}
	return s.Renew(ctx)
}

func (s *Session) tokenIdle(tok *Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(latest(tok.LastUsedAt, tok.LastRenewed)) >= idleThreshold
}

// Invalidate marks the session as needing interactive re-authorization.
// Called when the broker rejects a signed request mid-day.
func (s *Session) Invalidate(reason string) {
	s.mu.Lock()
	s.invalidated = true
	s.metrics.Last401Count++
	s.mu.Unlock()
	s.persistMetrics()
	s.logger.Warn().Str("reason", reason).Msg("session invalidated, re-authorization required")
}

// Metrics returns a copy of the session's operational counters.
func (s *Session) Metrics() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// persistMetrics writes the counters best-effort; losing one update is
// never worth failing the call that produced it.
func (s *Session) persistMetrics() {
	s.mu.Lock()
	m := s.metrics
	s.mu.Unlock()
	if err := s.store.SaveMetrics(s.env, m); err != nil {
		s.logger.Warn().Err(err).Msg("persisting session metrics")
	}
}

// Status reports the stored token's state without touching the broker.
func (s *Session) Status() TokenStatus {
	st := TokenStatus{Env: s.env, State: TokenMissing}

	tok, err := s.currentToken()
	if err != nil {
		st.Metrics = s.Metrics()
		return st
	}

	now := s.now()
	st.ObtainedAt = tok.ObtainedAt
	st.LastUsedAt = tok.LastUsedAt
	st.LastRenewed = tok.LastRenewed
	st.ExpiresAt = s.expiryOf(tok)
	st.NextRenewal = tok.LastRenewed.Add(s.renewalDue)

	s.mu.Lock()
	invalidated := s.invalidated
	st.Metrics = s.metrics
	s.mu.Unlock()

	switch {
	case invalidated || now.After(st.ExpiresAt):
		st.State = TokenExpired
	case now.Sub(latest(tok.LastUsedAt, tok.LastRenewed)) >= idleThreshold:
		st.State = TokenIdle
	default:
		st.State = TokenActive
	}
	return st
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// currentToken returns the cached token, loading from the store on first use.
func (s *Session) currentToken() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != nil {
		return s.token, nil
	}
	tok, err := s.store.Load(s.env)
	if err != nil {
		return nil, err
	}
	s.token = tok
	return tok, nil
}

// expiryOf returns the first exchange-time midnight after the token was
// obtained. The broker hard-expires access tokens there regardless of use.
func (s *Session) expiryOf(tok *Token) time.Time {
	et := tok.ObtainedAt.In(s.loc)
	return time.Date(et.Year(), et.Month(), et.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
}

// statusError carries a non-200 from the OAuth endpoints.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("oauth endpoint returned %d: %s", e.Status, e.Body)
}

func isUnauthorized(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}

// oauthCall signs and performs one OAuth-endpoint GET and parses the
// form-encoded response body.
func (s *Session) oauthCall(ctx context.Context, endpoint, token, secret string, extra map[string]string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	if err := s.signer.Sign(req, token, secret, extra); err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close oauth response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, oauthResponseBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("reading oauth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	vals, err := url.ParseQuery(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing oauth response: %w", err)
	}
	return vals, nil
}
