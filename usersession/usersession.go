// Package usersession maintains Firebase Auth sessions for impersonated
// end users. The service account mints a custom token for the target
// user, exchanges it at the Identity Toolkit for an ID token, and
// renews that ID token through the secure-token refresh grant. The
// resulting header authenticates Firestore calls with the user's own
// identity and security rules.
package usersession

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/firesession/firesession/assertion"
	"github.com/firesession/firesession/credentials"
	"github.com/firesession/firesession/exchange"
	"github.com/firesession/firesession/tokencache"
)

// identityToolkitAudience is the fixed aud claim Firebase requires on
// custom tokens.
const identityToolkitAudience = "https://identitytoolkit.googleapis.com/google.identity.identitytoolkit.v1.IdentityToolkit"

const (
	defaultSignInEndpoint  = "https://identitytoolkit.googleapis.com/v1/accounts:signInWithCustomToken"
	defaultRefreshEndpoint = "https://securetoken.googleapis.com/v1/token"
)

// customTokenLifetime is the validity window Firebase accepts on custom
// tokens.
const customTokenLifetime = time.Hour

const maxResponseBytes = 1 << 20

// Session is a long-lived token source for one impersonated user. It is
// safe for concurrent use and shares the session manager's single-flight
// and skew discipline.
type Session struct {
	user    credentials.Impersonation
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
	skew    time.Duration
	nowFunc func() time.Time

	signInEndpoint  string
	refreshEndpoint string

	verifyIDTokens bool
	verifier       *oidc.IDTokenVerifier
	verifierMu     sync.Mutex

	group singleflight.Group

	mu           sync.Mutex
	idToken      tokencache.AccessToken
	refreshToken string
}

type Option func(*Session)

// WithHTTPClient replaces the HTTP client used for all Identity Toolkit
// and secure-token calls.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) {
		s.client = client
	}
}

// WithRefreshSkew sets the margin before ID-token expiry at which the
// session renews instead of serving the cached token.
func WithRefreshSkew(skew time.Duration) Option {
	return func(s *Session) {
		s.skew = skew
	}
}

// WithLogger attaches a logger. Without it the session is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithNowFunc overrides the clock. Tests use this to drive expiry.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Session) {
		s.nowFunc = now
	}
}

// WithSignInEndpoint overrides the Identity Toolkit endpoint, e.g. for
// the Firebase Auth emulator.
func WithSignInEndpoint(endpoint string) Option {
	return func(s *Session) {
		s.signInEndpoint = endpoint
	}
}

// WithRefreshEndpoint overrides the secure-token endpoint, e.g. for the
// Firebase Auth emulator.
func WithRefreshEndpoint(endpoint string) Option {
	return func(s *Session) {
		s.refreshEndpoint = endpoint
	}
}

// WithIDTokenVerification enables OIDC verification of every ID token
// received, against the project's secure-token issuer.
func WithIDTokenVerification() Option {
	return func(s *Session) {
		s.verifyIDTokens = true
	}
}

// New creates a session for the impersonated user. The apiKey is the
// Firebase web API key of the project.
func New(user credentials.Impersonation, apiKey string, options ...Option) *Session {
	s := &Session{
		user:            user,
		apiKey:          apiKey,
		client:          &http.Client{Timeout: exchange.DefaultTimeout},
		logger:          zerolog.Nop(),
		skew:            time.Minute,
		nowFunc:         time.Now,
		signInEndpoint:  defaultSignInEndpoint,
		refreshEndpoint: defaultRefreshEndpoint,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Token returns a currently-valid ID token for the impersonated user,
// signing in or renewing as needed. Concurrent callers share a single
// in-flight renewal.
func (s *Session) Token(ctx context.Context) (tokencache.AccessToken, error) {
	now := s.nowFunc()

	s.mu.Lock()
	token := s.idToken
	s.mu.Unlock()

	if token.Usable(now, s.skew) {
		return token, nil
	}

	ch := s.group.DoChan("renew", func() (interface{}, error) {
		return s.renew(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return tokencache.AccessToken{}, &exchange.NetworkError{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return tokencache.AccessToken{}, res.Err
		}
		return res.Val.(tokencache.AccessToken), nil
	}
}

// AuthorizationHeader returns the value for the Authorization header of
// an outbound request made as the impersonated user.
func (s *Session) AuthorizationHeader(ctx context.Context) (string, error) {
	token, err := s.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token.Value, nil
}

// renew refreshes the ID token, preferring the refresh-token grant and
// falling back to a fresh custom-token sign-in.
func (s *Session) renew(ctx context.Context) (tokencache.AccessToken, error) {
	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()

	if refreshToken != "" {
		token, err := s.refresh(ctx, refreshToken)
		if err == nil {
			return token, nil
		}
		if !exchange.Retryable(err) {
			s.logger.Warn().Err(err).Msg("refresh grant rejected, signing in again")
		} else {
			return tokencache.AccessToken{}, err
		}
	}
	return s.signIn(ctx)
}

// signIn mints a custom token for the user and exchanges it for an ID
// token at the Identity Toolkit.
func (s *Session) signIn(ctx context.Context) (tokencache.AccessToken, error) {
	now := s.nowFunc()
	custom, err := s.mintCustomToken(now)
	if err != nil {
		return tokencache.AccessToken{}, err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"token":             custom,
		"returnSecureToken": true,
	})
	if err != nil {
		return tokencache.AccessToken{}, &exchange.MalformedResponseError{Body: err.Error()}
	}

	endpoint := s.signInEndpoint + "?key=" + url.QueryEscape(s.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return tokencache.AccessToken{}, &exchange.NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	body, status, err := s.do(req)
	if err != nil {
		return tokencache.AccessToken{}, err
	}
	receivedAt := s.nowFunc()

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return tokencache.AccessToken{}, classifyIdentityError(status, body)
	}

	var sr struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &sr); err != nil || sr.IDToken == "" {
		return tokencache.AccessToken{}, &exchange.MalformedResponseError{StatusCode: status, Body: string(body)}
	}

	return s.adopt(ctx, sr.IDToken, sr.RefreshToken, sr.ExpiresIn, receivedAt)
}

// refresh renews the ID token through the secure-token refresh grant.
func (s *Session) refresh(ctx context.Context, refreshToken string) (tokencache.AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	endpoint := s.refreshEndpoint + "?key=" + url.QueryEscape(s.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokencache.AccessToken{}, &exchange.NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := s.do(req)
	if err != nil {
		return tokencache.AccessToken{}, err
	}
	receivedAt := s.nowFunc()

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return tokencache.AccessToken{}, classifyIdentityError(status, body)
	}

	var rr struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &rr); err != nil || rr.IDToken == "" {
		return tokencache.AccessToken{}, &exchange.MalformedResponseError{StatusCode: status, Body: string(body)}
	}

	return s.adopt(ctx, rr.IDToken, rr.RefreshToken, rr.ExpiresIn, receivedAt)
}

// adopt validates, stores and returns a newly received ID token.
func (s *Session) adopt(ctx context.Context, idToken, refreshToken, expiresIn string, receivedAt time.Time) (tokencache.AccessToken, error) {
	expiry, err := parseExpiresIn(expiresIn)
	if err != nil {
		return tokencache.AccessToken{}, &exchange.MalformedResponseError{Body: "expires_in: " + expiresIn}
	}

	if s.verifyIDTokens {
		if err := s.verify(ctx, idToken); err != nil {
			return tokencache.AccessToken{}, err
		}
	}

	token := tokencache.AccessToken{
		Value:     idToken,
		TokenType: "Bearer",
		ExpiresAt: receivedAt.Add(expiry),
	}

	s.mu.Lock()
	s.idToken = token
	if refreshToken != "" {
		s.refreshToken = refreshToken
	}
	s.mu.Unlock()

	s.logger.Debug().
		Str("uid", s.user.UserID).
		Time("expires_at", token.ExpiresAt).
		Msg("user ID token renewed")
	return token, nil
}

// mintCustomToken signs the Firebase custom token asserting the target
// user's uid.
func (s *Session) mintCustomToken(now time.Time) (string, error) {
	account := s.user.Account
	claims := jwt.MapClaims{
		"iss": account.ClientEmail,
		"sub": account.ClientEmail,
		"aud": identityToolkitAudience,
		"uid": s.user.UserID,
		"iat": now.Unix(),
		"exp": now.Add(customTokenLifetime).Unix(),
		"jti": uuid.New().String(),
	}
	signed, err := account.Signer().Sign(claims)
	if err != nil {
		return "", errors.Wrapf(assertion.ErrSigning, "%v", err)
	}
	return signed, nil
}

// verify checks the ID token against the project's secure-token issuer.
func (s *Session) verify(ctx context.Context, rawToken string) error {
	verifier, err := s.idTokenVerifier(ctx)
	if err != nil {
		return err
	}
	if _, err := verifier.Verify(ctx, rawToken); err != nil {
		return &exchange.AuthRejectedError{Code: "invalid_id_token", Description: err.Error()}
	}
	return nil
}

func (s *Session) idTokenVerifier(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	s.verifierMu.Lock()
	defer s.verifierMu.Unlock()
	if s.verifier != nil {
		return s.verifier, nil
	}
	projectID := s.user.Account.ProjectID
	provider, err := oidc.NewProvider(ctx, "https://securetoken.google.com/"+projectID)
	if err != nil {
		return nil, &exchange.NetworkError{Err: err}
	}
	s.verifier = provider.Verifier(&oidc.Config{ClientID: projectID})
	return s.verifier, nil
}

func (s *Session) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, &exchange.NetworkError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, &exchange.NetworkError{Err: err}
	}
	return body, resp.StatusCode, nil
}

// classifyIdentityError maps Google-style error envelopes onto the
// exchange taxonomy.
func classifyIdentityError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return &exchange.MalformedResponseError{StatusCode: status, Body: string(body)}
	}
	return &exchange.AuthRejectedError{StatusCode: status, Code: envelope.Error.Message}
}

// parseExpiresIn handles the string-encoded seconds the Identity
// Toolkit returns.
func parseExpiresIn(value string) (time.Duration, error) {
	seconds, err := time.ParseDuration(value + "s")
	if err != nil || seconds <= 0 {
		return 0, errors.Errorf("invalid expires_in %q", value)
	}
	return seconds, nil
}
