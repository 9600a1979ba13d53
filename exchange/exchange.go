// Package exchange performs the network exchange of a signed assertion
// for a bearer access token. It is a pure protocol translator: one
// request per call, no retries, error classification only. Retry policy
// belongs to the caller.
package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GrantType is the OAuth2 JWT-bearer grant identifier.
const GrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// DefaultTimeout bounds a single exchange request when the caller does
// not supply its own HTTP client.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Token is the successful result of an exchange.
type Token struct {
	Value     string
	TokenType string
	ExpiresAt time.Time
	Scopes    []string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchanger posts assertions to an OAuth2 token endpoint.
type Exchanger struct {
	client  *http.Client
	nowFunc func() time.Time
}

type Option func(*Exchanger)

// WithHTTPClient replaces the HTTP client, including its timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Exchanger) {
		e.client = client
	}
}

// WithTimeout sets the per-request timeout on the exchanger's client.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Exchanger) {
		e.client.Timeout = timeout
	}
}

// WithNowFunc overrides the clock used to anchor expires_in. Tests use
// this to get deterministic expiry timestamps.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Exchanger) {
		e.nowFunc = now
	}
}

func New(options ...Option) *Exchanger {
	e := &Exchanger{
		client:  &http.Client{Timeout: DefaultTimeout},
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

// Exchange presents a signed assertion at tokenURI and returns the
// bearer token it grants. The expiry is computed against the response
// receipt time, so a token is never considered valid longer than the
// issuer intended.
func (e *Exchanger) Exchange(ctx context.Context, assertion, tokenURI string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", GrantType)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	receivedAt := e.nowFunc()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		var er errorResponse
		if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
			return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, &AuthRejectedError{
			StatusCode:  resp.StatusCode,
			Code:        er.Error,
			Description: er.ErrorDescription,
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		return nil, &MalformedResponseError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return &Token{
		Value:     tr.AccessToken,
		TokenType: tr.TokenType,
		ExpiresAt: receivedAt.Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scopes:    strings.Fields(tr.Scope),
	}, nil
}
