// Package session orchestrates the credential lifecycle: it hands out a
// currently-valid access token on demand, refreshing through the
// assertion builder and token exchanger when the cached token nears
// expiry. Exactly one refresh is in flight at any time per manager,
// regardless of how many callers demand a token concurrently.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/firesession/firesession/assertion"
	"github.com/firesession/firesession/credentials"
	"github.com/firesession/firesession/exchange"
	"github.com/firesession/firesession/tokencache"
)

// ScopeDatastore grants Firestore document access.
const ScopeDatastore = "https://www.googleapis.com/auth/datastore"

// ScopeCloudPlatform grants broad GCP API access.
const ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"

// DefaultRefreshSkew is the safety margin before expiry within which a
// token is refreshed rather than served as-is.
const DefaultRefreshSkew = time.Minute

// Exchanger performs the assertion-for-token network exchange. The
// production implementation is exchange.Exchanger; tests substitute
// fakes.
type Exchanger interface {
	Exchange(ctx context.Context, assertion, tokenURI string) (*exchange.Token, error)
}

// Manager is the long-lived per-credential token source. It is safe for
// concurrent use.
type Manager struct {
	account   *credentials.ServiceAccount
	builder   *assertion.Builder
	exchanger Exchanger
	cache     *tokencache.Cache

	scopes  []string
	skew    time.Duration
	nowFunc func() time.Time
	logger  zerolog.Logger

	group singleflight.Group

	mu       sync.Mutex
	restored bool

	// options accumulated before construction
	subject   string
	lifetime  time.Duration
	cachePath string
	exchOpts  []exchange.Option
}

type Option func(*Manager)

// WithScopes sets the OAuth scopes requested on every assertion.
func WithScopes(scopes ...string) Option {
	return func(m *Manager) {
		m.scopes = scopes
	}
}

// WithRefreshSkew sets the margin before expiry at which a token stops
// being served without refresh.
func WithRefreshSkew(skew time.Duration) Option {
	return func(m *Manager) {
		m.skew = skew
	}
}

// WithAssertionLifetime sets the validity window requested on
// assertions. Values above the protocol maximum are clamped by the
// builder.
func WithAssertionLifetime(lifetime time.Duration) Option {
	return func(m *Manager) {
		m.lifetime = lifetime
	}
}

// WithSubject impersonates a user via domain-wide delegation: the
// assertion's sub claim carries the user's email.
func WithSubject(subject string) Option {
	return func(m *Manager) {
		m.subject = subject
	}
}

// WithExchanger replaces the token exchanger. Tests use this to observe
// and stub the network exchange.
func WithExchanger(e Exchanger) Option {
	return func(m *Manager) {
		m.exchanger = e
	}
}

// WithExchangeTimeout bounds each exchange request.
func WithExchangeTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		m.exchOpts = append(m.exchOpts, exchange.WithTimeout(timeout))
	}
}

// WithExchangeOptions passes options through to the underlying
// exchanger, e.g. a custom HTTP client.
func WithExchangeOptions(options ...exchange.Option) Option {
	return func(m *Manager) {
		m.exchOpts = append(m.exchOpts, options...)
	}
}

// WithCachePath enables the persisted token snapshot at the given file
// path, letting a restarted process skip its first exchange.
func WithCachePath(path string) Option {
	return func(m *Manager) {
		m.cachePath = path
	}
}

// WithLogger attaches a logger. Without it the manager is silent.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNowFunc overrides the clock. Tests use this to drive expiry.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func New(account *credentials.ServiceAccount, options ...Option) *Manager {
	m := &Manager{
		account: account,
		scopes:  []string{ScopeDatastore},
		skew:    DefaultRefreshSkew,
		nowFunc: time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(m)
	}

	builderOpts := []assertion.Option{}
	if m.subject != "" {
		builderOpts = append(builderOpts, assertion.WithSubject(m.subject))
	}
	if m.lifetime > 0 {
		builderOpts = append(builderOpts, assertion.WithLifetime(m.lifetime))
	}
	m.builder = assertion.New(account, builderOpts...)

	if m.exchanger == nil {
		m.exchanger = exchange.New(m.exchOpts...)
	}

	cacheOpts := []tokencache.Option{}
	if m.cachePath != "" {
		cacheOpts = append(cacheOpts, tokencache.WithPath(m.cachePath))
	}
	m.cache = tokencache.New(account.Fingerprint(), cacheOpts...)

	return m
}

// Token returns a currently-valid access token, refreshing it first if
// needed. Concurrent callers share a single in-flight refresh; every
// waiter of a failed refresh receives the same classified error, and
// the next call after a failure starts over.
func (m *Manager) Token(ctx context.Context) (tokencache.AccessToken, error) {
	now := m.nowFunc()
	m.restoreOnce(now)

	token, ok := m.cache.Get()
	if ok && token.Usable(now, m.skew) {
		return token, nil
	}

	if ok && !token.Expired(now) {
		// Inside the skew window but not hard-expired: kick a refresh
		// and serve the current token without blocking this caller.
		m.refreshAsync()
		return token, nil
	}

	return m.refresh(ctx)
}

// AuthorizationHeader returns the value for the Authorization header of
// an outbound request.
func (m *Manager) AuthorizationHeader(ctx context.Context) (string, error) {
	token, err := m.Token(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token.Value, nil
}

// ProjectID exposes the credential's project for consumers building
// resource names.
func (m *Manager) ProjectID() string {
	return m.account.ProjectID
}

// restoreOnce attempts the snapshot restore exactly once per process
// lifetime, before the first exchange.
func (m *Manager) restoreOnce(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.restored {
		return
	}
	m.restored = true
	if token, ok := m.cache.Restore(now, m.skew); ok {
		m.logger.Debug().
			Time("expires_at", token.ExpiresAt).
			Msg("restored access token from snapshot")
	}
}

// refresh runs (or joins) the single in-flight exchange and waits for
// its outcome. A caller whose context ends while waiting detaches with
// a NetworkError; the refresh itself keeps running for the remaining
// waiters and is bounded by the exchanger's own timeout.
func (m *Manager) refresh(ctx context.Context) (tokencache.AccessToken, error) {
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
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

// refreshAsync starts the single-flight refresh without waiting on it.
func (m *Manager) refreshAsync() {
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		return m.doRefresh(context.Background())
	})
	go func() {
		<-ch
	}()
}

func (m *Manager) doRefresh(ctx context.Context) (tokencache.AccessToken, error) {
	now := m.nowFunc()

	signed, err := m.builder.Build(m.scopes, now)
	if err != nil {
		m.logger.Error().Err(err).Msg("assertion signing failed")
		return tokencache.AccessToken{}, err
	}

	result, err := m.exchanger.Exchange(ctx, signed, m.account.TokenURI)
	if err != nil {
		m.logger.Error().Err(err).Msg("token exchange failed")
		return tokencache.AccessToken{}, err
	}

	token := tokencache.AccessToken{
		Value:     result.Value,
		TokenType: result.TokenType,
		ExpiresAt: result.ExpiresAt,
		Scopes:    result.Scopes,
	}
	m.cache.Set(token)

	// A working in-memory token is usable without a snapshot, so
	// persistence failures are logged and swallowed.
	if err := m.cache.Persist(); err != nil {
		m.logger.Warn().Err(err).Str("path", m.cachePath).Msg("failed to persist token snapshot")
	}

	m.logger.Debug().
		Time("expires_at", token.ExpiresAt).
		Msg("access token refreshed")
	return token, nil
}
