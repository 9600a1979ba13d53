package session_test

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/firesession/firesession/credentials"
	"github.com/firesession/firesession/exchange"
	"github.com/firesession/firesession/internal/keytest"
	"github.com/firesession/firesession/session"
)

// testClock is a mutable clock shared by the manager and the fake
// exchanger.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExchanger counts exchanges and serves scripted results.
type fakeExchanger struct {
	clock *testClock
	delay time.Duration
	ttl   time.Duration

	mu    sync.Mutex
	err   error
	calls atomic.Int32
}

func newFakeExchanger(clock *testClock) *fakeExchanger {
	return &fakeExchanger{clock: clock, ttl: time.Hour}
}

func (f *fakeExchanger) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeExchanger) Exchange(ctx context.Context, assertion, tokenURI string) (*exchange.Token, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, &exchange.NetworkError{Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &exchange.Token{
		Value:     fmt.Sprintf("token-%d", n),
		TokenType: "Bearer",
		ExpiresAt: f.clock.Now().Add(f.ttl),
	}, nil
}

func testAccount(t *testing.T) *credentials.ServiceAccount {
	t.Helper()
	account, err := credentials.ParseKey(keytest.KeyJSON(t, keytest.KeyFields{
		PrivateKey: keytest.PEMPKCS8(t, keytest.RSAKey(t)),
	}))
	require.NoError(t, err)
	return account
}

func newManager(t *testing.T, clock *testClock, fake *fakeExchanger, options ...session.Option) *session.Manager {
	t.Helper()
	options = append([]session.Option{
		session.WithExchanger(fake),
		session.WithNowFunc(clock.Now),
	}, options...)
	return session.New(testAccount(t), options...)
}

func TestTokenCachedReuse(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	manager := newManager(t, clock, fake)

	first, err := manager.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "token-1", first.Value)

	clock.Advance(10 * time.Second)

	second, err := manager.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.Value, second.Value)
	require.EqualValues(t, 1, fake.calls.Load())
}

func TestSingleFlight(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	fake.delay = 50 * time.Millisecond
	manager := newManager(t, clock, fake)

	const callers = 25
	tokens := make([]string, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			token, err := manager.Token(context.Background())
			require.NoError(t, err)
			tokens[i] = token.Value
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, fake.calls.Load())
	for _, value := range tokens {
		require.Equal(t, "token-1", value)
	}
}

func TestRefreshAfterExpiry(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	manager := newManager(t, clock, fake)

	first, err := manager.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	second, err := manager.Token(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.Value, second.Value)
	require.EqualValues(t, 2, fake.calls.Load())

	// The refreshed token is valid at the new clock.
	require.True(t, clock.Now().Before(second.ExpiresAt))
}

func TestSkewWindowServesCurrentToken(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	manager := newManager(t, clock, fake, session.WithRefreshSkew(time.Minute))

	first, err := manager.Token(context.Background())
	require.NoError(t, err)

	// Move inside the skew window: still valid for 30 more seconds.
	clock.Advance(fake.ttl - 30*time.Second)

	served, err := manager.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.Value, served.Value)
	require.False(t, served.Expired(clock.Now()))

	// The background refresh triggered by the skewed read lands
	// without any further exchanges.
	require.Eventually(t, func() bool {
		token, err := manager.Token(context.Background())
		return err == nil && token.Value != first.Value
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 2, fake.calls.Load())
}

func TestAuthRejectedSurfacedToAllWaiters(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	fake.delay = 20 * time.Millisecond
	fake.setErr(&exchange.AuthRejectedError{StatusCode: http.StatusBadRequest, Code: "invalid_grant"})
	manager := newManager(t, clock, fake)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = manager.Token(context.Background())
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, fake.calls.Load())
	for _, err := range errs {
		var rejected *exchange.AuthRejectedError
		require.ErrorAs(t, err, &rejected)
		require.Equal(t, "invalid_grant", rejected.Code)
	}

	// A subsequent call with the credential unchanged fails again.
	_, err := manager.Token(context.Background())
	require.Error(t, err)
	require.EqualValues(t, 2, fake.calls.Load())

	// Failure is recoverable: once the endpoint accepts, the manager
	// returns to serving tokens.
	fake.setErr(nil)
	token, err := manager.Token(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token.Value)
}

func TestRestoreFromSnapshot(t *testing.T) {
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "snapshot.json")

	fake := newFakeExchanger(clock)
	first := newManager(t, clock, fake, session.WithCachePath(path))
	token, err := first.Token(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, fake.calls.Load())
	_, err = os.Stat(path)
	require.NoError(t, err)

	// A second manager over the same credential and path starts from
	// the snapshot and performs no exchange.
	coldFake := newFakeExchanger(clock)
	second := newManager(t, clock, coldFake, session.WithCachePath(path))
	restored, err := second.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, token.Value, restored.Value)
	require.EqualValues(t, 0, coldFake.calls.Load())
}

func TestExpiredSnapshotTriggersOneExchange(t *testing.T) {
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "snapshot.json")

	fake := newFakeExchanger(clock)
	first := newManager(t, clock, fake, session.WithCachePath(path))
	_, err := first.Token(context.Background())
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	coldFake := newFakeExchanger(clock)
	second := newManager(t, clock, coldFake, session.WithCachePath(path))
	token, err := second.Token(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, coldFake.calls.Load())
	require.True(t, clock.Now().Before(token.ExpiresAt))
}

func TestSnapshotRejectedForDifferentCredential(t *testing.T) {
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "snapshot.json")

	fake := newFakeExchanger(clock)
	first := newManager(t, clock, fake, session.WithCachePath(path))
	_, err := first.Token(context.Background())
	require.NoError(t, err)

	otherAccount, err := credentials.ParseKey(keytest.KeyJSON(t, keytest.KeyFields{
		PrivateKey: keytest.PEMPKCS8(t, keytest.FreshRSAKey(t)),
	}))
	require.NoError(t, err)

	coldFake := newFakeExchanger(clock)
	second := session.New(otherAccount,
		session.WithExchanger(coldFake),
		session.WithNowFunc(clock.Now),
		session.WithCachePath(path),
	)
	_, err = second.Token(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, coldFake.calls.Load())
}

func TestPersistFailureDoesNotFailAcquisition(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)

	// A directory at the snapshot path makes every persist fail.
	dir := t.TempDir()
	occupied := filepath.Join(dir, "occupied")
	require.NoError(t, os.Mkdir(occupied, 0o700))

	manager := newManager(t, clock, fake, session.WithCachePath(occupied))
	token, err := manager.Token(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token.Value)
}

func TestAuthorizationHeader(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	manager := newManager(t, clock, fake)

	header, err := manager.AuthorizationHeader(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Bearer token-1", header)
}

func TestTokenSource(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	manager := newManager(t, clock, fake)

	source := manager.TokenSource(context.Background())
	token, err := source.Token()
	require.NoError(t, err)
	require.Equal(t, "token-1", token.AccessToken)
	require.Equal(t, "Bearer", token.TokenType)
	require.True(t, clock.Now().Before(token.Expiry))
}

func TestCallerContextCancelledWhileWaiting(t *testing.T) {
	clock := newTestClock()
	fake := newFakeExchanger(clock)
	fake.delay = 200 * time.Millisecond
	manager := newManager(t, clock, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := manager.Token(ctx)
	var network *exchange.NetworkError
	require.ErrorAs(t, err, &network)
}
