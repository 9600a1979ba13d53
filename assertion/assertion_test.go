package assertion_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/firesession/firesession/assertion"
	"github.com/firesession/firesession/credentials"
	"github.com/firesession/firesession/internal/keytest"
)

func testAccount(t *testing.T) *credentials.ServiceAccount {
	t.Helper()
	account, err := credentials.ParseKey(keytest.KeyJSON(t, keytest.KeyFields{
		PrivateKey: keytest.PEMPKCS8(t, keytest.RSAKey(t)),
	}))
	require.NoError(t, err)
	return account
}

func parseClaims(t *testing.T, account *credentials.ServiceAccount, signed string) jwt.MapClaims {
	t.Helper()
	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		return account.PublicKey(), nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	return claims
}

func TestBuildClaims(t *testing.T) {
	account := testAccount(t)
	builder := assertion.New(account)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	signed, err := builder.Build([]string{"scope-a", "scope-b"}, now)
	require.NoError(t, err)

	claims := parseClaims(t, account, signed)
	require.Equal(t, account.ClientEmail, claims["iss"])
	require.Equal(t, account.ClientEmail, claims["sub"])
	require.Equal(t, account.TokenURI, claims["aud"])
	require.Equal(t, "scope-a scope-b", claims["scope"])
	require.EqualValues(t, now.Unix(), claims["iat"])
	require.EqualValues(t, now.Add(time.Hour).Unix(), claims["exp"])
	require.NotEmpty(t, claims["jti"])
}

func TestBuildSignatureVerifies(t *testing.T) {
	account := testAccount(t)
	builder := assertion.New(account)

	signed, err := builder.Build([]string{"scope-a"}, time.Now())
	require.NoError(t, err)

	// The compact form must be three dot-separated base64url parts,
	// verifiable with the key's public counterpart.
	parsed, err := jwt.Parse(signed, func(token *jwt.Token) (any, error) {
		return account.PublicKey(), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)
}

func TestBuildFreshJTIPerAssertion(t *testing.T) {
	account := testAccount(t)
	builder := assertion.New(account)
	now := time.Now()

	first, err := builder.Build(nil, now)
	require.NoError(t, err)
	second, err := builder.Build(nil, now)
	require.NoError(t, err)

	firstClaims := parseClaims(t, account, first)
	secondClaims := parseClaims(t, account, second)
	require.NotEqual(t, firstClaims["jti"], secondClaims["jti"])
}

func TestLifetimeClamp(t *testing.T) {
	account := testAccount(t)

	tests := []struct {
		name     string
		lifetime time.Duration
		want     time.Duration
	}{
		{"default", 0, assertion.DefaultLifetime},
		{"explicit", 30 * time.Minute, 30 * time.Minute},
		{"above protocol maximum", 2 * time.Hour, assertion.MaxLifetime},
		{"negative", -time.Minute, assertion.DefaultLifetime},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			builder := assertion.New(account, assertion.WithLifetime(tc.lifetime))
			require.Equal(t, tc.want, builder.Lifetime())

			now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
			signed, err := builder.Build(nil, now)
			require.NoError(t, err)
			claims := parseClaims(t, account, signed)
			require.EqualValues(t, now.Add(tc.want).Unix(), claims["exp"])
		})
	}
}

func TestWithSubject(t *testing.T) {
	account := testAccount(t)
	builder := assertion.New(account, assertion.WithSubject("end.user@example.com"))

	signed, err := builder.Build(nil, time.Now())
	require.NoError(t, err)

	claims := parseClaims(t, account, signed)
	require.Equal(t, account.ClientEmail, claims["iss"])
	require.Equal(t, "end.user@example.com", claims["sub"])
}
