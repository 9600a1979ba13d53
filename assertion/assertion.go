// Package assertion constructs the signed JWT-bearer assertions
// presented to the OAuth2 token endpoint. Assertions are single-use:
// one is built for every exchange attempt and none is ever cached.
package assertion

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/firesession/firesession/credentials"
)

// MaxLifetime is the protocol cap on assertion validity. Configured
// lifetimes above it are clamped.
const MaxLifetime = time.Hour

// DefaultLifetime is used when no lifetime option is given.
const DefaultLifetime = time.Hour

// ErrSigning marks a failure of the underlying crypto primitive. It
// indicates a credential defect and is never retryable.
var ErrSigning = errors.New("assertion signing failed")

// Builder constructs and signs assertions for a single credential.
type Builder struct {
	signer   credentials.Signer
	issuer   string
	subject  string
	audience string
	lifetime time.Duration
}

type Option func(*Builder)

// WithSubject overrides the assertion subject, used for domain-wide
// delegation where the service account acts for a user.
func WithSubject(subject string) Option {
	return func(b *Builder) {
		b.subject = subject
	}
}

// WithLifetime sets the assertion validity window. Values above
// MaxLifetime are clamped, non-positive values fall back to the
// default.
func WithLifetime(lifetime time.Duration) Option {
	return func(b *Builder) {
		b.lifetime = lifetime
	}
}

func New(account *credentials.ServiceAccount, options ...Option) *Builder {
	b := &Builder{
		signer:   account.Signer(),
		issuer:   account.ClientEmail,
		subject:  account.ClientEmail,
		audience: account.TokenURI,
		lifetime: DefaultLifetime,
	}
	for _, opt := range options {
		opt(b)
	}
	if b.lifetime <= 0 {
		b.lifetime = DefaultLifetime
	}
	if b.lifetime > MaxLifetime {
		b.lifetime = MaxLifetime
	}
	return b
}

// Lifetime returns the effective, clamped assertion lifetime.
func (b *Builder) Lifetime() time.Duration {
	return b.lifetime
}

// Build signs a fresh assertion for the given scopes, valid from now.
func (b *Builder) Build(scopes []string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   b.issuer,
		"sub":   b.subject,
		"aud":   b.audience,
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(b.lifetime).Unix(),
		"jti":   uuid.New().String(),
	}

	signed, err := b.signer.Sign(claims)
	if err != nil {
		return "", errors.Wrapf(ErrSigning, "%v", err)
	}
	return signed, nil
}
