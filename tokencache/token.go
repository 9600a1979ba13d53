// Package tokencache holds the current access token and its optional
// on-disk snapshot. The cache is a pure data holder; refresh policy
// lives with the session manager.
package tokencache

import (
	"time"
)

// AccessToken is the bearer credential presented on outbound calls.
type AccessToken struct {
	Value     string    `json:"access_token"`
	TokenType string    `json:"token_type,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// Usable reports whether the token can still be handed to a caller:
// it must stay valid for at least the skew margin beyond now.
func (t AccessToken) Usable(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Before(t.ExpiresAt.Add(-skew))
}

// Expired reports whether the token is past its hard expiry.
func (t AccessToken) Expired(now time.Time) bool {
	return t.Value == "" || !now.Before(t.ExpiresAt)
}
