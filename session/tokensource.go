package session

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource adapts the manager to golang.org/x/oauth2 consumers, so
// Google API clients can take their tokens straight from this engine.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, manager: m}
}

type tokenSource struct {
	ctx     context.Context
	manager *Manager
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.manager.Token(ts.ctx)
	if err != nil {
		return nil, err
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: token.Value,
		TokenType:   tokenType,
		Expiry:      token.ExpiresAt,
	}, nil
}
