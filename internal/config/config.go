// Package config reads the engine's operational knobs from the
// environment. Library callers normally pass options directly; the CLI
// and service embeddings go through here.
package config

import (
	"time"
)

type Config interface {
	EnvConfig
	SessionConfig
}

type EnvConfig interface {
	GetAppName() string
	GetCredentialsFile() string
	GetLogLevel() string
}

type SessionConfig interface {
	GetRefreshSkew() time.Duration
	GetAssertionLifetime() time.Duration
	GetExchangeTimeout() time.Duration
	GetCachePath() string
	GetScopes() []string
}

type mainConfig struct {
	EnvVars
}

func New() Config {
	return mainConfig{}
}
