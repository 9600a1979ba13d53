package config

import (
	"os"
	"strings"
	"time"
)

const (
	appNameVar           = "APP_NAME"
	credentialsFileVar   = "FIRESESSION_CREDENTIALS"
	logLevelVar          = "FIRESESSION_LOG_LEVEL"
	refreshSkewVar       = "FIRESESSION_REFRESH_SKEW"
	assertionLifetimeVar = "FIRESESSION_ASSERTION_LIFETIME"
	exchangeTimeoutVar   = "FIRESESSION_EXCHANGE_TIMEOUT"
	cachePathVar         = "FIRESESSION_CACHE_PATH"
	scopesVar            = "FIRESESSION_SCOPES"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}
var _ SessionConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "firesession")
}

func (EnvVars) GetCredentialsFile() string {
	return GetEnv(credentialsFileVar, "firebase-service-account.json")
}

func (EnvVars) GetLogLevel() string {
	return GetEnv(logLevelVar, "info")
}

func (EnvVars) GetRefreshSkew() time.Duration {
	return getDuration(refreshSkewVar, time.Minute)
}

func (EnvVars) GetAssertionLifetime() time.Duration {
	return getDuration(assertionLifetimeVar, time.Hour)
}

func (EnvVars) GetExchangeTimeout() time.Duration {
	return getDuration(exchangeTimeoutVar, 30*time.Second)
}

func (EnvVars) GetCachePath() string {
	return GetEnv(cachePathVar, "")
}

func (EnvVars) GetScopes() []string {
	raw := GetEnv(scopesVar, "")
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
