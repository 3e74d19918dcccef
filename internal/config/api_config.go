package config

import (
	"strings"
	"time"
)

const (
	baseURLVar      = "API_BASE_URL"
	timeoutVar      = "API_TIMEOUT"
	validatePathVar = "SESSION_VALIDATE_PATH"
	expirySkewVar   = "TOKEN_EXPIRY_SKEW"
)

type API struct{}

var _ APIConfig = API{}

// GetBaseURL returns the platform API root without a trailing slash (e.g., "https://api.example.com")
func (API) GetBaseURL() string {
	return strings.TrimRight(GetEnv(baseURLVar, "http://localhost:5000"), "/")
}

func (API) GetTimeout() time.Duration {
	return GetEnvDuration(timeoutVar, 30*time.Second)
}

// GetValidatePath is the optional endpoint hit during session restore. Empty disables the call.
func (API) GetValidatePath() string {
	return GetEnv(validatePathVar, "")
}

// GetExpirySkew is subtracted from an access token's exp claim when deciding
// whether a persisted session is still usable.
func (API) GetExpirySkew() time.Duration {
	return GetEnvDuration(expirySkewVar, 0)
}
