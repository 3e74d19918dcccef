package config

import (
	"time"

	"github.com/joho/godotenv"
)

type Config interface {
	EnvConfig
	APIConfig
	StoreConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type APIConfig interface {
	GetBaseURL() string
	GetTimeout() time.Duration
	GetValidatePath() string
	GetExpirySkew() time.Duration
}

type mainConfig struct {
	EnvVars
	API
	Store
}

// New loads a .env file from the working directory when one exists and returns
// a Config backed by the process environment.
func New() Config {
	_ = godotenv.Load()
	return mainConfig{}
}
