package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
)

type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreRedis  StoreKind = "redis"
	StoreSQLite StoreKind = "sqlite"
)

type StoreConfig interface {
	GetStoreKind() StoreKind
	GetSessionFile() string
	GetSessionKey() (*[32]byte, error)
	GetKeyPrefix() string
	GetRedisAddr() string
	GetRedisPassword() string
	GetRedisDB() int
	GetSQLitePath() string
}

type Store struct{}

var _ StoreConfig = Store{}

func (Store) GetStoreKind() StoreKind {
	return StoreKind(strings.ToLower(GetEnv("SESSION_STORE", string(StoreFile))))
}

func (Store) GetSessionFile() string {
	return GetEnv("SESSION_FILE", "./data/session.json")
}

// GetSessionKey decodes SESSION_KEY (64 hex characters). A nil key means the
// session file is written unsealed.
func (Store) GetSessionKey() (*[32]byte, error) {
	raw := GetEnv("SESSION_KEY", "")
	if raw == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidSessionKey, "SESSION_KEY is not hex")
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("SESSION_KEY must be 32 bytes, got %d: %w", len(decoded), apperrors.ErrInvalidSessionKey)
	}
	var key [32]byte
	copy(key[:], decoded)
	return &key, nil
}

func (Store) GetKeyPrefix() string {
	return GetEnv("SESSION_KEY_PREFIX", "")
}

func (Store) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "127.0.0.1:6379")
}

func (Store) GetRedisPassword() string {
	return GetEnv("REDIS_PASSWORD", "")
}

func (Store) GetRedisDB() int {
	return GetEnvInt("REDIS_DB", 0)
}

func (Store) GetSQLitePath() string {
	return GetEnv("SQLITE_PATH", "./data/session.db")
}
