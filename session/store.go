package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
)

// Persisted entry names. The three entries are always written and cleared together.
const (
	AccessTokenKey  = "accessToken"
	RefreshTokenKey = "refreshToken"
	UserKey         = "user"
)

// KV is the durable key/value backend behind a Store.
// SetAll and DeleteAll apply every entry or none; GetAll reads the entries as
// one snapshot and omits keys that do not exist.
type KV interface {
	GetAll(ctx context.Context, keys ...string) (map[string]string, error)
	SetAll(ctx context.Context, entries map[string]string) error
	DeleteAll(ctx context.Context, keys ...string) error
}

// Store persists the session through a KV backend and mirrors the active
// session in memory so it can be read without I/O. mu serializes writers;
// readers of the mirror never wait on it.
type Store struct {
	kv      KV
	prefix  string
	mu      sync.Mutex
	current atomic.Pointer[Session]
}

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithKeyPrefix namespaces the persisted entries, e.g. "platform:" gives "platform:accessToken".
func WithKeyPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func NewStore(kv KV, options ...StoreOption) *Store {
	s := &Store{kv: kv}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) keys() (access, refresh, user string) {
	return s.prefix + AccessTokenKey, s.prefix + RefreshTokenKey, s.prefix + UserKey
}

// Current returns a copy of the active session, or nil when there is none.
func (s *Store) Current() *Session {
	return s.current.Load().Clone()
}

// Save replaces the persisted session and makes it the active one.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, sess)
}

// CompareAndSave replaces the session only while the active session still
// holds expectedRefresh. It returns ErrSessionChanged otherwise, so a refresh
// that raced a logout or a new login cannot resurrect or overwrite it.
func (s *Store) CompareAndSave(ctx context.Context, expectedRefresh string, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.current.Load(); current == nil || current.RefreshToken != expectedRefresh {
		return apperrors.ErrSessionChanged
	}
	return s.save(ctx, sess)
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	user, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("[Store.Save] marshal user: %w", err)
	}

	accessKey, refreshKey, userKey := s.keys()
	if err := s.kv.SetAll(ctx, map[string]string{
		accessKey:  sess.AccessToken,
		refreshKey: sess.RefreshToken,
		userKey:    string(user),
	}); err != nil {
		return fmt.Errorf("[Store.Save] kv.SetAll: %w", err)
	}
	s.current.Store(sess.Clone())
	return nil
}

// Load reads the persisted session. It returns (nil, nil) when nothing is
// stored and ErrMalformedSession when the entries do not form a whole session.
// Load does not change the active session.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	accessKey, refreshKey, userKey := s.keys()
	entries, err := s.kv.GetAll(ctx, accessKey, refreshKey, userKey)
	if err != nil {
		return nil, fmt.Errorf("[Store.Load] kv.GetAll: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	sess := &Session{
		AccessToken:  entries[accessKey],
		RefreshToken: entries[refreshKey],
	}
	rawUser, ok := entries[userKey]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedSession, "missing %s", UserKey)
	}
	if err := json.Unmarshal([]byte(rawUser), &sess.User); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedSession, "decode %s: %v", UserKey, err)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Clear removes the persisted entries and the active session. It reports
// whether a session was active; the in-memory session is dropped even when
// the backend fails.
func (s *Store) Clear(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	had := s.current.Swap(nil) != nil

	accessKey, refreshKey, userKey := s.keys()
	if err := s.kv.DeleteAll(ctx, accessKey, refreshKey, userKey); err != nil {
		return had, fmt.Errorf("[Store.Clear] kv.DeleteAll: %w", err)
	}
	return had, nil
}
