// Package filekv persists session entries as a single JSON document on disk,
// optionally sealed with NaCl secretbox.
package filekv

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/session"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var _ session.KV = (*KV)(nil)

// KV stores all entries in one file. Every write replaces the file through a
// rename, so readers see either the previous or the next document.
type KV struct {
	path string
	key  *[32]byte
	mu   sync.Mutex
}

// Option defines a function type to modify the KV instance.
type Option func(*KV)

// WithKey seals the file with the given secretbox key.
func WithKey(key *[32]byte) Option {
	return func(kv *KV) {
		kv.key = key
	}
}

func New(path string, options ...Option) (*KV, error) {
	if path == "" {
		return nil, fmt.Errorf("[filekv.New] path is required")
	}
	kv := &KV{path: path}
	for _, opt := range options {
		opt(kv)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("[filekv.New] create directory: %w", err)
	}
	return kv, nil
}

func (kv *KV) GetAll(_ context.Context, keys ...string) (map[string]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	doc, err := kv.read()
	if err != nil {
		return nil, err
	}
	found := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			found[k] = v
		}
	}
	return found, nil
}

func (kv *KV) SetAll(_ context.Context, entries map[string]string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	doc, err := kv.read()
	if err != nil {
		return err
	}
	for k, v := range entries {
		doc[k] = v
	}
	return kv.write(doc)
}

func (kv *KV) DeleteAll(_ context.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	doc, err := kv.read()
	if apperrors.Is(err, apperrors.ErrMalformedSession) || apperrors.Is(err, apperrors.ErrInvalidSessionKey) {
		// unreadable files cannot be edited, only dropped
		return kv.remove()
	}
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(doc, k)
	}
	if len(doc) == 0 {
		return kv.remove()
	}
	return kv.write(doc)
}

func (kv *KV) remove() error {
	if err := os.Remove(kv.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("[filekv.remove] %w", err)
	}
	return nil
}

func (kv *KV) read() (map[string]string, error) {
	raw, err := os.ReadFile(kv.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("[filekv.read] %w", err)
	}

	if kv.key != nil {
		if raw, err = kv.open(raw); err != nil {
			return nil, err
		}
	}

	doc := map[string]string{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedSession, "[filekv.read] decode %s", kv.path)
	}
	return doc, nil
}

func (kv *KV) write(doc map[string]string) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("[filekv.write] encode: %w", err)
	}
	if kv.key != nil {
		if raw, err = kv.seal(raw); err != nil {
			return err
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(kv.path), filepath.Base(kv.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("[filekv.write] create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("[filekv.write] write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("[filekv.write] close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), kv.path); err != nil {
		return fmt.Errorf("[filekv.write] rename: %w", err)
	}
	return nil
}

func (kv *KV) seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("[filekv.seal] nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, kv.key), nil
}

func (kv *KV) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, apperrors.Wrapf(apperrors.ErrMalformedSession, "[filekv.open] sealed file too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, kv.key)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidSessionKey, "[filekv.open] cannot open %s", kv.path)
	}
	return plain, nil
}
