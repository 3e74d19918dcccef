// Package memkv is a process-local session.KV used by tests and by clients
// that do not need the session to survive a restart.
package memkv

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-auth-client/session"
)

var _ session.KV = (*KV)(nil)

type KV struct {
	entries map[string]string
	lock    sync.RWMutex
}

func New() *KV {
	return &KV{
		entries: make(map[string]string),
	}
}

func (kv *KV) GetAll(_ context.Context, keys ...string) (map[string]string, error) {
	kv.lock.RLock()
	defer kv.lock.RUnlock()

	found := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := kv.entries[k]; ok {
			found[k] = v
		}
	}
	return found, nil
}

func (kv *KV) SetAll(_ context.Context, entries map[string]string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()

	for k, v := range entries {
		kv.entries[k] = v
	}
	return nil
}

func (kv *KV) DeleteAll(_ context.Context, keys ...string) error {
	kv.lock.Lock()
	defer kv.lock.Unlock()

	for _, k := range keys {
		delete(kv.entries, k)
	}
	return nil
}

// Set writes a single entry. Tests use it to plant partial or corrupt records.
func (kv *KV) Set(key, value string) {
	kv.lock.Lock()
	defer kv.lock.Unlock()
	kv.entries[key] = value
}

// Len returns the number of stored entries.
func (kv *KV) Len() int {
	kv.lock.RLock()
	defer kv.lock.RUnlock()
	return len(kv.entries)
}
