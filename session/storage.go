package session

import (
	"context"
	"errors"
	"sync"
)

// DefaultStorageKey is the fixed key the session record is stored under.
const DefaultStorageKey = "veritas_user"

// ErrNoRecord is returned by Storage.Load when nothing is persisted.
var ErrNoRecord = errors.New("session: no persisted record")

// Storage persists the serialized session record.
type Storage interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
	Clear(ctx context.Context) error
}

// MemoryStorage keeps the record in process memory. It is the default for
// tests and for deployments that do not need the session to survive restarts.
type MemoryStorage struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrNoRecord
	}
	return append([]byte(nil), m.data...), nil
}

func (m *MemoryStorage) Save(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// KV is a string key/value store. The SQLite store satisfies it.
type KV interface {
	GetValue(ctx context.Context, key string) (string, bool, error)
	PutValue(ctx context.Context, key, value string) error
	DeleteValue(ctx context.Context, key string) error
}

// KVStorage stores the record under a fixed key of a KV.
type KVStorage struct {
	kv  KV
	key string
}

// NewKVStorage returns a Storage writing to kv under key. An empty key
// selects DefaultStorageKey.
func NewKVStorage(kv KV, key string) *KVStorage {
	if key == "" {
		key = DefaultStorageKey
	}
	return &KVStorage{kv: kv, key: key}
}

func (k *KVStorage) Load(ctx context.Context) ([]byte, error) {
	v, ok, err := k.kv.GetValue(ctx, k.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	return []byte(v), nil
}

func (k *KVStorage) Save(ctx context.Context, data []byte) error {
	return k.kv.PutValue(ctx, k.key, string(data))
}

func (k *KVStorage) Clear(ctx context.Context) error {
	return k.kv.DeleteValue(ctx, k.key)
}
