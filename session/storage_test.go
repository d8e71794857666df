package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mapKV struct{ m map[string]string }

func (k *mapKV) GetValue(ctx context.Context, key string) (string, bool, error) {
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *mapKV) PutValue(ctx context.Context, key, value string) error {
	k.m[key] = value
	return nil
}

func (k *mapKV) DeleteValue(ctx context.Context, key string) error {
	delete(k.m, key)
	return nil
}

func TestKVStorageUsesFixedKey(t *testing.T) {
	ctx := context.Background()
	kv := &mapKV{m: map[string]string{}}
	s := New(NewKVStorage(kv, ""))

	if _, err := s.Login(ctx, "partner@firm.com", "123"); err != nil {
		t.Fatalf("login: %v", err)
	}
	want := `{"email":"partner@firm.com","role":"partner","isLoggedIn":true}`
	if got := kv.m[DefaultStorageKey]; got != want {
		t.Errorf("record = %s, want %s", got, want)
	}

	if err := s.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := kv.m[DefaultStorageKey]; ok {
		t.Error("record should be removed on logout")
	}
}

func TestKVStorageLoadMissing(t *testing.T) {
	st := NewKVStorage(&mapKV{m: map[string]string{}}, "custom")
	if _, err := st.Load(context.Background()); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Load() error = %v, want ErrNoRecord", err)
	}
}

func TestMemoryStorageCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()
	buf := []byte("abc")
	m.Save(ctx, buf)
	buf[0] = 'x'

	got, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("Load() = %q, want %q", got, "abc")
	}
}

// TestRedisStorage runs only when VERITAS_TEST_REDIS_ADDR points at a
// disposable Redis instance.
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("VERITAS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VERITAS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{Addr: addr})
	key := "veritas_test_" + time.Now().Format("150405.000000")
	st := NewRedisStorageFromClient(client, key, time.Minute)
	t.Cleanup(func() {
		client.Del(ctx, key)
		st.Close()
	})

	if _, err := st.Load(ctx); !errors.Is(err, ErrNoRecord) {
		t.Fatalf("Load on empty key = %v, want ErrNoRecord", err)
	}

	s := New(st)
	if _, err := s.Login(ctx, "associate@firm.com", "123"); err != nil {
		t.Fatalf("login: %v", err)
	}

	reloaded := New(st)
	id, ok := reloaded.Restore(ctx)
	if !ok || id.Role != RoleAssociate {
		t.Fatalf("Restore() = %+v, %v", id, ok)
	}

	if err := reloaded.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := st.Load(ctx); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Load after logout = %v, want ErrNoRecord", err)
	}
}
