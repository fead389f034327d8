package ecoshop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KVStore is the durable local persistence seam the cart and wishlist
// stores write through. Semantics mirror a mobile key-value store: string
// keys, string values, missing keys read as empty with no error.
type KVStore interface {
	GetItem(ctx context.Context, key string) (string, error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
}

// MemoryKVStore is a map-backed KVStore for tests.
type MemoryKVStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{items: make(map[string]string)}
}

func (s *MemoryKVStore) GetItem(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key], nil
}

func (s *MemoryKVStore) SetItem(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryKVStore) RemoveItem(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// FileKVStore persists each key as one file under a directory. Writes go
// through a temp file plus rename so a crash mid-write never leaves a
// half-written value behind. Locking is striped per key, so the cart and
// wishlist blobs never contend with each other.
type FileKVStore struct {
	dir   string
	locks *stripedLocks
}

// NewFileKVStore creates the backing directory if needed.
func NewFileKVStore(dir string) (*FileKVStore, error) {
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, WrapError(CodeStorage, "failed to create kv directory", err)
	}
	return &FileKVStore{dir: dir, locks: newStripedLocks(0)}, nil
}

// keyFile flattens the key into a safe filename. Persistence keys use "@"
// and ":" which are fine on disk, but separators are normalized anyway.
func (s *FileKVStore) keyFile(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileKVStore) GetItem(ctx context.Context, key string) (string, error) {
	unlock := s.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(s.keyFile(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", WrapError(CodeStorage, "failed to read value", err)
	}
	return string(data), nil
}

func (s *FileKVStore) SetItem(ctx context.Context, key, value string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	target := s.keyFile(key)
	tmp, err := os.CreateTemp(s.dir, ".kv-*")
	if err != nil {
		return WrapError(CodeStorage, "failed to create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return WrapError(CodeStorage, "failed to write value", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return WrapError(CodeStorage, "failed to flush value", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		os.Remove(tmpName)
		return WrapError(CodeStorage, "failed to set permissions", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return WrapError(CodeStorage, "failed to commit value", err)
	}
	return nil
}

func (s *FileKVStore) RemoveItem(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	if err := os.Remove(s.keyFile(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return WrapError(CodeStorage, "failed to remove value", err)
	}
	return nil
}

// RedisKVStore persists values in Redis, for deployments where local state
// should survive device resets or be shared across app instances.
type RedisKVStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisKVStore wraps an existing client. A zero ttl keeps values
// forever.
func NewRedisKVStore(client *redis.Client, ttl time.Duration) *RedisKVStore {
	return &RedisKVStore{client: client, ttl: ttl}
}

// NewRedisKVStoreFromAddr connects to addr and verifies the connection.
func NewRedisKVStoreFromAddr(ctx context.Context, addr string, ttl time.Duration) (*RedisKVStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, WrapError(CodeNetwork, "redis unreachable", err)
	}
	return NewRedisKVStore(client, ttl), nil
}

func (s *RedisKVStore) GetItem(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", WrapError(CodeStorage, "redis get failed", err)
	}
	return val, nil
}

func (s *RedisKVStore) SetItem(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return WrapError(CodeStorage, "redis set failed", err)
	}
	return nil
}

func (s *RedisKVStore) RemoveItem(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return WrapError(CodeStorage, "redis del failed", err)
	}
	return nil
}

func (s *RedisKVStore) Close() error {
	return s.client.Close()
}
