package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound means the artifact is unknown or its retention ran out.
var ErrNotFound = errors.New("artifact not found")

// Record describes a retrievable output.
type Record struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry remembers outputs until their retention expires.
type Registry interface {
	Put(ctx context.Context, rec Record, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Record, error)
	Delete(ctx context.Context, id string) error
}

// RedisRegistry stores records as JSON with a TTL.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedisRegistry constructs a Redis-backed registry.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "pixelforge:artifact:"}
}

func (r *RedisRegistry) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode artifact record: %w", err)
	}
	return r.client.Set(ctx, r.prefix+rec.ID, payload, ttl).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := r.client.Get(ctx, r.prefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode artifact record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.prefix+id).Err()
}

// MemoryRegistry is the single-process registry used without Redis.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryRegistry) Put(_ context.Context, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = memoryEntry{rec: rec, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	entry, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(entry.expiresAt) {
		m.mu.Lock()
		delete(m.records, id)
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	rec := entry.rec
	return &rec, nil
}

func (m *MemoryRegistry) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// Prune drops expired records and reports how many were removed.
func (m *MemoryRegistry) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, entry := range m.records {
		if !now.Before(entry.expiresAt) {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}
