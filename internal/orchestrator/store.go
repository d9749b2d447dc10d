package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSnapshotNotFound is returned when a store has no snapshot for the
// requested workflow ID.
var ErrSnapshotNotFound = errors.New("workflow snapshot not found")

// Store persists workflow snapshots. The engine saves one on every
// workflow transition so state survives a restart.
type Store interface {
	Save(ctx context.Context, wf *Workflow) error
	Load(ctx context.Context, workflowID string) (*Workflow, error)
	List(ctx context.Context) ([]*Workflow, error)
	Purge(ctx context.Context, workflowID string) error
}

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*Workflow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]*Workflow)}
}

func (s *MemoryStore) Save(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[wf.ID] = wf.clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.snapshots[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, workflowID)
	}
	out := wf.clone()
	out.buildIndex()
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Workflow, 0, len(s.snapshots))
	for _, wf := range s.snapshots {
		out = append(out, wf.clone())
	}
	return out, nil
}

func (s *MemoryStore) Purge(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, workflowID)
	return nil
}

// RedisStore persists snapshots in Redis as JSON, suitable for
// multi-node deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis connection settings for the workflow store.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default "agentmesh:workflow:").
	Prefix string
	// SnapshotTTL expires snapshots after the given duration (0 = keep
	// forever).
	SnapshotTTL time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.SnapshotTTL), nil
}

// NewRedisStoreFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentmesh:workflow:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(workflowID string) string {
	return s.prefix + workflowID
}

func (s *RedisStore) Save(ctx context.Context, wf *Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", wf.ID, err)
	}
	if err := s.client.Set(ctx, s.key(wf.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, workflowID string) (*Workflow, error) {
	data, err := s.client.Get(ctx, s.key(workflowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", workflowID, err)
	}
	wf.buildIndex()
	return &wf, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*Workflow, error) {
	var out []*Workflow
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		var wf Workflow
		if err := json.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("decode workflow at %s: %w", iter.Val(), err)
		}
		out = append(out, &wf)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out, nil
}

func (s *RedisStore) Purge(ctx context.Context, workflowID string) error {
	if err := s.client.Del(ctx, s.key(workflowID)).Err(); err != nil {
		return fmt.Errorf("purge workflow %s: %w", workflowID, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
