package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"oidcsession/internal/clock"
	"oidcsession/session"
)

// ErrTicketNotFound is returned when a ticket expired or was removed.
var ErrTicketNotFound = errors.New("ticket not found")

// TicketStore keeps session properties on the server so the cookie only
// carries a key.
type TicketStore interface {
	// Store saves props under key, creating a key when key is empty.
	Store(ctx context.Context, key string, props *session.Properties, ttl time.Duration) (string, error)
	Retrieve(ctx context.Context, key string) (*session.Properties, error)
	Remove(ctx context.Context, key string) error
}

// NewTicketStore builds the configured store. It returns nil when properties
// stay in the cookie.
func NewTicketStore(cfg TicketStoreConfig, clk clock.Clock) (TicketStore, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryTicketStore(clk), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisTicketStore(client, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown ticket store %q", cfg.Type)
	}
}

func newTicketKey() string {
	return uuid.NewString()
}

type memoryTicket struct {
	data      []byte
	expiresAt time.Time
}

// memorySweepInterval is the minimum time between expired ticket sweeps.
const memorySweepInterval = time.Minute

// MemoryTicketStore keeps tickets in process memory. It suits a single
// instance; use Redis when several instances share sessions.
type MemoryTicketStore struct {
	mu        sync.RWMutex
	tickets   map[string]memoryTicket
	clock     clock.Clock
	lastSweep time.Time
}

// NewMemoryTicketStore returns an empty store. A nil clock uses the system clock.
func NewMemoryTicketStore(clk clock.Clock) *MemoryTicketStore {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryTicketStore{tickets: make(map[string]memoryTicket), clock: clk}
}

func (s *MemoryTicketStore) Store(ctx context.Context, key string, props *session.Properties, ttl time.Duration) (string, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode ticket: %w", err)
	}
	if key == "" {
		key = newTicketKey()
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= memorySweepInterval {
		s.sweepLocked(now)
	}
	s.tickets[key] = memoryTicket{data: data, expiresAt: now.Add(ttl)}
	return key, nil
}

// sweepLocked drops expired tickets. s.mu must be held.
func (s *MemoryTicketStore) sweepLocked(now time.Time) {
	for k, t := range s.tickets {
		if !now.Before(t.expiresAt) {
			delete(s.tickets, k)
		}
	}
	s.lastSweep = now
}

func (s *MemoryTicketStore) Retrieve(ctx context.Context, key string) (*session.Properties, error) {
	s.mu.RLock()
	t, ok := s.tickets[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrTicketNotFound
	}
	if !s.clock.Now().Before(t.expiresAt) {
		_ = s.Remove(ctx, key)
		return nil, ErrTicketNotFound
	}
	props := session.NewProperties()
	if err := json.Unmarshal(t.data, props); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return props, nil
}

func (s *MemoryTicketStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickets, key)
	return nil
}

// Len returns the number of stored tickets, expired ones included.
func (s *MemoryTicketStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

// RedisTicketStore keeps tickets in Redis with a TTL per key.
type RedisTicketStore struct {
	client *redis.Client
	prefix string
}

// NewRedisTicketStore wraps client. Keys are namespaced with prefix.
func NewRedisTicketStore(client *redis.Client, prefix string) *RedisTicketStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisTicketStore{client: client, prefix: prefix}
}

func (s *RedisTicketStore) key(k string) string { return s.prefix + k }

func (s *RedisTicketStore) Store(ctx context.Context, key string, props *session.Properties, ttl time.Duration) (string, error) {
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("encode ticket: %w", err)
	}
	if key == "" {
		key = newTicketKey()
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return "", fmt.Errorf("store ticket: %w", err)
	}
	return key, nil
}

func (s *RedisTicketStore) Retrieve(ctx context.Context, key string) (*session.Properties, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("retrieve ticket: %w", err)
	}
	props := session.NewProperties()
	if err := json.Unmarshal(data, props); err != nil {
		return nil, fmt.Errorf("decode ticket: %w", err)
	}
	return props, nil
}

func (s *RedisTicketStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("remove ticket: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisTicketStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisTicketStore) Close() error {
	return s.client.Close()
}
