package saml2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ============================================================================
// Pending-Request Table
// ============================================================================

// StoredRequestState is the pending-table entry recorded when a request is
// sent, matched and consumed when the response arrives.
type StoredRequestState struct {
	// Idp is the entity ID the request was addressed to
	Idp string `json:"idp"`

	// MessageID is the outbound request's message ID
	MessageID Saml2ID `json:"message_id"`

	// ReturnURL is where the host resumes after sign-on, if any
	ReturnURL string `json:"return_url,omitempty"`

	// CreatedAt is when the request was sent
	CreatedAt time.Time `json:"created_at"`
}

// RequestStateStore is the pending-request table: a mapping from
// correlation key (the relay state, opaque to the IdP) to request state.
// TryRemove is the atomicity point that prevents replay under concurrent
// duplicate deliveries; implementations must make it linearizable.
type RequestStateStore interface {
	// Add inserts an entry. A key collision is a programming error and
	// returns ErrStateKeyExists.
	Add(ctx context.Context, key string, state *StoredRequestState) error

	// TryRemove atomically looks up and removes an entry. A miss returns
	// (nil, nil); that is the replay signal.
	TryRemove(ctx context.Context, key string) (*StoredRequestState, error)
}

// ============================================================================
// In-Memory Store
// ============================================================================

// MemoryStoreConfig configures the in-memory pending table.
type MemoryStoreConfig struct {
	// TTL bounds how long an unconsumed entry survives
	TTL time.Duration

	// CleanupInterval is how often expired entries are swept
	CleanupInterval time.Duration

	// MaxEntries caps the table; the oldest entry is evicted at capacity
	MaxEntries int
}

// DefaultMemoryStoreConfig returns sensible defaults.
func DefaultMemoryStoreConfig() MemoryStoreConfig {
	return MemoryStoreConfig{
		TTL:             time.Hour,
		CleanupInterval: 5 * time.Minute,
		MaxEntries:      100000,
	}
}

// memoryEntry pairs a state with its expiry.
type memoryEntry struct {
	state     *StoredRequestState
	expiresAt time.Time
}

// MemoryRequestStore is the process-memory pending table.
type MemoryRequestStore struct {
	config  MemoryStoreConfig
	entries map[string]memoryEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMemoryRequestStore creates an in-memory store.
func NewMemoryRequestStore(config MemoryStoreConfig) *MemoryRequestStore {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 100000
	}
	return &MemoryRequestStore{
		config:  config,
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the background cleanup routine.
func (s *MemoryRequestStore) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

// Stop stops the background cleanup routine.
func (s *MemoryRequestStore) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// cleanupLoop periodically removes expired entries.
func (s *MemoryRequestStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries.
func (s *MemoryRequestStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Add implements RequestStateStore.
func (s *MemoryRequestStore) Add(ctx context.Context, key string, state *StoredRequestState) error {
	if state == nil {
		return fmt.Errorf("request state is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && time.Now().Before(entry.expiresAt) {
		return ErrStateKeyExists
	}
	if len(s.entries) >= s.config.MaxEntries {
		s.evictOldest()
	}

	s.entries[key] = memoryEntry{
		state:     state,
		expiresAt: time.Now().Add(s.config.TTL),
	}
	return nil
}

// TryRemove implements RequestStateStore.
func (s *MemoryRequestStore) TryRemove(ctx context.Context, key string) (*StoredRequestState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	delete(s.entries, key)

	if time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.state, nil
}

// Size returns the number of entries, including not-yet-swept expired ones.
func (s *MemoryRequestStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictOldest removes the entry closest to expiry. Caller holds the lock.
func (s *MemoryRequestStore) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range s.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// ============================================================================
// Redis Store
// ============================================================================

// RedisStoreConfig configures the Redis-backed pending table for
// multi-instance deployments.
type RedisStoreConfig struct {
	// URL is the Redis connection URL
	URL string `json:"url"`

	// KeyPrefix namespaces the correlation keys
	KeyPrefix string `json:"key_prefix"`

	// TTL bounds how long an unconsumed entry survives
	TTL time.Duration `json:"ttl"`
}

// DefaultRedisStoreConfig returns sensible defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		URL:       "redis://localhost:6379/0",
		KeyPrefix: "authservices:saml2:reqstate:",
		TTL:       time.Hour,
	}
}

// RedisRequestStore is a Redis-backed pending table. Atomic take-on-use is
// provided by GETDEL.
type RedisRequestStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger zerolog.Logger
}

// NewRedisRequestStore connects to Redis and verifies the connection.
func NewRedisRequestStore(ctx context.Context, config RedisStoreConfig, logger zerolog.Logger) (*RedisRequestStore, error) {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "authservices:saml2:reqstate:"
	}

	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("saml2: invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("saml2: failed to connect to redis: %w", err)
	}

	return &RedisRequestStore{
		client: client,
		config: config,
		logger: logger.With().Str("component", "saml2-request-store").Logger(),
	}, nil
}

// Add implements RequestStateStore using SET NX with the table TTL.
func (s *RedisRequestStore) Add(ctx context.Context, key string, state *StoredRequestState) error {
	if state == nil {
		return fmt.Errorf("request state is nil")
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("saml2: failed to marshal request state: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.config.KeyPrefix+key, data, s.config.TTL).Result()
	if err != nil {
		return fmt.Errorf("saml2: redis SETNX failed: %w", err)
	}
	if !ok {
		return ErrStateKeyExists
	}
	return nil
}

// TryRemove implements RequestStateStore using GETDEL, which is atomic on
// the Redis side even across instances.
func (s *RedisRequestStore) TryRemove(ctx context.Context, key string) (*StoredRequestState, error) {
	data, err := s.client.GetDel(ctx, s.config.KeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("saml2: redis GETDEL failed: %w", err)
	}

	var state StoredRequestState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().Err(err).Msg("dropping undecodable request state entry")
		return nil, nil
	}
	return &state, nil
}

// Close releases the Redis connection.
func (s *RedisRequestStore) Close() error {
	return s.client.Close()
}
