package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"capstone-brain/backend/pkg/cache"
)

// Status is the lifecycle state of a correlation id
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusExpired means a result existed but its TTL elapsed
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition happens except expiry
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrEntryNotFound is returned by a ResultStore for absent keys
	ErrEntryNotFound = errors.New("relay entry not found")
	// ErrIDInUse is returned by PutMarker when the id was already issued
	ErrIDInUse = errors.New("correlation id already issued")
)

// Entry is the cached state of one request
type Entry struct {
	Status    Status          `json:"Status"`
	Result    json.RawMessage `json:"Result,omitempty"`
	Error     *Failure        `json:"Error,omitempty"`
	Owner     string          `json:"Owner"`
	Kind      Kind            `json:"Kind"`
	Deadline  time.Time       `json:"Deadline"`
	UpdatedAt time.Time       `json:"UpdatedAt"`
}

// ResultStore keeps relay entries and issue markers in a TTL cache.
// The marker records the owner of a correlation id for the retention
// window, which outlives the entry itself.
type ResultStore interface {
	Put(ctx context.Context, id string, entry Entry, ttl time.Duration) error
	Get(ctx context.Context, id string) (*Entry, error)
	// PutMarker claims id for owner, or fails with ErrIDInUse
	PutMarker(ctx context.Context, id, owner string, ttl time.Duration) error
	// GetMarker returns the owner recorded for id, or ErrEntryNotFound
	GetMarker(ctx context.Context, id string) (string, error)
	Ping(ctx context.Context) error
}

// MemoryStore is a ResultStore backed by the in-process TTL cache
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore wraps c, which should be cleaned periodically with RunCleanup
func NewMemoryStore(c *cache.Cache) *MemoryStore {
	return &MemoryStore{cache: c}
}

func entryKey(id string) string  { return "relay:result:" + id }
func markerKey(id string) string { return "relay:issued:" + id }

func (s *MemoryStore) Put(_ context.Context, id string, entry Entry, ttl time.Duration) error {
	s.cache.SetWithExpiration(entryKey(id), entry, ttl)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	v, ok := s.cache.Get(entryKey(id))
	if !ok {
		return nil, ErrEntryNotFound
	}
	entry := v.(Entry)
	return &entry, nil
}

func (s *MemoryStore) PutMarker(_ context.Context, id, owner string, ttl time.Duration) error {
	if !s.cache.SetIfAbsent(markerKey(id), owner, ttl) {
		return ErrIDInUse
	}
	return nil
}

func (s *MemoryStore) GetMarker(_ context.Context, id string) (string, error) {
	v, ok := s.cache.Get(markerKey(id))
	if !ok {
		return "", ErrEntryNotFound
	}
	return v.(string), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
