package directory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"grantflow/internal/logger"
)

// Store is a byte cache with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	Now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), Now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.Now().Before(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expires: m.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Cached memoizes another Directory for TTL. Cache failures are logged and
// the lookup falls through to the wrapped directory.
type Cached struct {
	Inner   Directory
	Store   Store
	TTL     time.Duration
	Logger  *zap.Logger
	OnCache func(hit bool)
}

func NewCached(inner Directory, store Store, ttl time.Duration, log *zap.Logger) *Cached {
	return &Cached{Inner: inner, Store: store, TTL: ttl, Logger: logger.OrNop(log)}
}

func lookup[T any](ctx context.Context, c *Cached, key string, load func() (T, error)) (T, error) {
	var zero T
	if c.TTL <= 0 || c.Store == nil {
		return load()
	}
	data, ok, err := c.Store.Get(ctx, key)
	if err != nil {
		logger.OrNop(c.Logger).Warn("directory cache read failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			c.observe(true)
			return v, nil
		}
	}
	c.observe(false)
	v, err := load()
	if err != nil {
		return zero, err
	}
	data, err = json.Marshal(v)
	if err == nil {
		err = c.Store.Set(ctx, key, data, c.TTL)
	}
	if err != nil {
		logger.OrNop(c.Logger).Warn("directory cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func (c *Cached) observe(hit bool) {
	if c.OnCache != nil {
		c.OnCache(hit)
	}
}

func (c *Cached) DeanOrChair(ctx context.Context, userID, department string) (RoleFact, error) {
	return lookup(ctx, c, "head:"+department+":"+userID, func() (RoleFact, error) {
		return c.Inner.DeanOrChair(ctx, userID, department)
	})
}

func (c *Cached) StandingRole(ctx context.Context, role StandingRole) (UserRef, error) {
	return lookup(ctx, c, "role:"+string(role), func() (UserRef, error) {
		return c.Inner.StandingRole(ctx, role)
	})
}

func (c *Cached) InAdminGroup(ctx context.Context, userID string) (bool, error) {
	return lookup(ctx, c, "admin:"+userID, func() (bool, error) {
		return c.Inner.InAdminGroup(ctx, userID)
	})
}

func (c *Cached) Department(ctx context.Context, code string) (Department, error) {
	return lookup(ctx, c, "dept:"+code, func() (Department, error) {
		return c.Inner.Department(ctx, code)
	})
}

func (c *Cached) Person(ctx context.Context, userID string) (UserRef, error) {
	return lookup(ctx, c, "person:"+userID, func() (UserRef, error) {
		return c.Inner.Person(ctx, userID)
	})
}

func (c *Cached) HeadedDepartments(ctx context.Context, userID string) ([]string, error) {
	return lookup(ctx, c, "headed:"+userID, func() ([]string, error) {
		return c.Inner.HeadedDepartments(ctx, userID)
	})
}
