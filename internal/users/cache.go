// Package users resolves phone numbers to bridged-user records through a
// short-lived snapshot cache in front of the user directory.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// DefaultTTL is how long an active user or a not-found marker stays cached.
const DefaultTTL = 15 * time.Second

// Resolver looks up and creates bridged users.
type Resolver interface {
	// Lookup returns (nil, nil) when the phone number is unknown.
	Lookup(ctx context.Context, phone string) (*models.UserInfo, error)
	// Create inserts a pending user. It returns store.ErrConflict when the
	// number already exists.
	Create(ctx context.Context, phone string) (*models.UserInfo, error)
	// Invalidate drops any cached snapshot for phone.
	Invalidate(phone string)
}

type entry struct {
	user     *models.UserInfo // nil marks a known-missing number
	storedAt time.Time
}

// Opts holds configuration options for the cache.
type Opts struct {
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

// Option defines a configuration option for the cache.
type Option func(*Opts)

// WithTTL sets the snapshot lifetime.
func WithTTL(d time.Duration) Option {
	return func(o *Opts) { o.TTL = d }
}

// WithLogger sets the cache's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Cache is a Resolver backed by a store.UserRepo. Pending and onboarding
// users are never cached, so the signup path always sees fresh state.
type Cache struct {
	repo   store.UserRepo
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// Ensure Cache satisfies Resolver.
var _ Resolver = (*Cache)(nil)

// NewCache creates a cache in front of repo.
func NewCache(repo store.UserRepo, opts ...Option) *Cache {
	cfg := Opts{TTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		repo:    repo,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Lookup returns the user for phone, serving from cache when fresh.
func (c *Cache) Lookup(ctx context.Context, phone string) (*models.UserInfo, error) {
	if user, ok := c.get(phone); ok {
		return user, nil
	}

	user, err := c.repo.GetUserByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		c.put(phone, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user.Status == models.StatusActive {
		c.put(phone, user)
	}
	return user, nil
}

// Create inserts a pending user and invalidates the snapshot.
func (c *Cache) Create(ctx context.Context, phone string) (*models.UserInfo, error) {
	defer c.Invalidate(phone)
	user, err := c.repo.CreatePendingUser(ctx, phone)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Invalidate drops the cached snapshot for phone.
func (c *Cache) Invalidate(phone string) {
	c.mu.Lock()
	delete(c.entries, phone)
	c.mu.Unlock()
}

func (c *Cache) get(phone string) (*models.UserInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[phone]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		delete(c.entries, phone)
		return nil, false
	}
	return e.user, true
}

func (c *Cache) put(phone string, user *models.UserInfo) {
	c.mu.Lock()
	c.entries[phone] = entry{user: user, storedAt: c.now()}
	c.mu.Unlock()
}
