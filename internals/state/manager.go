package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/adityaadpandey/storylocks/internals/session"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	CacheTTL time.Duration
}

// Manager validates session codes against Redis, where another service
// stores each created session under <prefix><code>. Known sessions are
// cached locally so a room full of clients does not hit Redis per connect.
type Manager struct {
	local    *sync.Map // sessionID -> time.Time (cache expiry)
	redis    *redis.Client
	prefix   string
	cacheTTL time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewManager creates a new state manager with Redis connection
func NewManager(ctx context.Context, opts Options, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info("Redis connection established",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
	)

	return newManager(client, opts, logger), nil
}

func newManager(client *redis.Client, opts Options, logger *zap.Logger) *Manager {
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = SessionCacheTTL * time.Second
	}
	return &Manager{
		local:    &sync.Map{},
		redis:    client,
		prefix:   opts.Prefix,
		cacheTTL: cacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Validate implements session.Validator.
func (m *Manager) Validate(ctx context.Context, sessionID string) error {
	if exp, ok := m.local.Load(sessionID); ok {
		if m.now().Before(exp.(time.Time)) {
			return nil
		}
		m.local.Delete(sessionID)
	}

	n, err := m.redis.Exists(ctx, SessionKey(m.prefix, sessionID)).Result()
	if err != nil {
		m.logger.Error("Failed to look up session in Redis",
			zap.String("sessionId", sessionID),
			zap.Error(err),
		)
		return fmt.Errorf("session lookup: %w", err)
	}
	if n == 0 {
		return session.ErrUnknownSession
	}

	m.remember(sessionID)
	return nil
}

func (m *Manager) remember(sessionID string) {
	m.local.Store(sessionID, m.now().Add(m.cacheTTL))
}

// Ping checks Redis connectivity
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Close closes the Redis connection
func (m *Manager) Close() error {
	return m.redis.Close()
}
