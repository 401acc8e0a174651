// Package mailbox queries an external key-value store to determine whether
// a recipient mailbox currently exists.
package mailbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/infodancer/burngate/internal/config"
	"github.com/infodancer/burngate/internal/logging"
	"github.com/redis/go-redis/v9"
)

// Store abstracts the two primitives the lookup needs from the key-value
// backend, so tests can substitute a fake without a network round-trip.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	IsMember(ctx context.Context, set, element string) (bool, error)
}

// RedisStore implements Store against a real Redis server via go-redis. The
// client multiplexes over a single connection pool with automatic
// reconnect, satisfying the external-interface contract in spec §6.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore builds a RedisStore from a redis:// connection URL.
func NewRedisStore(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.New("invalid redis url: " + err.Error())
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// Ping verifies connectivity, used at startup to fail fast on a
// misconfigured store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Exists reports whether key is present in the store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsMember reports whether element is a member of the named set.
func (s *RedisStore) IsMember(ctx context.Context, set, element string) (bool, error) {
	return s.client.SIsMember(ctx, set, element).Result()
}

// Lookup implements the should_accept admission check over a Store, per
// the configured CheckMode.
type Lookup struct {
	store      Store
	keyPattern string
	setName    string
	checkMode  config.CheckMode
}

// New builds a Lookup bound to store using cfg's key pattern, set name and
// check mode.
func New(store Store, cfg *config.Config) *Lookup {
	return &Lookup{
		store:      store,
		keyPattern: cfg.RedisKeyPattern,
		setName:    cfg.RedisSetName,
		checkMode:  cfg.RedisCheckMode,
	}
}

func (l *Lookup) keyFor(address string) string {
	return strings.ReplaceAll(l.keyPattern, "{address}", strings.ToLower(address))
}

// ShouldAccept reports whether address should be admitted, applying the
// configured check mode. Store errors are logged and fail closed: the
// caller never sees them, only a false result.
func (l *Lookup) ShouldAccept(ctx context.Context, address string) bool {
	switch l.checkMode {
	case config.CheckKeyOnly:
		return l.checkKey(ctx, address)
	case config.CheckSetOnly:
		return l.checkSet(ctx, address)
	default:
		if l.checkKey(ctx, address) {
			return true
		}
		// Fallback: the key is a short-lived liveness signal that races
		// with mailbox expiry; the set catches retries arriving in that
		// window.
		return l.checkSet(ctx, address)
	}
}

func (l *Lookup) checkKey(ctx context.Context, address string) bool {
	key := l.keyFor(address)
	exists, err := l.store.Exists(ctx, key)
	if err != nil {
		logging.FromContext(ctx).Error("mailbox key check failed",
			slog.String("address", address),
			slog.String("key", key),
			slog.String("error", err.Error()))
		return false
	}
	logging.FromContext(ctx).Debug("mailbox key check",
		slog.String("address", address),
		slog.String("key", key),
		slog.Bool("exists", exists))
	return exists
}

func (l *Lookup) checkSet(ctx context.Context, address string) bool {
	if l.setName == "" {
		return false
	}
	known, err := l.store.IsMember(ctx, l.setName, strings.ToLower(address))
	if err != nil {
		logging.FromContext(ctx).Error("mailbox set check failed",
			slog.String("address", address),
			slog.String("set", l.setName),
			slog.String("error", err.Error()))
		return false
	}
	logging.FromContext(ctx).Debug("mailbox set check",
		slog.String("address", address),
		slog.String("set", l.setName),
		slog.Bool("known", known))
	return known
}
