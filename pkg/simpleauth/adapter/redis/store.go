// Package redis is a simpleauth.Adapter backed by Redis. Multi-key writes
// run as Lua scripts so each adapter call is atomic on a single node.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the adapter writes.
const DefaultPrefix = "simpleauth:"

type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	Prefix     string
}

type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection with a PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewFromClient(client, cfg.Prefix), nil
}

// NewFromClient wraps an existing client. An empty prefix selects
// DefaultPrefix.
func NewFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Users() simpleauth.Users             { return &usersRepo{s} }
func (s *Store) Credentials() simpleauth.Credentials { return &credentialsRepo{s} }
func (s *Store) Sessions() simpleauth.Sessions       { return &sessionsRepo{s} }
func (s *Store) Codes() simpleauth.Codes             { return &codesRepo{s} }

/* Keys */

func (s *Store) userKey(id string) string             { return s.prefix + "user:" + id }
func (s *Store) userIdentitiesKey(id string) string   { return s.userKey(id) + ":identities" }
func (s *Store) userProvidersKey(id string) string    { return s.userKey(id) + ":providers" }
func (s *Store) userCredentialsKey(id string) string  { return s.userKey(id) + ":credentials" }
func (s *Store) userSessionsKey(id string) string     { return s.userKey(id) + ":sessions" }
func (s *Store) identityKey(ik string) string         { return s.prefix + "identity:" + ik }
func (s *Store) credentialKey(member string) string   { return s.prefix + "cred:" + member }
func (s *Store) sessionKey(tokenHash string) string   { return s.prefix + "session:" + tokenHash }
func (s *Store) sessionExpiryKey() string             { return s.prefix + "sessions:expiry" }
func (s *Store) codeKey(id string) string             { return s.prefix + "code:" + id }
func (s *Store) latestCodeKey(pid, subject string) string {
	return s.prefix + "code:latest:" + pid + ":" + subject
}
func (s *Store) codeExpiryKey() string { return s.prefix + "codes:expiry" }

func credentialMember(providerID, identityKey string) string {
	return providerID + ":" + identityKey
}

func mapNotFound(err error) error {
	if errors.Is(err, redis.Nil) {
		return simpleauth.ErrNotFound
	}
	return err
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// retention keeps records around for an hour past their logical expiry so
// the engine can still tell expired from unknown.
const retention = time.Hour

func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func decode[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("redis: corrupt record: %w", err)
	}
	return v, nil
}
