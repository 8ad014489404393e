package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/redis/go-redis/v9"
)

// KEYS: code, latest pointer, expiry zset.
// ARGV: id, provider, subject, hash, attempts, created, expires, ttl ms,
// code key prefix.
var createCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local prev = redis.call('GET', KEYS[2])
if prev then
  local pk = ARGV[9] .. prev
  if redis.call('EXISTS', pk) == 1 and redis.call('HEXISTS', pk, 'consumed_at') == 0 then
    redis.call('HSET', pk, 'consumed_at', ARGV[6])
  end
end
redis.call('HSET', KEYS[1],
  'provider_id', ARGV[2], 'subject', ARGV[3], 'code_hash', ARGV[4],
  'attempts', ARGV[5], 'created_at', ARGV[6], 'expires_at', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
return 1
`)

// KEYS: code. ARGV: consumed at.
var consumeCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HEXISTS', KEYS[1], 'consumed_at') == 1 then return 0 end
redis.call('HSET', KEYS[1], 'consumed_at', ARGV[1])
return 1
`)

// KEYS: code. Returns -1 when the code does not exist.
var incrementAttemptsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

type codesRepo struct {
	s *Store
}

func (r *codesRepo) CreateCode(ctx context.Context, c simpleauth.VerificationCode) error {
	ok, err := createCodeScript.Run(ctx, r.s.client,
		[]string{r.s.codeKey(c.ID), r.s.latestCodeKey(c.ProviderID, c.Subject), r.s.codeExpiryKey()},
		c.ID, c.ProviderID, c.Subject, c.CodeHash, c.Attempts,
		toMillis(c.CreatedAt), toMillis(c.ExpiresAt), ttlUntil(c.ExpiresAt).Milliseconds(),
		r.s.codeKey(""),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return simpleauth.ErrAlreadyExists
	}
	return nil
}

// GetLatestCode follows the per-subject pointer, which CreateCode always
// moves to the newest code.
func (r *codesRepo) GetLatestCode(ctx context.Context, providerID, subject string) (simpleauth.VerificationCode, error) {
	id, err := r.s.client.Get(ctx, r.s.latestCodeKey(providerID, subject)).Result()
	if err != nil {
		return simpleauth.VerificationCode{}, mapNotFound(err)
	}

	fields, err := r.s.client.HGetAll(ctx, r.s.codeKey(id)).Result()
	if err != nil {
		return simpleauth.VerificationCode{}, err
	}
	if len(fields) == 0 {
		return simpleauth.VerificationCode{}, simpleauth.ErrNotFound
	}
	if _, consumed := fields["consumed_at"]; consumed {
		return simpleauth.VerificationCode{}, simpleauth.ErrNotFound
	}

	return parseCode(id, fields)
}

func (r *codesRepo) ConsumeCode(ctx context.Context, id string, at time.Time) error {
	ok, err := consumeCodeScript.Run(ctx, r.s.client, []string{r.s.codeKey(id)}, toMillis(at)).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return simpleauth.ErrNotFound
	}
	return nil
}

func (r *codesRepo) IncrementCodeAttempts(ctx context.Context, id string) (int, error) {
	n, err := incrementAttemptsScript.Run(ctx, r.s.client, []string{r.s.codeKey(id)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, simpleauth.ErrNotFound
	}
	return n, nil
}

func (r *codesRepo) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.s.client.ZRangeByScore(ctx, r.s.codeExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(toMillis(now), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		n, err := r.s.client.ZRem(ctx, r.s.codeExpiryKey(), id).Result()
		if err != nil {
			return deleted, err
		}
		if n == 0 {
			continue
		}
		if err := r.s.client.Del(ctx, r.s.codeKey(id)).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func parseCode(id string, f map[string]string) (simpleauth.VerificationCode, error) {
	attempts, err := strconv.Atoi(f["attempts"])
	if err != nil {
		return simpleauth.VerificationCode{}, fmt.Errorf("redis: corrupt code %s: %w", id, err)
	}
	createdAt, err := strconv.ParseInt(f["created_at"], 10, 64)
	if err != nil {
		return simpleauth.VerificationCode{}, fmt.Errorf("redis: corrupt code %s: %w", id, err)
	}
	expiresAt, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return simpleauth.VerificationCode{}, fmt.Errorf("redis: corrupt code %s: %w", id, err)
	}

	c := simpleauth.VerificationCode{
		ID:         id,
		ProviderID: f["provider_id"],
		Subject:    f["subject"],
		CodeHash:   f["code_hash"],
		Attempts:   attempts,
		CreatedAt:  fromMillis(createdAt),
		ExpiresAt:  fromMillis(expiresAt),
	}
	if raw, ok := f["consumed_at"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return simpleauth.VerificationCode{}, fmt.Errorf("redis: corrupt code %s: %w", id, err)
		}
		at := fromMillis(ms)
		c.ConsumedAt = &at
	}
	return c, nil
}
