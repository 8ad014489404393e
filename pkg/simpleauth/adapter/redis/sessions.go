package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/redis/go-redis/v9"
)

type sessionDoc struct {
	ID         string `json:"id"`
	TokenHash  string `json:"token_hash"`
	UserID     string `json:"user_id"`
	ProviderID string `json:"provider_id"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
}

// KEYS: session, user sessions set, expiry zset. ARGV: token hash.
// Returns 0 when the session does not exist.
var deleteSessionScript = redis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return removed
`)

type sessionsRepo struct {
	s *Store
}

func (r *sessionsRepo) CreateSession(ctx context.Context, sess simpleauth.Session) error {
	doc, err := json.Marshal(sessionDoc{
		ID:         sess.ID,
		TokenHash:  sess.TokenHash,
		UserID:     sess.UserID,
		ProviderID: sess.ProviderID,
		IssuedAt:   toMillis(sess.IssuedAt),
		ExpiresAt:  toMillis(sess.ExpiresAt),
	})
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	key := r.s.sessionKey(sess.TokenHash)
	ok, err := r.s.client.SetNX(ctx, key, doc, ttlUntil(sess.ExpiresAt)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return simpleauth.ErrAlreadyExists
	}

	_, err = r.s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.s.userSessionsKey(sess.UserID), sess.TokenHash)
		p.ZAdd(ctx, r.s.sessionExpiryKey(), redis.Z{Score: float64(toMillis(sess.ExpiresAt)), Member: sess.TokenHash})
		return nil
	})
	return err
}

func (r *sessionsRepo) GetSession(ctx context.Context, tokenHash string) (simpleauth.Session, error) {
	raw, err := r.s.client.Get(ctx, r.s.sessionKey(tokenHash)).Result()
	if err != nil {
		return simpleauth.Session{}, mapNotFound(err)
	}

	doc, err := decode[sessionDoc](raw)
	if err != nil {
		return simpleauth.Session{}, err
	}
	return simpleauth.Session{
		ID:         doc.ID,
		TokenHash:  doc.TokenHash,
		UserID:     doc.UserID,
		ProviderID: doc.ProviderID,
		IssuedAt:   fromMillis(doc.IssuedAt),
		ExpiresAt:  fromMillis(doc.ExpiresAt),
	}, nil
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, tokenHash string) error {
	sess, err := r.GetSession(ctx, tokenHash)
	if err != nil {
		return err
	}
	return r.delete(ctx, sess.UserID, tokenHash)
}

// DeleteExpiredSessions sweeps the expiry index. Each entry is counted by
// whichever sweeper removes it from the index, so concurrent sweeps never
// double count.
func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	hashes, err := r.s.client.ZRangeByScore(ctx, r.s.sessionExpiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(toMillis(now), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, h := range hashes {
		var userID string
		if sess, err := r.GetSession(ctx, h); err == nil {
			userID = sess.UserID
		}

		n, err := r.s.client.ZRem(ctx, r.s.sessionExpiryKey(), h).Result()
		if err != nil {
			return deleted, err
		}
		if n == 0 {
			continue
		}
		if err := r.delete(ctx, userID, h); err != nil && !errors.Is(err, simpleauth.ErrNotFound) {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func (r *sessionsRepo) delete(ctx context.Context, userID, tokenHash string) error {
	removed, err := deleteSessionScript.Run(ctx, r.s.client,
		[]string{r.s.sessionKey(tokenHash), r.s.userSessionsKey(userID), r.s.sessionExpiryKey()},
		tokenHash,
	).Int()
	if err != nil {
		return err
	}
	if removed == 0 {
		return simpleauth.ErrNotFound
	}
	return nil
}
