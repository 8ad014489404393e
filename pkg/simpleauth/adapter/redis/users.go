package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/redis/go-redis/v9"
)

type userDoc struct {
	ID        string         `json:"id"`
	Profile   map[string]any `json:"profile"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// KEYS: user, identities set, providers set, identity keys...
// ARGV: doc, user id, identity count, identities..., providers...
var createUserScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
for i = 4, #KEYS do
  if redis.call('EXISTS', KEYS[i]) == 1 then return 0 end
end
redis.call('SET', KEYS[1], ARGV[1])
local n = tonumber(ARGV[3])
for i = 1, n do
  redis.call('SET', KEYS[3 + i], ARGV[2])
  redis.call('SADD', KEYS[2], ARGV[3 + i])
end
for i = 4 + n, #ARGV do
  redis.call('SADD', KEYS[3], ARGV[i])
end
return 1
`)

// KEYS: user, providers set. ARGV: provider id.
var linkProviderScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS: user. ARGV: prefix, user id.
var deleteUserScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
local p = ARGV[1]
local base = KEYS[1]
for _, ik in ipairs(redis.call('SMEMBERS', base .. ':identities')) do
  redis.call('DEL', p .. 'identity:' .. ik)
end
for _, c in ipairs(redis.call('SMEMBERS', base .. ':credentials')) do
  redis.call('DEL', p .. 'cred:' .. c)
end
for _, h in ipairs(redis.call('SMEMBERS', base .. ':sessions')) do
  redis.call('DEL', p .. 'session:' .. h)
  redis.call('ZREM', p .. 'sessions:expiry', h)
end
redis.call('DEL', base, base .. ':identities', base .. ':providers', base .. ':credentials', base .. ':sessions')
return 1
`)

type usersRepo struct {
	s *Store
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (simpleauth.User, error) {
	var (
		docCmd        *redis.StringCmd
		identitiesCmd *redis.StringSliceCmd
		providersCmd  *redis.StringSliceCmd
	)
	_, err := r.s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		docCmd = p.Get(ctx, r.s.userKey(id))
		identitiesCmd = p.SMembers(ctx, r.s.userIdentitiesKey(id))
		providersCmd = p.SMembers(ctx, r.s.userProvidersKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return simpleauth.User{}, err
	}

	raw, err := docCmd.Result()
	if err != nil {
		return simpleauth.User{}, mapNotFound(err)
	}
	doc, err := decode[userDoc](raw)
	if err != nil {
		return simpleauth.User{}, err
	}

	u := simpleauth.User{
		ID:         doc.ID,
		Identities: identitiesCmd.Val(),
		Providers:  providersCmd.Val(),
		Profile:    doc.Profile,
		CreatedAt:  fromMillis(doc.CreatedAt),
		UpdatedAt:  fromMillis(doc.UpdatedAt),
	}
	if u.Profile == nil {
		u.Profile = map[string]any{}
	}
	return u, nil
}

func (r *usersRepo) GetUserByIdentity(ctx context.Context, identityKey string) (simpleauth.User, error) {
	id, err := r.s.client.Get(ctx, r.s.identityKey(identityKey)).Result()
	if err != nil {
		return simpleauth.User{}, mapNotFound(err)
	}
	return r.GetUserByID(ctx, id)
}

func (r *usersRepo) CreateUser(ctx context.Context, u simpleauth.User) error {
	doc, err := json.Marshal(userDoc{
		ID:        u.ID,
		Profile:   u.Profile,
		CreatedAt: toMillis(u.CreatedAt),
		UpdatedAt: toMillis(u.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}

	keys := []string{r.s.userKey(u.ID), r.s.userIdentitiesKey(u.ID), r.s.userProvidersKey(u.ID)}
	args := []any{string(doc), u.ID, len(u.Identities)}
	for _, ik := range u.Identities {
		keys = append(keys, r.s.identityKey(ik))
		args = append(args, ik)
	}
	for _, pid := range u.Providers {
		args = append(args, pid)
	}

	created, err := createUserScript.Run(ctx, r.s.client, keys, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return simpleauth.ErrAlreadyExists
	}
	return nil
}

func (r *usersRepo) LinkProvider(ctx context.Context, userID, providerID string) error {
	ok, err := linkProviderScript.Run(ctx, r.s.client,
		[]string{r.s.userKey(userID), r.s.userProvidersKey(userID)}, providerID,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return simpleauth.ErrNotFound
	}
	return nil
}

func (r *usersRepo) DeleteUser(ctx context.Context, id string) error {
	ok, err := deleteUserScript.Run(ctx, r.s.client, []string{r.s.userKey(id)}, r.s.prefix, id).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return simpleauth.ErrNotFound
	}
	return nil
}
