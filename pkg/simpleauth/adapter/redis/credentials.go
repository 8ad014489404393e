package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/redis/go-redis/v9"
)

type credentialDoc struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ProviderID  string `json:"provider_id"`
	IdentityKey string `json:"identity_key"`
	SecretHash  string `json:"secret_hash"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// KEYS: user, credential, user credentials set. ARGV: doc, set member.
// Returns -1 for a missing user and 0 for a duplicate.
var createCredentialScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('SETNX', KEYS[2], ARGV[1]) == 0 then return 0 end
redis.call('SADD', KEYS[3], ARGV[2])
return 1
`)

type credentialsRepo struct {
	s *Store
}

func (r *credentialsRepo) CreateCredential(ctx context.Context, c simpleauth.Credential) error {
	doc, err := json.Marshal(credentialDoc{
		ID:          c.ID,
		UserID:      c.UserID,
		ProviderID:  c.ProviderID,
		IdentityKey: c.IdentityKey,
		SecretHash:  c.SecretHash,
		CreatedAt:   toMillis(c.CreatedAt),
		UpdatedAt:   toMillis(c.UpdatedAt),
	})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	member := credentialMember(c.ProviderID, c.IdentityKey)
	res, err := createCredentialScript.Run(ctx, r.s.client,
		[]string{r.s.userKey(c.UserID), r.s.credentialKey(member), r.s.userCredentialsKey(c.UserID)},
		string(doc), member,
	).Int()
	if err != nil {
		return err
	}

	switch res {
	case -1:
		return simpleauth.ErrNotFound
	case 0:
		return simpleauth.ErrAlreadyExists
	}
	return nil
}

func (r *credentialsRepo) GetCredential(ctx context.Context, providerID, identityKey string) (simpleauth.Credential, error) {
	raw, err := r.s.client.Get(ctx, r.s.credentialKey(credentialMember(providerID, identityKey))).Result()
	if err != nil {
		return simpleauth.Credential{}, mapNotFound(err)
	}

	doc, err := decode[credentialDoc](raw)
	if err != nil {
		return simpleauth.Credential{}, err
	}
	return simpleauth.Credential{
		ID:          doc.ID,
		UserID:      doc.UserID,
		ProviderID:  doc.ProviderID,
		IdentityKey: doc.IdentityKey,
		SecretHash:  doc.SecretHash,
		CreatedAt:   fromMillis(doc.CreatedAt),
		UpdatedAt:   fromMillis(doc.UpdatedAt),
	}, nil
}
