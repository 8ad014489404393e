package sqlite

import (
	"context"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

type credentialsRepo struct {
	db dbtx
}

func (r *credentialsRepo) CreateCredential(ctx context.Context, c simpleauth.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, provider_id, identity_key, secret_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProviderID, c.IdentityKey, c.SecretHash,
		toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	return mapConstraint(err)
}

func (r *credentialsRepo) GetCredential(ctx context.Context, providerID, identityKey string) (simpleauth.Credential, error) {
	var (
		c                    simpleauth.Credential
		createdAt, updatedAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider_id, identity_key, secret_hash, created_at, updated_at
		 FROM credentials WHERE provider_id = ? AND identity_key = ?`,
		providerID, identityKey,
	).Scan(&c.ID, &c.UserID, &c.ProviderID, &c.IdentityKey, &c.SecretHash, &createdAt, &updatedAt)
	if err != nil {
		return simpleauth.Credential{}, mapNotFound(err)
	}

	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}
