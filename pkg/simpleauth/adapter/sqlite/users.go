package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

type usersRepo struct {
	s *Store
}

func (r *usersRepo) GetUserByID(ctx context.Context, id string) (simpleauth.User, error) {
	var (
		u                    simpleauth.User
		profile              string
		createdAt, updatedAt int64
	)
	err := r.s.db.QueryRowContext(ctx,
		`SELECT id, profile, created_at, updated_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &profile, &createdAt, &updatedAt)
	if err != nil {
		return simpleauth.User{}, mapNotFound(err)
	}

	if err := json.Unmarshal([]byte(profile), &u.Profile); err != nil {
		return simpleauth.User{}, fmt.Errorf("decode profile of user %s: %w", id, err)
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)

	u.Identities, err = queryStrings(ctx, r.s.db,
		`SELECT identity_key FROM user_identities WHERE user_id = ? ORDER BY rowid`, id)
	if err != nil {
		return simpleauth.User{}, err
	}
	u.Providers, err = queryStrings(ctx, r.s.db,
		`SELECT provider_id FROM user_providers WHERE user_id = ? ORDER BY linked_at, rowid`, id)
	if err != nil {
		return simpleauth.User{}, err
	}
	return u, nil
}

func (r *usersRepo) GetUserByIdentity(ctx context.Context, identityKey string) (simpleauth.User, error) {
	var id string
	err := r.s.db.QueryRowContext(ctx,
		`SELECT user_id FROM user_identities WHERE identity_key = ?`, identityKey,
	).Scan(&id)
	if err != nil {
		return simpleauth.User{}, mapNotFound(err)
	}
	return r.GetUserByID(ctx, id)
}

func (r *usersRepo) CreateUser(ctx context.Context, u simpleauth.User) error {
	profile := u.Profile
	if profile == nil {
		profile = map[string]any{}
	}
	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO users (id, profile, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			u.ID, string(encoded), toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
		if err != nil {
			return mapConstraint(err)
		}

		for _, ik := range u.Identities {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO user_identities (identity_key, user_id) VALUES (?, ?)`, ik, u.ID)
			if err != nil {
				return mapConstraint(err)
			}
		}

		for _, pid := range u.Providers {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO user_providers (user_id, provider_id, linked_at) VALUES (?, ?, ?)
				 ON CONFLICT (user_id, provider_id) DO NOTHING`,
				u.ID, pid, toMillis(u.CreatedAt))
			if err != nil {
				return mapConstraint(err)
			}
		}
		return nil
	})
}

func (r *usersRepo) LinkProvider(ctx context.Context, userID, providerID string) error {
	now := toMillis(time.Now())

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO user_providers (user_id, provider_id, linked_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, provider_id) DO NOTHING`,
			userID, providerID, now)
		if err != nil {
			return mapConstraint(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `UPDATE users SET updated_at = ? WHERE id = ?`, now, userID)
		return err
	})
}

// DeleteUser relies on ON DELETE CASCADE for identities, providers,
// credentials and sessions.
func (r *usersRepo) DeleteUser(ctx context.Context, id string) error {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}
