package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

type codesRepo struct {
	s *Store
}

func (r *codesRepo) CreateCode(ctx context.Context, c simpleauth.VerificationCode) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		// 1. Supersede earlier unconsumed codes for the subject
		_, err := tx.ExecContext(ctx,
			`UPDATE verification_codes SET consumed_at = ?
			 WHERE provider_id = ? AND subject = ? AND consumed_at IS NULL`,
			toMillis(c.CreatedAt), c.ProviderID, c.Subject)
		if err != nil {
			return err
		}

		// 2. Insert the new code
		_, err = tx.ExecContext(ctx,
			`INSERT INTO verification_codes (id, provider_id, subject, code_hash, attempts, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ProviderID, c.Subject, c.CodeHash, c.Attempts,
			toMillis(c.CreatedAt), toMillis(c.ExpiresAt))
		return mapConstraint(err)
	})
}

func (r *codesRepo) GetLatestCode(ctx context.Context, providerID, subject string) (simpleauth.VerificationCode, error) {
	var (
		c                    simpleauth.VerificationCode
		createdAt, expiresAt int64
		consumedAt           sql.NullInt64
	)
	err := r.s.db.QueryRowContext(ctx,
		`SELECT id, provider_id, subject, code_hash, attempts, created_at, expires_at, consumed_at
		 FROM verification_codes
		 WHERE provider_id = ? AND subject = ? AND consumed_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		providerID, subject,
	).Scan(&c.ID, &c.ProviderID, &c.Subject, &c.CodeHash, &c.Attempts, &createdAt, &expiresAt, &consumedAt)
	if err != nil {
		return simpleauth.VerificationCode{}, mapNotFound(err)
	}

	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.ConsumedAt = mapNullMillis(consumedAt)
	return c, nil
}

// ConsumeCode is a conditional update, so only one caller can flip
// consumed_at from NULL.
func (r *codesRepo) ConsumeCode(ctx context.Context, id string, at time.Time) error {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE verification_codes SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`,
		mapOptionalMillis(&at), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *codesRepo) IncrementCodeAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := r.s.db.QueryRowContext(ctx,
		`UPDATE verification_codes SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, id,
	).Scan(&attempts)
	if err != nil {
		return 0, mapNotFound(err)
	}
	return attempts, nil
}

func (r *codesRepo) DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error) {
	res, err := r.s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
