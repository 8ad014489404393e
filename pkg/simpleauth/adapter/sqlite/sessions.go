package sqlite

import (
	"context"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

type sessionsRepo struct {
	db dbtx
}

// CreateSession stores the token fingerprint only; s.Token is never
// persisted.
func (r *sessionsRepo) CreateSession(ctx context.Context, s simpleauth.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, token_hash, user_id, provider_id, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.TokenHash, s.UserID, s.ProviderID, toMillis(s.IssuedAt), toMillis(s.ExpiresAt))
	return mapConstraint(err)
}

func (r *sessionsRepo) GetSession(ctx context.Context, tokenHash string) (simpleauth.Session, error) {
	var (
		s                   simpleauth.Session
		issuedAt, expiresAt int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, token_hash, user_id, provider_id, issued_at, expires_at
		 FROM sessions WHERE token_hash = ?`, tokenHash,
	).Scan(&s.ID, &s.TokenHash, &s.UserID, &s.ProviderID, &issuedAt, &expiresAt)
	if err != nil {
		return simpleauth.Session{}, mapNotFound(err)
	}

	s.IssuedAt = fromMillis(issuedAt)
	s.ExpiresAt = fromMillis(expiresAt)
	return s, nil
}

func (r *sessionsRepo) DeleteSession(ctx context.Context, tokenHash string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *sessionsRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
