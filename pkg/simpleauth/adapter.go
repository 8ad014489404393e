package simpleauth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("simpleauth: not found")
	ErrAlreadyExists = errors.New("simpleauth: already exists")
)

// Adapter is the storage boundary. Hosts supply an implementation; the
// engine holds no user or session state of its own. Only single-record
// atomicity is expected, the engine compensates compound writes.
type Adapter interface {
	Users() Users
	Credentials() Credentials
	Sessions() Sessions
	Codes() Codes
}

type Users interface {
	// GetUserByID returns ErrNotFound when no such user exists.
	GetUserByID(ctx context.Context, id string) (User, error)

	// GetUserByIdentity looks a user up by one of its identity keys.
	GetUserByIdentity(ctx context.Context, identityKey string) (User, error)

	// CreateUser inserts u together with its identities and providers. It
	// returns ErrAlreadyExists if the id or any identity key is taken, in
	// which case nothing is written.
	CreateUser(ctx context.Context, u User) error

	// LinkProvider records that providerID authenticated the user. Linking
	// twice is a no-op.
	LinkProvider(ctx context.Context, userID, providerID string) error

	// DeleteUser removes the user and cascades to its identities,
	// credentials and sessions.
	DeleteUser(ctx context.Context, id string) error
}

type Credentials interface {
	// CreateCredential returns ErrAlreadyExists when the provider already
	// holds a credential for the identity.
	CreateCredential(ctx context.Context, c Credential) error

	GetCredential(ctx context.Context, providerID, identityKey string) (Credential, error)
}

type Sessions interface {
	CreateSession(ctx context.Context, s Session) error

	// GetSession looks a session up by token fingerprint.
	GetSession(ctx context.Context, tokenHash string) (Session, error)

	// DeleteSession returns ErrNotFound if the session does not exist.
	DeleteSession(ctx context.Context, tokenHash string) error

	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

type Codes interface {
	// CreateCode persists c and supersedes (consumes) every earlier
	// unconsumed code for the same provider and subject.
	CreateCode(ctx context.Context, c VerificationCode) error

	// GetLatestCode returns the most recent unconsumed code for the
	// provider and subject.
	GetLatestCode(ctx context.Context, providerID, subject string) (VerificationCode, error)

	// ConsumeCode marks the code consumed. It must be atomic: exactly one
	// of several concurrent callers succeeds, the rest get ErrNotFound.
	ConsumeCode(ctx context.Context, id string, at time.Time) error

	// IncrementCodeAttempts atomically bumps the attempt counter and returns
	// the new value. It returns ErrNotFound only when the record is gone;
	// consumed codes are still counted.
	IncrementCodeAttempts(ctx context.Context, id string) (int, error)

	DeleteExpiredCodes(ctx context.Context, now time.Time) (int, error)
}
