// Package adaptertest is a conformance suite every simpleauth.Adapter
// implementation runs from its own tests.
package adaptertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/idx"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty adapter for one subtest.
type Factory func(t *testing.T) simpleauth.Adapter

// Run executes the whole suite against adapters built by newAdapter.
func Run(t *testing.T, newAdapter Factory) {
	t.Run("users", func(t *testing.T) { testUsers(t, newAdapter(t)) })
	t.Run("credentials", func(t *testing.T) { testCredentials(t, newAdapter(t)) })
	t.Run("sessions", func(t *testing.T) { testSessions(t, newAdapter(t)) })
	t.Run("codes", func(t *testing.T) { testCodes(t, newAdapter(t)) })
	t.Run("concurrent consume", func(t *testing.T) { testConcurrentConsume(t, newAdapter(t)) })
	t.Run("delete user cascades", func(t *testing.T) { testDeleteCascade(t, newAdapter(t)) })
}

// now is truncated to milliseconds, the coarsest resolution any adapter
// stores.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewUser builds a user with a single identity.
func NewUser(identityKey, providerID string) simpleauth.User {
	ts := now()
	return simpleauth.User{
		ID:         idx.NewPrefixed(idx.PrefixUser).String(),
		Identities: []string{identityKey},
		Providers:  []string{providerID},
		Profile:    map[string]any{"name": "Ada"},
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
}

func newSession(userID string, expiresAt time.Time) simpleauth.Session {
	token := cryptox.MustGenerateToken(cryptox.TokenSize256)
	return simpleauth.Session{
		ID:         idx.NewPrefixed(idx.PrefixSession).String(),
		TokenHash:  cryptox.FingerprintToken(token),
		UserID:     userID,
		ProviderID: "pwd",
		IssuedAt:   now(),
		ExpiresAt:  expiresAt,
	}
}

func newCode(subject string, createdAt time.Time, ttl time.Duration) simpleauth.VerificationCode {
	return simpleauth.VerificationCode{
		ID:         idx.NewPrefixed(idx.PrefixCode).String(),
		ProviderID: "phone",
		Subject:    subject,
		CodeHash:   cryptox.FingerprintToken(subject + createdAt.String()),
		CreatedAt:  createdAt,
		ExpiresAt:  createdAt.Add(ttl),
	}
}

func testUsers(t *testing.T, a simpleauth.Adapter) {
	ctx := context.Background()
	users := a.Users()

	u := NewUser("email:ada@example.com", "pwd")
	require.NoError(t, users.CreateUser(ctx, u))

	t.Run("get by id and identity", func(t *testing.T) {
		got, err := users.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
		require.ElementsMatch(t, u.Identities, got.Identities)
		require.ElementsMatch(t, u.Providers, got.Providers)
		require.Equal(t, "Ada", got.Profile["name"])
		require.True(t, u.CreatedAt.Equal(got.CreatedAt))

		byIdentity, err := users.GetUserByIdentity(ctx, "email:ada@example.com")
		require.NoError(t, err)
		require.Equal(t, u.ID, byIdentity.ID)
	})

	t.Run("missing users are not found", func(t *testing.T) {
		_, err := users.GetUserByID(ctx, "usr_missing")
		require.ErrorIs(t, err, simpleauth.ErrNotFound)

		_, err = users.GetUserByIdentity(ctx, "email:nobody@example.com")
		require.ErrorIs(t, err, simpleauth.ErrNotFound)
	})

	t.Run("identity conflicts write nothing", func(t *testing.T) {
		dup := NewUser("email:ada@example.com", "pwd")
		require.ErrorIs(t, users.CreateUser(ctx, dup), simpleauth.ErrAlreadyExists)

		_, err := users.GetUserByID(ctx, dup.ID)
		require.ErrorIs(t, err, simpleauth.ErrNotFound)
	})

	t.Run("link provider is idempotent", func(t *testing.T) {
		require.NoError(t, users.LinkProvider(ctx, u.ID, "google"))
		require.NoError(t, users.LinkProvider(ctx, u.ID, "google"))

		got, err := users.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"pwd", "google"}, got.Providers)

		require.ErrorIs(t, users.LinkProvider(ctx, "usr_missing", "google"), simpleauth.ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, users.DeleteUser(ctx, u.ID))
		require.ErrorIs(t, users.DeleteUser(ctx, u.ID), simpleauth.ErrNotFound)

		_, err := users.GetUserByIdentity(ctx, "email:ada@example.com")
		require.ErrorIs(t, err, simpleauth.ErrNotFound)

		// The identity is free again
		require.NoError(t, users.CreateUser(ctx, NewUser("email:ada@example.com", "pwd")))
	})
}

func testCredentials(t *testing.T, a simpleauth.Adapter) {
	ctx := context.Background()

	u := NewUser("email:grace@example.com", "pwd")
	require.NoError(t, a.Users().CreateUser(ctx, u))

	cred := simpleauth.Credential{
		ID:          idx.NewPrefixed(idx.PrefixCredential).String(),
		UserID:      u.ID,
		ProviderID:  "pwd",
		IdentityKey: "email:grace@example.com",
		SecretHash:  "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA",
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}
	require.NoError(t, a.Credentials().CreateCredential(ctx, cred))

	got, err := a.Credentials().GetCredential(ctx, "pwd", "email:grace@example.com")
	require.NoError(t, err)
	require.Equal(t, cred.ID, got.ID)
	require.Equal(t, u.ID, got.UserID)
	require.Equal(t, cred.SecretHash, got.SecretHash)

	// Same identity, different provider is a different credential
	_, err = a.Credentials().GetCredential(ctx, "other", "email:grace@example.com")
	require.ErrorIs(t, err, simpleauth.ErrNotFound)

	dup := cred
	dup.ID = idx.NewPrefixed(idx.PrefixCredential).String()
	require.ErrorIs(t, a.Credentials().CreateCredential(ctx, dup), simpleauth.ErrAlreadyExists)

	orphan := cred
	orphan.ID = idx.NewPrefixed(idx.PrefixCredential).String()
	orphan.UserID = "usr_missing"
	orphan.IdentityKey = "email:orphan@example.com"
	require.ErrorIs(t, a.Credentials().CreateCredential(ctx, orphan), simpleauth.ErrNotFound)
}

func testSessions(t *testing.T, a simpleauth.Adapter) {
	ctx := context.Background()

	u := NewUser("email:linus@example.com", "pwd")
	require.NoError(t, a.Users().CreateUser(ctx, u))

	live := newSession(u.ID, now().Add(time.Hour))
	expired := newSession(u.ID, now().Add(-time.Minute))
	require.NoError(t, a.Sessions().CreateSession(ctx, live))
	require.NoError(t, a.Sessions().CreateSession(ctx, expired))

	got, err := a.Sessions().GetSession(ctx, live.TokenHash)
	require.NoError(t, err)
	require.Equal(t, live.ID, got.ID)
	require.Equal(t, u.ID, got.UserID)
	require.Equal(t, "pwd", got.ProviderID)
	require.True(t, live.ExpiresAt.Equal(got.ExpiresAt))
	require.Empty(t, got.Token)

	n, err := a.Sessions().DeleteExpiredSessions(ctx, now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = a.Sessions().GetSession(ctx, expired.TokenHash)
	require.ErrorIs(t, err, simpleauth.ErrNotFound)

	require.NoError(t, a.Sessions().DeleteSession(ctx, live.TokenHash))
	require.ErrorIs(t, a.Sessions().DeleteSession(ctx, live.TokenHash), simpleauth.ErrNotFound)

	_, err = a.Sessions().GetSession(ctx, live.TokenHash)
	require.ErrorIs(t, err, simpleauth.ErrNotFound)
}

func testCodes(t *testing.T, a simpleauth.Adapter) {
	ctx := context.Background()
	codes := a.Codes()
	subject := "phone:+61400000001"

	_, err := codes.GetLatestCode(ctx, "phone", subject)
	require.ErrorIs(t, err, simpleauth.ErrNotFound)

	first := newCode(subject, now().Add(-time.Second), 5*time.Minute)
	require.NoError(t, codes.CreateCode(ctx, first))

	got, err := codes.GetLatestCode(ctx, "phone", subject)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
	require.Equal(t, first.CodeHash, got.CodeHash)
	require.Nil(t, got.ConsumedAt)
	require.True(t, first.ExpiresAt.Equal(got.ExpiresAt))

	t.Run("newer code supersedes", func(t *testing.T) {
		second := newCode(subject, now(), 5*time.Minute)
		require.NoError(t, codes.CreateCode(ctx, second))

		got, err := codes.GetLatestCode(ctx, "phone", subject)
		require.NoError(t, err)
		require.Equal(t, second.ID, got.ID)

		// The superseded code can no longer be consumed
		require.ErrorIs(t, codes.ConsumeCode(ctx, first.ID, now()), simpleauth.ErrNotFound)

		n, err := codes.IncrementCodeAttempts(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)
		n, err = codes.IncrementCodeAttempts(ctx, second.ID)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		got, err = codes.GetLatestCode(ctx, "phone", subject)
		require.NoError(t, err)
		require.Equal(t, 2, got.Attempts)

		require.NoError(t, codes.ConsumeCode(ctx, second.ID, now()))
		require.ErrorIs(t, codes.ConsumeCode(ctx, second.ID, now()), simpleauth.ErrNotFound)

		_, err = codes.GetLatestCode(ctx, "phone", subject)
		require.ErrorIs(t, err, simpleauth.ErrNotFound)
	})

	t.Run("subjects are isolated", func(t *testing.T) {
		other := newCode("phone:+61400000002", now(), 5*time.Minute)
		require.NoError(t, codes.CreateCode(ctx, other))

		_, err := codes.GetLatestCode(ctx, "phone", subject)
		require.ErrorIs(t, err, simpleauth.ErrNotFound)
	})

	t.Run("delete expired", func(t *testing.T) {
		stale := newCode("phone:+61400000003", now().Add(-10*time.Minute), time.Minute)
		require.NoError(t, codes.CreateCode(ctx, stale))

		n, err := codes.DeleteExpiredCodes(ctx, now())
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 1)

		_, err = codes.GetLatestCode(ctx, "phone", "phone:+61400000003")
		require.ErrorIs(t, err, simpleauth.ErrNotFound)

		_, err = codes.IncrementCodeAttempts(ctx, "cod_missing")
		require.ErrorIs(t, err, simpleauth.ErrNotFound)
	})
}

func testConcurrentConsume(t *testing.T, a simpleauth.Adapter) {
	ctx := context.Background()

	c := newCode("phone:+61400000009", now(), 5*time.Minute)
	require.NoError(t, a.Codes().CreateCode(ctx, c))

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Codes().ConsumeCode(ctx, c.ID, now()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, wins, "exactly one consumer must win")
}

func testDeleteCascade(t *testing.T, a simpleauth.Adapter) {
	ctx := context.Background()

	u := NewUser("email:barbara@example.com", "pwd")
	require.NoError(t, a.Users().CreateUser(ctx, u))

	require.NoError(t, a.Credentials().CreateCredential(ctx, simpleauth.Credential{
		ID:          idx.NewPrefixed(idx.PrefixCredential).String(),
		UserID:      u.ID,
		ProviderID:  "pwd",
		IdentityKey: "email:barbara@example.com",
		SecretHash:  "hash",
		CreatedAt:   now(),
		UpdatedAt:   now(),
	}))
	sess := newSession(u.ID, now().Add(time.Hour))
	require.NoError(t, a.Sessions().CreateSession(ctx, sess))

	require.NoError(t, a.Users().DeleteUser(ctx, u.ID))

	_, err := a.Credentials().GetCredential(ctx, "pwd", "email:barbara@example.com")
	require.ErrorIs(t, err, simpleauth.ErrNotFound)

	_, err = a.Sessions().GetSession(ctx, sess.TokenHash)
	require.ErrorIs(t, err, simpleauth.ErrNotFound)
}
