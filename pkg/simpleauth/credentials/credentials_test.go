package credentials_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/memory"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adaptertest"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/credentials"
	"github.com/aussiebroadwan/simpleauth/pkg/slogx"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	cryptox.SetPepper("test-pepper")
	m.Run()
}

func newEnv(adapter simpleauth.Adapter) *simpleauth.Env {
	return &simpleauth.Env{
		Provider: simpleauth.AuthProvider{ID: "pwd", Type: simpleauth.ProviderCredentials},
		Adapter:  adapter,
		Logger:   slogx.Discard(),
		Now:      time.Now,
	}
}

func TestSchema(t *testing.T) {
	p := credentials.New()

	require.Nil(t, p.Schema(simpleauth.StepInitiate, simpleauth.ModeSignIn))
	require.Equal(t, []string{"email", "password"}, p.Schema(simpleauth.StepComplete, simpleauth.ModeSignIn).Fields())

	err := p.Schema(simpleauth.StepComplete, simpleauth.ModeSignUp).Validate(simpleauth.Payload{
		"email":    "a@b.com",
		"password": "short",
	})
	require.ErrorIs(t, err, simpleauth.ErrInvalidInput)
	require.Contains(t, err.Error(), "password: must be at least 8 characters")

	// Sign-in does not enforce the length policy on existing passwords
	require.NoError(t, p.Schema(simpleauth.StepComplete, simpleauth.ModeSignIn).Validate(simpleauth.Payload{
		"email":    "a@b.com",
		"password": "short",
	}))
}

func TestComplete_SignUpHashesSecret(t *testing.T) {
	p := credentials.New()

	res, err := p.Complete(context.Background(), newEnv(memory.New()), simpleauth.Attempt{
		Mode:    simpleauth.ModeSignUp,
		Payload: simpleauth.Payload{"email": " Ada@Example.com ", "password": "correct horse", "name": "Ada"},
	})
	require.NoError(t, err)
	require.Equal(t, "email:ada@example.com", res.IdentityKey)
	require.NotContains(t, res.SecretHash, "correct horse")
	require.NoError(t, cryptox.VerifyPassword("correct horse", res.SecretHash))
	require.Equal(t, map[string]any{"email": "ada@example.com", "name": "Ada"}, res.Profile)
	require.False(t, res.Provision)
}

func TestComplete_SignIn(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := credentials.New()

	user := adaptertest.NewUser("email:ada@example.com", "pwd")
	require.NoError(t, store.Users().CreateUser(ctx, user))

	hash, err := cryptox.HashPassword("correct horse")
	require.NoError(t, err)
	require.NoError(t, store.Credentials().CreateCredential(ctx, simpleauth.Credential{
		ID:          "crd_1",
		UserID:      user.ID,
		ProviderID:  "pwd",
		IdentityKey: "email:ada@example.com",
		SecretHash:  hash,
	}))

	signIn := func(email, password string) (simpleauth.Result, error) {
		return p.Complete(ctx, newEnv(store), simpleauth.Attempt{
			Mode:    simpleauth.ModeSignIn,
			Payload: simpleauth.Payload{"email": email, "password": password},
		})
	}

	res, err := signIn("ADA@example.com", "correct horse")
	require.NoError(t, err)
	require.Equal(t, user.ID, res.UserID)

	_, err = signIn("ada@example.com", "wrong horse")
	require.ErrorIs(t, err, simpleauth.ErrInvalidCredentials)

	_, err = signIn("nobody@example.com", "correct horse")
	require.ErrorIs(t, err, simpleauth.ErrInvalidCredentials)
}

func TestComplete_SignInWithImportedBcryptHash(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	p := credentials.New()

	user := adaptertest.NewUser("email:legacy@example.com", "pwd")
	require.NoError(t, store.Users().CreateUser(ctx, user))

	legacy, err := bcrypt.GenerateFromPassword([]byte("hunter2hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.Credentials().CreateCredential(ctx, simpleauth.Credential{
		ID:          "crd_legacy",
		UserID:      user.ID,
		ProviderID:  "pwd",
		IdentityKey: "email:legacy@example.com",
		SecretHash:  string(legacy),
	}))

	res, err := p.Complete(ctx, newEnv(store), simpleauth.Attempt{
		Mode:    simpleauth.ModeSignIn,
		Payload: simpleauth.Payload{"email": "legacy@example.com", "password": "hunter2hunter2"},
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, res.UserID)
}

type brokenCredentials struct{ simpleauth.Credentials }

func (brokenCredentials) GetCredential(context.Context, string, string) (simpleauth.Credential, error) {
	return simpleauth.Credential{}, errors.New("db locked")
}

type brokenAdapter struct{ simpleauth.Adapter }

func (b brokenAdapter) Credentials() simpleauth.Credentials {
	return brokenCredentials{b.Adapter.Credentials()}
}

func TestComplete_AdapterFailureIsNotACredentialError(t *testing.T) {
	p := credentials.New()

	_, err := p.Complete(context.Background(), newEnv(brokenAdapter{memory.New()}), simpleauth.Attempt{
		Mode:    simpleauth.ModeSignIn,
		Payload: simpleauth.Payload{"email": "a@b.com", "password": "whatever"},
	})
	require.ErrorIs(t, err, simpleauth.ErrAdapter)
	require.NotErrorIs(t, err, simpleauth.ErrInvalidCredentials)
}
