// Package credentials implements the email and password provider variant.
package credentials

import (
	"context"
	"errors"
	"sync"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

const (
	DefaultMinPasswordLength = 8
	maxPasswordLength        = 256
	maxNameLength            = 128
)

// Hasher hashes and verifies secrets. Verify returns a non-nil error for
// any mismatch.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, hash string) error
}

// Argon2Hasher hashes with Argon2id and also verifies imported bcrypt
// hashes, see cryptox.VerifyPassword.
type Argon2Hasher struct{}

func (Argon2Hasher) Hash(secret string) (string, error) { return cryptox.HashPassword(secret) }

func (Argon2Hasher) Verify(secret, hash string) error { return cryptox.VerifyPassword(secret, hash) }

// Provider checks an email and password against stored credentials.
type Provider struct {
	Hasher            Hasher
	MinPasswordLength int

	dummyOnce sync.Once
	dummyHash string
}

func New() *Provider {
	return &Provider{
		Hasher:            Argon2Hasher{},
		MinPasswordLength: DefaultMinPasswordLength,
	}
}

func (p *Provider) Type() simpleauth.ProviderType { return simpleauth.ProviderCredentials }

func (p *Provider) Schema(step simpleauth.Step, mode simpleauth.Mode) simpleauth.Schema {
	if step == simpleauth.StepInitiate {
		return nil
	}

	email := simpleauth.Field{Name: "email", Required: true, Rule: simpleauth.RuleEmail, MaxLen: 254}
	if mode == simpleauth.ModeSignIn {
		return simpleauth.Schema{
			email,
			{Name: "password", Required: true, MaxLen: maxPasswordLength},
		}
	}

	return simpleauth.Schema{
		email,
		{Name: "password", Required: true, MinLen: p.minLength(), MaxLen: maxPasswordLength},
		{Name: "name", Rule: simpleauth.RuleNonBlank, MaxLen: maxNameLength},
	}
}

func (p *Provider) Initiate(_ context.Context, _ *simpleauth.Env, attempt simpleauth.Attempt) (simpleauth.Challenge, error) {
	return simpleauth.Challenge{
		Kind:   simpleauth.ChallengeSecret,
		Fields: p.Schema(simpleauth.StepComplete, attempt.Mode).Fields(),
	}, nil
}

func (p *Provider) Complete(ctx context.Context, env *simpleauth.Env, attempt simpleauth.Attempt) (simpleauth.Result, error) {
	email := simpleauth.NormalizeEmail(attempt.Payload["email"])
	password := attempt.Payload["password"]
	key := simpleauth.IdentityKey(simpleauth.IdentityEmail, email)

	if attempt.Mode == simpleauth.ModeSignUp {
		hash, err := p.hasher().Hash(password)
		if err != nil {
			return simpleauth.Result{}, simpleauth.ErrProviderFailure.WithCause(err)
		}

		profile := map[string]any{"email": email}
		if name := attempt.Payload["name"]; name != "" {
			profile["name"] = name
		}
		return simpleauth.Result{IdentityKey: key, SecretHash: hash, Profile: profile}, nil
	}

	cred, err := env.Adapter.Credentials().GetCredential(ctx, env.Provider.ID, key)
	if errors.Is(err, simpleauth.ErrNotFound) {
		// Spend the same time as a real check so unknown emails are not
		// distinguishable from wrong passwords.
		_ = p.hasher().Verify(password, p.dummy())
		return simpleauth.Result{}, simpleauth.ErrInvalidCredentials
	}
	if err != nil {
		return simpleauth.Result{}, simpleauth.ErrAdapter.WithCause(err)
	}

	if err := p.hasher().Verify(password, cred.SecretHash); err != nil {
		if !errors.Is(err, cryptox.ErrPasswordMismatch) {
			env.Logger.Warn("stored credential could not be verified", "credential_id", cred.ID, "error", err)
		}
		return simpleauth.Result{}, simpleauth.ErrInvalidCredentials
	}
	if cryptox.NeedsRehash(cred.SecretHash) {
		env.Logger.Info("credential hash uses outdated parameters", "credential_id", cred.ID)
	}

	return simpleauth.Result{IdentityKey: key, UserID: cred.UserID}, nil
}

func (p *Provider) hasher() Hasher {
	if p.Hasher == nil {
		return Argon2Hasher{}
	}
	return p.Hasher
}

func (p *Provider) minLength() int {
	if p.MinPasswordLength <= 0 {
		return DefaultMinPasswordLength
	}
	return p.MinPasswordLength
}

func (p *Provider) dummy() string {
	p.dummyOnce.Do(func() {
		p.dummyHash, _ = p.hasher().Hash(cryptox.MustGenerateToken(cryptox.TokenSize128))
	})
	return p.dummyHash
}
