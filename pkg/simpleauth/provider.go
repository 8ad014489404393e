package simpleauth

import (
	"context"
	"log/slog"
	"time"
)

// Mode selects which flow an attempt belongs to.
type Mode string

const (
	ModeSignIn Mode = "signin"
	ModeSignUp Mode = "signup"
)

// Step is one leg of a provider protocol.
type Step string

const (
	StepInitiate Step = "initiate"
	StepComplete Step = "complete"
)

// Payload carries the caller supplied fields for one step.
type Payload map[string]string

// Attempt is a single call into a provider.
type Attempt struct {
	Mode    Mode
	Payload Payload
}

// Provider is the capability every provider variant implements. The engine
// validates the payload against Schema before calling Initiate or Complete.
type Provider interface {
	Type() ProviderType
	Schema(step Step, mode Mode) Schema

	// Initiate starts the protocol and returns the challenge the caller
	// must satisfy.
	Initiate(ctx context.Context, env *Env, attempt Attempt) (Challenge, error)

	// Complete finishes the protocol and returns the authenticated
	// identity. It must not write users or sessions.
	Complete(ctx context.Context, env *Env, attempt Attempt) (Result, error)
}

// Env is what the engine hands a provider for one call.
type Env struct {
	Provider AuthProvider
	Adapter  Adapter
	Codes    *CodeService
	Logger   *slog.Logger
	Now      func() time.Time
}

// ChallengeKind tags the variant of a Challenge.
type ChallengeKind string

const (
	ChallengeRedirect ChallengeKind = "redirect"
	ChallengeSecret   ChallengeKind = "secret"
	ChallengeCodeSent ChallengeKind = "code_sent"
)

// Challenge is returned by Initiate. Which fields are populated depends on
// Kind:
//
//	redirect:  RedirectURL, StateToken
//	secret:    Fields
//	code_sent: Destination (masked), ExpiresAt
type Challenge struct {
	Kind        ChallengeKind
	ProviderID  string
	RedirectURL string
	StateToken  string
	Fields      []string
	Destination string
	ExpiresAt   time.Time
}

// Result is the normalized outcome of Complete.
type Result struct {
	// IdentityKey is the identity the provider vouched for.
	IdentityKey string

	// UserID is set when the provider already resolved the user, for
	// example from a stored credential.
	UserID string

	Profile map[string]any

	// SecretHash is persisted as a credential on sign-up.
	SecretHash string

	// Provision allows sign-in to create the user when the identity is
	// unknown.
	Provision bool
}
