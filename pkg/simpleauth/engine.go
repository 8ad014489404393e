package simpleauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/idx"
	"github.com/aussiebroadwan/simpleauth/pkg/slogx"
)

// Operation names an engine entry point for logging and observation.
type Operation string

const (
	OpInitiate   Operation = "initiate"
	OpSignIn     Operation = "signin"
	OpSignUp     Operation = "signup"
	OpSignOut    Operation = "signout"
	OpGetSession Operation = "session"
)

// Outcome is reported to the Observer after every operation.
type Outcome struct {
	Op         Operation
	ProviderID string
	Code       Code // "" on success
	Duration   time.Duration
}

// Observer receives an Outcome for every completed operation.
type Observer interface {
	Observe(o Outcome)
}

// SimpleAuth is the authentication engine. It is immutable after New and
// safe for concurrent use; all state lives behind the Adapter.
type SimpleAuth struct {
	opts     Options
	registry *Registry
	adapter  Adapter
	codes    *CodeService
	logger   *slog.Logger
	now      func() time.Time
	observer Observer
}

// Option customizes an engine at construction.
type Option func(*SimpleAuth)

func WithLogger(l *slog.Logger) Option { return func(a *SimpleAuth) { a.logger = l } }

// WithClock replaces the engine clock, mostly for tests.
func WithClock(now func() time.Time) Option { return func(a *SimpleAuth) { a.now = now } }

func WithLimiter(l Limiter) Option { return func(a *SimpleAuth) { a.codes.Limiter = l } }

func WithObserver(o Observer) Option { return func(a *SimpleAuth) { a.observer = o } }

// New validates opts, binds impls to the declared providers by id and
// returns a ready engine. On any configuration problem it returns an
// INVALID_AUTH_OPTIONS error listing every violation and no engine.
func New(opts Options, adapter Adapter, impls map[string]Provider, options ...Option) (*SimpleAuth, error) {
	validated, err := ValidateOptions(opts)
	if err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, violations(ErrInvalidAuthOptions, []string{"adapter: must not be nil"})
	}

	registry, err := NewRegistry(validated.Providers, impls)
	if err != nil {
		return nil, err
	}

	a := &SimpleAuth{
		opts:     validated,
		registry: registry,
		adapter:  adapter,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	a.codes = &CodeService{Adapter: adapter, Policy: validated.Code}
	for _, o := range options {
		o(a)
	}
	a.codes.Now = a.now

	return a, nil
}

// Options returns the validated options with defaults applied.
func (a *SimpleAuth) Options() Options {
	opts := a.opts
	opts.Providers = slices.Clone(a.opts.Providers)
	return opts
}

// Providers lists the configured providers in declaration order.
func (a *SimpleAuth) Providers() []AuthProvider {
	return a.registry.Descriptors()
}

// Initiate starts a provider protocol and returns the challenge.
func (a *SimpleAuth) Initiate(ctx context.Context, providerID string, attempt Attempt) (ch Challenge, err error) {
	ctx = a.withAttempt(ctx)
	start := a.now()
	defer func() { a.finish(ctx, OpInitiate, providerID, start, err) }()

	if attempt.Mode == "" {
		attempt.Mode = ModeSignIn
	}
	if attempt.Mode != ModeSignIn && attempt.Mode != ModeSignUp {
		return Challenge{}, violations(ErrInvalidInput, []string{fmt.Sprintf("mode: %q is not one of signin, signup", attempt.Mode)})
	}

	desc, impl, err := a.registry.Resolve(providerID)
	if err != nil {
		return Challenge{}, err
	}
	if err := impl.Schema(StepInitiate, attempt.Mode).Validate(attempt.Payload); err != nil {
		return Challenge{}, err
	}

	ch, err = a.initiate(ctx, impl, a.env(ctx, desc), attempt)
	if err != nil {
		return Challenge{}, providerError(err)
	}
	ch.ProviderID = desc.ID
	return ch, nil
}

// SignIn completes a provider protocol for an existing (or provisionable)
// user and materializes a session.
func (a *SimpleAuth) SignIn(ctx context.Context, providerID string, attempt Attempt) (s Session, err error) {
	ctx = a.withAttempt(ctx)
	start := a.now()
	defer func() { a.finish(ctx, OpSignIn, providerID, start, err) }()

	attempt.Mode = ModeSignIn
	desc, res, err := a.complete(ctx, providerID, attempt)
	if err != nil {
		return Session{}, err
	}

	// 1. Locate the user
	var user User
	if res.UserID != "" {
		user, err = a.adapter.Users().GetUserByID(ctx, res.UserID)
	} else {
		user, err = a.adapter.Users().GetUserByIdentity(ctx, res.IdentityKey)
	}

	switch {
	case errors.Is(err, ErrNotFound) && res.Provision:
		// 2a. Provision on first sign-in
		user, err = a.provision(ctx, desc, res)
		if err != nil {
			return Session{}, err
		}
	case errors.Is(err, ErrNotFound):
		return Session{}, ErrUserNotFound
	case err != nil:
		return Session{}, adapterError(err)
	default:
		// 2b. Link the provider if this is the first time it was used
		if !slices.Contains(user.Providers, desc.ID) {
			if err := a.adapter.Users().LinkProvider(ctx, user.ID, desc.ID); err != nil {
				return Session{}, adapterError(err)
			}
		}
	}

	// 3. Materialize the session
	return a.materialize(ctx, user.ID, desc.ID)
}

// SignUp completes a provider protocol for a new user, persists it and
// materializes a session. An existing identity is never overwritten.
func (a *SimpleAuth) SignUp(ctx context.Context, providerID string, attempt Attempt) (s Session, err error) {
	ctx = a.withAttempt(ctx)
	start := a.now()
	defer func() { a.finish(ctx, OpSignUp, providerID, start, err) }()

	attempt.Mode = ModeSignUp
	desc, res, err := a.complete(ctx, providerID, attempt)
	if err != nil {
		return Session{}, err
	}

	if res.IdentityKey == "" {
		return Session{}, ErrProviderFailure.WithMessage("provider %q returned no identity key for sign-up", desc.ID)
	}

	// 1. Reject known identities before writing anything
	_, err = a.adapter.Users().GetUserByIdentity(ctx, res.IdentityKey)
	switch {
	case err == nil:
		return Session{}, ErrUserAlreadyExists
	case !errors.Is(err, ErrNotFound):
		return Session{}, adapterError(err)
	}

	// 2. User, then credential
	user, err := a.createUser(ctx, desc, res)
	if err != nil {
		return Session{}, err
	}

	if res.SecretHash != "" {
		now := a.now()
		cred := Credential{
			ID:          idx.NewPrefixed(idx.PrefixCredential).String(),
			UserID:      user.ID,
			ProviderID:  desc.ID,
			IdentityKey: res.IdentityKey,
			SecretHash:  res.SecretHash,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := a.adapter.Credentials().CreateCredential(ctx, cred); err != nil {
			a.rollbackUser(ctx, user.ID)
			if errors.Is(err, ErrAlreadyExists) {
				return Session{}, ErrUserAlreadyExists
			}
			return Session{}, adapterError(err)
		}
	}

	// 3. Session
	s, err = a.materialize(ctx, user.ID, desc.ID)
	if err != nil {
		a.rollbackUser(ctx, user.ID)
		return Session{}, err
	}
	return s, nil
}

// SignOut destroys the session for token. Signing out an unknown or
// already destroyed session succeeds.
func (a *SimpleAuth) SignOut(ctx context.Context, token string) (err error) {
	start := a.now()
	defer func() { a.finish(ctx, OpSignOut, "", start, err) }()

	if strings.TrimSpace(token) == "" {
		return violations(ErrInvalidInput, []string{"token: is required"})
	}

	err = a.adapter.Sessions().DeleteSession(ctx, cryptox.FingerprintToken(token))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return adapterError(err)
	}
	return nil
}

// GetSession resolves a session token. Expired sessions are deleted on
// sight and reported as SESSION_EXPIRED.
func (a *SimpleAuth) GetSession(ctx context.Context, token string) (s Session, err error) {
	start := a.now()
	defer func() { a.finish(ctx, OpGetSession, s.ProviderID, start, err) }()

	if strings.TrimSpace(token) == "" {
		return Session{}, ErrSessionInvalid
	}

	hash := cryptox.FingerprintToken(token)
	s, err = a.adapter.Sessions().GetSession(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return Session{}, ErrSessionInvalid
	}
	if err != nil {
		return Session{}, adapterError(err)
	}

	if s.Expired(a.now()) {
		if err := a.adapter.Sessions().DeleteSession(ctx, hash); err != nil && !errors.Is(err, ErrNotFound) {
			a.log(ctx).Warn("failed to delete expired session", "session_id", s.ID, "error", err)
		}
		return Session{}, ErrSessionExpired
	}

	s.Token = token
	return s, nil
}

// complete resolves the provider, validates the payload and runs Complete.
func (a *SimpleAuth) complete(ctx context.Context, providerID string, attempt Attempt) (AuthProvider, Result, error) {
	desc, impl, err := a.registry.Resolve(providerID)
	if err != nil {
		return AuthProvider{}, Result{}, err
	}
	if err := impl.Schema(StepComplete, attempt.Mode).Validate(attempt.Payload); err != nil {
		return AuthProvider{}, Result{}, err
	}

	res, err := a.runComplete(ctx, impl, a.env(ctx, desc), attempt)
	if err != nil {
		return AuthProvider{}, Result{}, providerError(err)
	}
	if res.IdentityKey == "" && res.UserID == "" {
		return AuthProvider{}, Result{}, ErrProviderFailure.WithMessage("provider %q returned no identity", desc.ID)
	}
	return desc, res, nil
}

func (a *SimpleAuth) initiate(ctx context.Context, impl Provider, env *Env, attempt Attempt) (ch Challenge, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrProviderFailure.WithCause(fmt.Errorf("provider panic: %v", r))
		}
	}()
	return impl.Initiate(ctx, env, attempt)
}

func (a *SimpleAuth) runComplete(ctx context.Context, impl Provider, env *Env, attempt Attempt) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrProviderFailure.WithCause(fmt.Errorf("provider panic: %v", r))
		}
	}()
	return impl.Complete(ctx, env, attempt)
}

// provision creates a user on first sign-in. A concurrent provision of the
// same identity is resolved by reading the winner back.
func (a *SimpleAuth) provision(ctx context.Context, desc AuthProvider, res Result) (User, error) {
	user, err := a.createUser(ctx, desc, res)
	if !errors.Is(err, ErrUserAlreadyExists) {
		return user, err
	}

	user, err = a.adapter.Users().GetUserByIdentity(ctx, res.IdentityKey)
	if err != nil {
		return User{}, adapterError(err)
	}
	return user, nil
}

func (a *SimpleAuth) createUser(ctx context.Context, desc AuthProvider, res Result) (User, error) {
	now := a.now()
	user := User{
		ID:         idx.NewPrefixed(idx.PrefixUser).String(),
		Identities: []string{res.IdentityKey},
		Providers:  []string{desc.ID},
		Profile:    maps.Clone(res.Profile),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if user.Profile == nil {
		user.Profile = map[string]any{}
	}

	if err := a.adapter.Users().CreateUser(ctx, user); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return User{}, ErrUserAlreadyExists
		}
		return User{}, adapterError(err)
	}
	return user, nil
}

// rollbackUser undoes a partially created user. It must run even when the
// caller's context is already cancelled.
func (a *SimpleAuth) rollbackUser(ctx context.Context, userID string) {
	err := a.adapter.Users().DeleteUser(context.WithoutCancel(ctx), userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.log(ctx).Error("failed to roll back user after sign-up failure", "user_id", userID, "error", err)
	}
}

func (a *SimpleAuth) materialize(ctx context.Context, userID, providerID string) (Session, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return Session{}, ErrProviderFailure.WithCause(err)
	}

	now := a.now()
	s := Session{
		ID:         idx.NewPrefixed(idx.PrefixSession).String(),
		Token:      token,
		TokenHash:  cryptox.FingerprintToken(token),
		UserID:     userID,
		ProviderID: providerID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(a.opts.SessionTTL),
	}
	if err := a.adapter.Sessions().CreateSession(ctx, s); err != nil {
		return Session{}, adapterError(err)
	}
	return s, nil
}

func (a *SimpleAuth) env(ctx context.Context, desc AuthProvider) *Env {
	return &Env{
		Provider: desc,
		Adapter:  a.adapter,
		Codes:    a.codes,
		Logger:   a.log(ctx).With("provider_id", desc.ID),
		Now:      a.now,
	}
}

// withAttempt tags every log line of one attempt with a fresh attempt id.
func (a *SimpleAuth) withAttempt(ctx context.Context) context.Context {
	ctx = slogx.WithContext(ctx, a.log(ctx))
	return slogx.WithAttempt(ctx, idx.New().String())
}

func (a *SimpleAuth) log(ctx context.Context) *slog.Logger {
	return slogx.FromContextOr(ctx, a.logger)
}

// finish logs and observes the outcome of an operation.
func (a *SimpleAuth) finish(ctx context.Context, op Operation, providerID string, start time.Time, err error) {
	elapsed := a.now().Sub(start)
	code := CodeOf(err)
	if err != nil && code == "" {
		code = CodeAdapterError
	}

	log := a.log(ctx).With("op", op, "provider_id", providerID, "duration_ms", elapsed.Milliseconds())
	switch {
	case err == nil:
		log.Info("auth operation succeeded")
	case code == CodeAdapterError || code == CodeProviderFailure:
		log.Error("auth operation failed", "code", code, "error", err)
	default:
		log.Info("auth operation rejected", "code", code)
	}

	if a.observer != nil {
		a.observer.Observe(Outcome{Op: op, ProviderID: providerID, Code: code, Duration: elapsed})
	}
}
