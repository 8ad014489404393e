// Package oauth implements the OAuth 2.0 / OpenID Connect provider variant.
//
// Initiate returns the authorization URL and a signed state token that the
// caller keeps (typically in a cookie) until the provider redirects back.
// Complete checks the returned state against the token before exchanging
// the code, so a forged or replayed callback never reaches the provider.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/jwtx"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Config configures one OAuth provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// Issuer enables OpenID Connect discovery. When set, Endpoint,
	// UserInfoURL and the id_token verifier are taken from the issuer.
	Issuer string

	// Endpoint and UserInfoURL are used for plain OAuth 2.0 providers.
	Endpoint    oauth2.Endpoint
	UserInfoURL string

	// Verifier overrides the id_token verifier built from Issuer.
	Verifier *oidc.IDTokenVerifier

	// StateSecret signs state tokens, at least jwtx.MinStateKeySize bytes.
	StateSecret []byte
	StateSigner *jwtx.StateSigner // overrides StateSecret when set

	HTTPClient *http.Client
}

// Provider is an OAuth 2.0 provider with optional OIDC id_token support.
type Provider struct {
	oauth2      oauth2.Config
	verifier    *oidc.IDTokenVerifier
	userInfoURL string
	states      *jwtx.StateSigner
	client      *http.Client
}

// New builds a provider. With cfg.Issuer set it performs OIDC discovery,
// which makes a network request bounded by ctx.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth: client id is required")
	}

	states := cfg.StateSigner
	if states == nil {
		s, err := jwtx.NewStateSigner(cfg.StateSecret, jwtx.DefaultStateTTL)
		if err != nil {
			return nil, fmt.Errorf("oauth: %w", err)
		}
		states = s
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	p := &Provider{
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		verifier:    cfg.Verifier,
		userInfoURL: cfg.UserInfoURL,
		states:      states,
		client:      client,
	}

	if cfg.Issuer != "" {
		discovered, err := oidc.NewProvider(oidc.ClientContext(ctx, client), cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oauth: oidc discovery for %q failed: %w", cfg.Issuer, err)
		}
		p.oauth2.Endpoint = discovered.Endpoint()
		if p.verifier == nil {
			p.verifier = discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		}
		if p.userInfoURL == "" {
			p.userInfoURL = discovered.UserInfoEndpoint()
		}
		if len(p.oauth2.Scopes) == 0 {
			p.oauth2.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
		}
	}

	if p.oauth2.Endpoint.AuthURL == "" || p.oauth2.Endpoint.TokenURL == "" {
		return nil, errors.New("oauth: endpoint auth and token urls are required without an issuer")
	}
	if p.verifier == nil && p.userInfoURL == "" {
		return nil, errors.New("oauth: either an id_token verifier or a userinfo url is required")
	}

	return p, nil
}

func (p *Provider) Type() simpleauth.ProviderType { return simpleauth.ProviderOAuth }

func (p *Provider) Schema(step simpleauth.Step, _ simpleauth.Mode) simpleauth.Schema {
	if step == simpleauth.StepInitiate {
		return nil
	}
	// Providers append their own keys (scope, authuser, session_state) to
	// the callback, and state is checked inside Complete
	return simpleauth.Schema{
		{Name: "state"},
		{Name: "state_token"},
		{Name: "code"},
		simpleauth.AnyField,
	}
}

func (p *Provider) Initiate(_ context.Context, env *simpleauth.Env, attempt simpleauth.Attempt) (simpleauth.Challenge, error) {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	token, exp, err := p.states.Sign(jwtx.StateClaims{
		Provider: env.Provider.ID,
		Mode:     string(attempt.Mode),
		State:    state,
		Verifier: verifier,
	})
	if err != nil {
		return simpleauth.Challenge{}, simpleauth.ErrProviderFailure.WithCause(err)
	}

	return simpleauth.Challenge{
		Kind:        simpleauth.ChallengeRedirect,
		RedirectURL: p.oauth2.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		StateToken:  token,
		ExpiresAt:   exp,
	}, nil
}

func (p *Provider) Complete(ctx context.Context, env *simpleauth.Env, attempt simpleauth.Attempt) (simpleauth.Result, error) {
	// 1. State first, regardless of the rest of the payload
	claims, err := p.states.Verify(attempt.Payload["state_token"])
	if err != nil {
		env.Logger.Info("oauth state token rejected", "error", err)
		return simpleauth.Result{}, simpleauth.ErrStateMismatch
	}
	if claims.Provider != env.Provider.ID ||
		claims.Mode != string(attempt.Mode) ||
		!cryptox.Equal(claims.State, attempt.Payload["state"]) {
		return simpleauth.Result{}, simpleauth.ErrStateMismatch
	}

	code := attempt.Payload["code"]
	if strings.TrimSpace(code) == "" {
		return simpleauth.Result{}, simpleauth.ErrInvalidInput.WithMessage("code: is required")
	}

	// 2. Exchange
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauth2.Exchange(ctx, code, oauth2.VerifierOption(claims.Verifier))
	if err != nil {
		return simpleauth.Result{}, simpleauth.ErrOAuthExchangeFailed.WithCause(err)
	}

	// 3. Identity
	info, err := p.identity(ctx, tok)
	if err != nil {
		return simpleauth.Result{}, simpleauth.ErrOAuthExchangeFailed.WithCause(err)
	}

	sub := stringClaim(info, "sub")
	if sub == "" {
		sub = stringClaim(info, "id")
	}
	if sub == "" {
		return simpleauth.Result{}, simpleauth.ErrOAuthExchangeFailed.WithMessage("provider returned no subject")
	}

	profile := map[string]any{}
	for _, k := range []string{"email", "name", "picture"} {
		if v := stringClaim(info, k); v != "" {
			profile[k] = v
		}
	}

	return simpleauth.Result{
		IdentityKey: simpleauth.IdentityKey(simpleauth.IdentityOAuth, env.Provider.ID+":"+sub),
		Profile:     profile,
		Provision:   true,
	}, nil
}

// identity returns the verified id_token claims when a verifier is
// configured, otherwise the userinfo document.
func (p *Provider) identity(ctx context.Context, tok *oauth2.Token) (map[string]any, error) {
	if p.verifier != nil {
		raw, ok := tok.Extra("id_token").(string)
		if !ok || raw == "" {
			return nil, errors.New("no id_token in token response")
		}
		idToken, err := p.verifier.Verify(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to verify id_token: %w", err)
		}
		var claims map[string]any
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("failed to parse id_token claims: %w", err)
		}
		return claims, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.oauth2.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, body)
	}

	var info map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	return info, nil
}

// stringClaim reads a claim that may be a string or a JSON number, as some
// providers (GitHub) return numeric user ids.
func stringClaim(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
