package oauth_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/memory"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/oauth"
	"github.com/aussiebroadwan/simpleauth/pkg/slogx"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var stateSecret = []byte(strings.Repeat("s", 32))

// fakeIdP is a minimal authorization server. It accepts "good-code" once a
// PKCE verifier is presented and serves a userinfo document.
type fakeIdP struct {
	*httptest.Server
	idToken string
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	idp := &fakeIdP{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp := map[string]any{"access_token": "access-123", "token_type": "Bearer", "expires_in": 3600}
		if idp.idToken != "" {
			resp["id_token"] = idp.idToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": 4242, "email": "octo@example.com", "name": "Octo Cat"}`))
	})

	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)
	return idp
}

func (idp *fakeIdP) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: idp.URL + "/authorize", TokenURL: idp.URL + "/token"}
}

func newEngine(t *testing.T, p *oauth.Provider) *simpleauth.SimpleAuth {
	t.Helper()
	auth, err := simpleauth.New(
		simpleauth.Options{Providers: []simpleauth.AuthProvider{{ID: "github", Name: "GitHub", Type: simpleauth.ProviderOAuth}}},
		memory.New(),
		map[string]simpleauth.Provider{"github": p},
		simpleauth.WithLogger(slogx.Discard()),
	)
	require.NoError(t, err)
	return auth
}

func redirectState(t *testing.T, ch simpleauth.Challenge) string {
	t.Helper()
	u, err := url.Parse(ch.RedirectURL)
	require.NoError(t, err)
	require.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	require.NotEmpty(t, u.Query().Get("code_challenge"))
	return u.Query().Get("state")
}

func TestNew_RequiresEndpointsAndIdentitySource(t *testing.T) {
	ctx := context.Background()

	_, err := oauth.New(ctx, oauth.Config{StateSecret: stateSecret})
	require.Error(t, err, "client id is required")

	_, err = oauth.New(ctx, oauth.Config{ClientID: "c", StateSecret: []byte("short"), UserInfoURL: "http://x"})
	require.Error(t, err)

	_, err = oauth.New(ctx, oauth.Config{ClientID: "c", StateSecret: stateSecret, UserInfoURL: "http://x"})
	require.Error(t, err, "endpoint is required")

	_, err = oauth.New(ctx, oauth.Config{
		ClientID:    "c",
		StateSecret: stateSecret,
		Endpoint:    oauth2.Endpoint{AuthURL: "http://x/a", TokenURL: "http://x/t"},
	})
	require.Error(t, err, "verifier or userinfo is required")
}

func TestSignIn_UserInfoFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idp := newFakeIdP(t)

	p, err := oauth.New(ctx, oauth.Config{
		ClientID:    "client",
		RedirectURL: "http://app.test/callback",
		Endpoint:    idp.endpoint(),
		UserInfoURL: idp.URL + "/userinfo",
		StateSecret: stateSecret,
	})
	require.NoError(t, err)
	auth := newEngine(t, p)

	ch, err := auth.Initiate(ctx, "github", simpleauth.Attempt{})
	require.NoError(t, err)
	require.Equal(t, simpleauth.ChallengeRedirect, ch.Kind)
	require.Equal(t, "github", ch.ProviderID)
	require.True(t, strings.HasPrefix(ch.RedirectURL, idp.URL+"/authorize?"))
	state := redirectState(t, ch)

	t.Run("mismatched state is rejected before exchange", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": "forged", "state_token": ch.StateToken, "code": "good-code",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("mismatched state wins over missing code", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": "forged", "state_token": ch.StateToken,
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("mismatched state wins over extra callback keys", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": "forged", "state_token": ch.StateToken, "code": "good-code",
			"scope": "openid email", "authuser": "0", "session_state": "abc",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("missing state", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state_token": ch.StateToken, "code": "good-code",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)

		_, err = auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "code": "good-code",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("mismatched state wins over blank code", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": "forged", "state_token": ch.StateToken, "code": "   ",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("blank code with a valid state", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "state_token": ch.StateToken, "code": " ",
		}})
		require.ErrorIs(t, err, simpleauth.ErrInvalidInput)
	})

	t.Run("tampered token", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "state_token": ch.StateToken + "x", "code": "good-code",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("token issued for sign-in cannot complete sign-up", func(t *testing.T) {
		_, err := auth.SignUp(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "state_token": ch.StateToken, "code": "good-code",
		}})
		require.ErrorIs(t, err, simpleauth.ErrStateMismatch)
	})

	t.Run("bad code fails the exchange", func(t *testing.T) {
		_, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "state_token": ch.StateToken, "code": "bad-code",
		}})
		require.ErrorIs(t, err, simpleauth.ErrOAuthExchangeFailed)
	})

	t.Run("valid callback provisions the user", func(t *testing.T) {
		s, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "state_token": ch.StateToken, "code": "good-code",
		}})
		require.NoError(t, err)
		require.NotEmpty(t, s.Token)
		require.Equal(t, "github", s.ProviderID)

		again, err := auth.SignIn(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
			"state": state, "state_token": ch.StateToken, "code": "good-code", "scope": "openid email",
		}})
		require.NoError(t, err)
		require.Equal(t, s.UserID, again.UserID, "same subject maps to the same user")
	})
}

func TestSignIn_IDTokenFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idp := newFakeIdP(t)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	const issuer = "https://issuer.test"
	raw, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   issuer,
		"aud":   "client",
		"sub":   "subject-1",
		"email": "ada@example.com",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString(key)
	require.NoError(t, err)
	idp.idToken = raw

	verifier := oidc.NewVerifier(issuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: "client"},
	)

	p, err := oauth.New(ctx, oauth.Config{
		ClientID:    "client",
		Endpoint:    idp.endpoint(),
		Verifier:    verifier,
		StateSecret: stateSecret,
	})
	require.NoError(t, err)
	auth := newEngine(t, p)

	ch, err := auth.Initiate(ctx, "github", simpleauth.Attempt{Mode: simpleauth.ModeSignUp})
	require.NoError(t, err)

	s, err := auth.SignUp(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
		"state": redirectState(t, ch), "state_token": ch.StateToken, "code": "good-code",
	}})
	require.NoError(t, err)
	require.NotEmpty(t, s.UserID)

	// A second sign-up for the same subject is refused
	ch, err = auth.Initiate(ctx, "github", simpleauth.Attempt{Mode: simpleauth.ModeSignUp})
	require.NoError(t, err)
	_, err = auth.SignUp(ctx, "github", simpleauth.Attempt{Payload: simpleauth.Payload{
		"state": redirectState(t, ch), "state_token": ch.StateToken, "code": "good-code",
	}})
	require.ErrorIs(t, err, simpleauth.ErrUserAlreadyExists)
}
