package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/httpx"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/credentials"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/sms"
	"github.com/stretchr/testify/require"
)

const providersYAML = `
session_ttl: 2h
code:
  digits: 8
providers:
  - id: pwd
    name: Password
    type: credentials
    credentials:
      min_password_length: 10
  - id: phone
    type: sms
    sms:
      template: "Code: {code}"
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()
	require.Equal(t, StoreSQLite, cfg.Store)
	require.Equal(t, "providers.yaml", cfg.ProvidersFile)
	require.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod)
	require.Equal(t, time.Hour, cfg.HousekeepingInterval)
	require.Zero(t, cfg.SessionTTL)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SIMPLEAUTH_STORE", StoreRedis)
	t.Setenv("SIMPLEAUTH_REDIS_DB", "3")
	t.Setenv("SIMPLEAUTH_SESSION_TTL", "90m")
	t.Setenv("HOUSEKEEPING_INTERVAL", "15")
	t.Setenv("SHUTDOWN_GRACE_PERIOD", "garbage")

	cfg := LoadConfig()
	require.Equal(t, StoreRedis, cfg.Store)
	require.Equal(t, 3, cfg.RedisDB)
	require.Equal(t, 90*time.Minute, cfg.SessionTTL)
	require.Equal(t, 15*time.Minute, cfg.HousekeepingInterval, "bare integers are minutes")
	require.Equal(t, 10*time.Second, cfg.ShutdownGracePeriod, "invalid values fall back")
}

func TestParseProvidersFile(t *testing.T) {
	pf, err := ParseProvidersFile(strings.NewReader(providersYAML))
	require.NoError(t, err)

	opts := pf.Options()
	require.Equal(t, 2*time.Hour, opts.SessionTTL)
	require.Equal(t, 8, opts.Code.Digits)
	require.Equal(t, []simpleauth.AuthProvider{
		{ID: "pwd", Name: "Password", Type: simpleauth.ProviderCredentials},
		{ID: "phone", Type: simpleauth.ProviderSMS},
	}, opts.Providers)

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := ParseProvidersFile(strings.NewReader("providers:\n  - id: x\n    typ: sms\n"))
		require.Error(t, err)
	})
}

func TestLoadProvidersFile_SecretOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - id: my-idp
    type: oauth
    oauth:
      client_id: from-file
      client_secret: from-file
`), 0o600))

	t.Setenv("MY_IDP_CLIENT_SECRET", "from-env")

	pf, err := LoadProvidersFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-file", pf.Providers[0].OAuth.ClientID)
	require.Equal(t, "from-env", pf.Providers[0].OAuth.ClientSecret)
}

func TestBuildProviders(t *testing.T) {
	pf, err := ParseProvidersFile(strings.NewReader(providersYAML))
	require.NoError(t, err)

	impls, err := BuildProviders(context.Background(), pf, ProviderDeps{})
	require.NoError(t, err)
	require.Len(t, impls, 2)

	pwd, ok := impls["pwd"].(*credentials.Provider)
	require.True(t, ok)
	require.Equal(t, 10, pwd.MinPasswordLength)

	phone, ok := impls["phone"].(*sms.Provider)
	require.True(t, ok)
	require.Equal(t, "Code: {code}", phone.Template)

	_, err = BuildProviders(context.Background(), ProvidersFile{
		Providers: []ProviderConfig{{ID: "g", Type: simpleauth.ProviderOAuth}},
	}, ProviderDeps{})
	require.ErrorContains(t, err, "oauth block is required")
}

type capture struct {
	mu   sync.Mutex
	msgs []simpleauth.Message
}

func (c *capture) Send(_ context.Context, msg simpleauth.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) last() simpleauth.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func newTestApp(t *testing.T, sender simpleauth.Sender) *Application {
	t.Helper()
	dir := t.TempDir()

	providers := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(providers, []byte(providersYAML), 0o600))

	cfg := LoadConfig()
	cfg.Store = StoreSQLite
	cfg.DatabaseFile = filepath.Join(dir, "simpleauth.db")
	cfg.PepperFile = filepath.Join(dir, "pepper")
	cfg.ProvidersFile = providers
	cfg.LogLevel = "error"

	app, err := New(context.Background(), cfg, WithSender(sender))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestNew_EndToEnd(t *testing.T) {
	out := &capture{}
	app := newTestApp(t, out)
	engine := app.Engine()
	ctx := context.Background()

	require.Equal(t, 2*time.Hour, engine.Options().SessionTTL)

	// Credentials sign-up then sign-in
	_, err := engine.SignUp(ctx, "pwd", simpleauth.Attempt{Payload: simpleauth.Payload{
		"email": "ada@example.com", "password": "correct horse",
	}})
	require.NoError(t, err)

	sess, err := engine.SignIn(ctx, "pwd", simpleauth.Attempt{Payload: simpleauth.Payload{
		"email": "ada@example.com", "password": "correct horse",
	}})
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)

	// SMS codes use the configured template and digits
	_, err = engine.Initiate(ctx, "phone", simpleauth.Attempt{Payload: simpleauth.Payload{"phone": "+61400123456"}})
	require.NoError(t, err)
	body := out.last().Body
	require.True(t, strings.HasPrefix(body, "Code: "))
	require.Len(t, strings.TrimPrefix(body, "Code: "), 8)

	require.NoError(t, engine.SignOut(ctx, sess.Token))
}

func TestNew_RejectsInvalidProviders(t *testing.T) {
	dir := t.TempDir()
	providers := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(providers, []byte(`
providers:
  - id: a
    type: crededentials
`), 0o600))

	cfg := LoadConfig()
	cfg.Store = StoreMemory
	cfg.PepperFile = filepath.Join(dir, "pepper")
	cfg.ProvidersFile = providers

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, simpleauth.ErrInvalidAuthOptions)
}

func TestNew_UnknownStore(t *testing.T) {
	cfg := LoadConfig()
	cfg.Store = "postgres"
	cfg.PepperFile = filepath.Join(t.TempDir(), "pepper")

	_, err := New(context.Background(), cfg)
	require.ErrorContains(t, err, `unknown store "postgres"`)
}

type pinger func(context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func TestHealthHandlers(t *testing.T) {
	start := time.Now()

	w := httptest.NewRecorder()
	LivezHandler(start, "test").ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = httptest.NewRecorder()
	down := pinger(func(context.Context) error { return errors.New("connection refused") })
	ReadyzHandler(start, "test", down).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp httpx.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "degraded", resp.Status)
	require.Equal(t, "error: connection refused", resp.Checks.Store)
}
