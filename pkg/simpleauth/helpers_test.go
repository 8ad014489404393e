package simpleauth_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/memory"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/credentials"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/sms"
	"github.com/aussiebroadwan/simpleauth/pkg/slogx"
	"github.com/stretchr/testify/require"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// outbox records every message sent and can be told to fail.
type outbox struct {
	mu   sync.Mutex
	msgs []simpleauth.Message
	fail error
}

func (o *outbox) Send(_ context.Context, msg simpleauth.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.msgs = append(o.msgs, msg)
	return nil
}

// lastCode extracts the code from the most recent message body.
func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.msgs, "no message was sent")
	fields := strings.Fields(o.msgs[len(o.msgs)-1].Body)
	return fields[len(fields)-1]
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

type fixture struct {
	auth   *simpleauth.SimpleAuth
	store  *memory.Store
	clock  *clock
	outbox *outbox
}

// newFixture builds an engine with a credentials provider "pwd" and an sms
// provider "phone" over the memory adapter.
func newFixture(t *testing.T, opts ...simpleauth.Option) *fixture {
	t.Helper()

	f := &fixture{store: memory.New(), clock: newClock(), outbox: &outbox{}}

	pwd := credentials.New()
	pwd.MinPasswordLength = 1

	base := []simpleauth.Option{
		simpleauth.WithLogger(slogx.Discard()),
		simpleauth.WithClock(f.clock.Now),
	}

	auth, err := simpleauth.New(
		simpleauth.Options{Providers: []simpleauth.AuthProvider{
			{ID: "pwd", Type: simpleauth.ProviderCredentials},
			{ID: "phone", Name: "SMS", Type: simpleauth.ProviderSMS},
		}},
		f.store,
		map[string]simpleauth.Provider{
			"pwd":   pwd,
			"phone": sms.New(f.outbox),
		},
		append(base, opts...)...,
	)
	require.NoError(t, err)
	f.auth = auth
	return f
}

func (f *fixture) userCount(t *testing.T, identityKey string) int {
	t.Helper()
	_, err := f.store.Users().GetUserByIdentity(context.Background(), identityKey)
	if err == nil {
		return 1
	}
	require.ErrorIs(t, err, simpleauth.ErrNotFound)
	return 0
}
