package ratelimit_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/ratelimit"
	"github.com/stretchr/testify/require"
)

var _ simpleauth.Limiter = (*ratelimit.Limiter)(nil)

func TestLimiter_BurstThenDeny(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{Events: 3, Window: time.Hour, Burst: 3})

	for i := range 3 {
		require.True(t, l.Allow("issue:phone:+61400123456"), "event %d", i)
	}
	require.False(t, l.Allow("issue:phone:+61400123456"))

	// Other keys have their own bucket
	require.True(t, l.Allow("issue:phone:+61400999999"))
	require.Equal(t, 2, l.Len())

	require.True(t, l.Allow(""), "empty key is never limited")
}

func TestNew_FallsBackToDefault(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{})
	for range ratelimit.Default.Burst {
		require.True(t, l.Allow("k"))
	}
	require.False(t, l.Allow("k"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RATELIMIT_CODES_EVENTS", "100")
	t.Setenv("RATELIMIT_CODES_WINDOW_SEC", "30")
	t.Setenv("RATELIMIT_CODES_BURST", "not-a-number")

	cfg := ratelimit.ConfigFromEnv("CODES", ratelimit.Default)
	require.Equal(t, 100, cfg.Events)
	require.Equal(t, 30*time.Second, cfg.Window)
	require.Equal(t, ratelimit.Default.Burst, cfg.Burst)
}
