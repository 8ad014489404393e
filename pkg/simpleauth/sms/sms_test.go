package sms_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/adapter/memory"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth/sms"
	"github.com/aussiebroadwan/simpleauth/pkg/slogx"
	"github.com/stretchr/testify/require"
)

func TestMaskPhone(t *testing.T) {
	tests := map[string]string{
		"+61400123456": "+********456",
		"+155":         "****",
		"+15551234":    "+*****234",
	}
	for in, want := range tests {
		require.Equal(t, want, sms.MaskPhone(in), in)
	}
}

func TestSchema(t *testing.T) {
	p := sms.New(nil)

	require.Equal(t, []string{"phone"}, p.Schema(simpleauth.StepInitiate, simpleauth.ModeSignIn).Fields())

	err := p.Schema(simpleauth.StepComplete, simpleauth.ModeSignIn).Validate(simpleauth.Payload{
		"phone": "0400 123 456",
		"code":  "12-34",
	})
	require.ErrorIs(t, err, simpleauth.ErrInvalidInput)
	require.Contains(t, err.Error(), "phone: must be an E.164 phone number")
	require.Contains(t, err.Error(), "code: must contain only digits")
}

func TestTemplateAndLogSender(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p := sms.New(sms.LogSender{Logger: logger})
	p.Template = "Login code: {code}. Do not share it."

	auth, err := simpleauth.New(
		simpleauth.Options{Providers: []simpleauth.AuthProvider{{ID: "sms", Type: simpleauth.ProviderSMS}}},
		memory.New(),
		map[string]simpleauth.Provider{"sms": p},
		simpleauth.WithLogger(slogx.Discard()),
	)
	require.NoError(t, err)

	_, err = auth.Initiate(context.Background(), "sms", simpleauth.Attempt{
		Payload: simpleauth.Payload{"phone": "+61400123456"},
	})
	require.NoError(t, err)

	out := buf.String()
	require.Contains(t, out, "outbound message")
	require.Contains(t, out, "channel=sms")
	require.Contains(t, out, "Login code: ")
	require.Contains(t, out, "Do not share it.")
}
