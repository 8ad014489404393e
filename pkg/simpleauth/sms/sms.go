// Package sms implements the one-time-code-by-SMS provider variant.
package sms

import (
	"context"
	"log/slog"
	"strings"

	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

// Provider sends a code to a phone number and signs the holder in once
// the code is returned. Unknown numbers are provisioned on first sign-in.
type Provider struct {
	Sender simpleauth.Sender

	// Template for the message body, "{code}" is replaced with the code.
	Template string
}

func New(sender simpleauth.Sender) *Provider {
	return &Provider{Sender: sender}
}

func (p *Provider) Type() simpleauth.ProviderType { return simpleauth.ProviderSMS }

func (p *Provider) Schema(step simpleauth.Step, _ simpleauth.Mode) simpleauth.Schema {
	phone := simpleauth.Field{Name: "phone", Required: true, Rule: simpleauth.RulePhone}
	if step == simpleauth.StepInitiate {
		return simpleauth.Schema{phone}
	}
	return simpleauth.Schema{
		phone,
		{Name: "code", Required: true, Rule: simpleauth.RuleDigits, MaxLen: 8},
	}
}

func (p *Provider) Initiate(ctx context.Context, env *simpleauth.Env, attempt simpleauth.Attempt) (simpleauth.Challenge, error) {
	phone := attempt.Payload["phone"]

	vc, err := env.Codes.Issue(ctx, env.Provider.ID, subject(phone), simpleauth.Delivery{
		Sender:   p.Sender,
		Channel:  simpleauth.ChannelSMS,
		To:       phone,
		Template: p.Template,
	})
	if err != nil {
		return simpleauth.Challenge{}, err
	}

	env.Logger.Debug("verification code sent", "to", MaskPhone(phone), "expires_at", vc.ExpiresAt)

	return simpleauth.Challenge{
		Kind:        simpleauth.ChallengeCodeSent,
		Destination: MaskPhone(phone),
		ExpiresAt:   vc.ExpiresAt,
	}, nil
}

func (p *Provider) Complete(ctx context.Context, env *simpleauth.Env, attempt simpleauth.Attempt) (simpleauth.Result, error) {
	phone := attempt.Payload["phone"]

	if err := env.Codes.Verify(ctx, env.Provider.ID, subject(phone), attempt.Payload["code"]); err != nil {
		return simpleauth.Result{}, err
	}

	return simpleauth.Result{
		IdentityKey: subject(phone),
		Profile:     map[string]any{"phone": phone},
		Provision:   true,
	}, nil
}

func subject(phone string) string {
	return simpleauth.IdentityKey(simpleauth.IdentityPhone, phone)
}

// MaskPhone hides all but the last three digits, "+61400123456" becomes
// "+********456".
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:1] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-3:]
}

// LogSender writes messages to a logger instead of a gateway. It is meant
// for development hosts where the code is read from the log.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg simpleauth.Message) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "outbound message", "channel", msg.Channel, "to", msg.To, "body", msg.Body)
	return nil
}
