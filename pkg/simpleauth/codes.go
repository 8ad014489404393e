package simpleauth

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aussiebroadwan/simpleauth/pkg/cryptox"
	"github.com/aussiebroadwan/simpleauth/pkg/idx"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// Channel names a delivery medium.
type Channel string

const ChannelSMS Channel = "sms"

// Message is a single outbound delivery.
type Message struct {
	Channel Channel
	To      string
	Body    string
}

// Sender delivers messages to users. The engine only consumes this
// interface; hosts bring the actual gateway.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Limiter is consulted before every code issue and verification. Keys look
// like "issue:<provider>:<subject>" and "verify:<provider>:<subject>".
type Limiter interface {
	Allow(key string) bool
}

// DefaultCodeTemplate is used when a Delivery has no template. "{code}" is
// replaced with the generated code.
const DefaultCodeTemplate = "Your verification code is {code}"

// Delivery describes where an issued code goes.
type Delivery struct {
	Sender   Sender
	Channel  Channel
	To       string
	Template string
}

// CodeService issues and verifies one-time codes. Codes are persisted
// through the adapter as fingerprints only.
type CodeService struct {
	Adapter Adapter
	Policy  CodePolicy
	Limiter Limiter // optional
	Now     func() time.Time
}

// Issue generates, persists and delivers a new code for subject. Any
// earlier unconsumed code for the same subject is superseded. If delivery
// fails the persisted code is consumed again and DELIVERY_FAILED returned.
func (s *CodeService) Issue(ctx context.Context, providerID, subject string, d Delivery) (VerificationCode, error) {
	now := s.now()

	if d.Sender == nil {
		return VerificationCode{}, ErrProviderFailure.WithMessage("no sender configured for code delivery")
	}

	// 1. Attempt limiting
	if s.Limiter != nil && !s.Limiter.Allow("issue:"+providerID+":"+subject) {
		return VerificationCode{}, ErrRateLimited
	}

	// 2. Resend interval against the current code
	latest, err := s.Adapter.Codes().GetLatestCode(ctx, providerID, subject)
	switch {
	case err == nil:
		if !latest.Expired(now) && now.Sub(latest.CreatedAt) < s.Policy.ResendInterval {
			return VerificationCode{}, ErrRateLimited.WithMessage("a code was sent recently, try again later")
		}
	case !errors.Is(err, ErrNotFound):
		return VerificationCode{}, adapterError(err)
	}

	// 3. Generate
	code, err := generateCode(s.Policy.Digits)
	if err != nil {
		return VerificationCode{}, ErrProviderFailure.WithCause(err)
	}

	vc := VerificationCode{
		ID:         idx.NewPrefixed(idx.PrefixCode).String(),
		ProviderID: providerID,
		Subject:    subject,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.Policy.TTL),
	}
	vc.CodeHash = fingerprintCode(vc.ID, code)

	// 4. Persist before sending so a delivered code is always redeemable
	if err := s.Adapter.Codes().CreateCode(ctx, vc); err != nil {
		return VerificationCode{}, adapterError(err)
	}

	// 5. Deliver
	tmpl := d.Template
	if tmpl == "" {
		tmpl = DefaultCodeTemplate
	}
	msg := Message{
		Channel: d.Channel,
		To:      d.To,
		Body:    strings.ReplaceAll(tmpl, "{code}", code),
	}
	if err := d.Sender.Send(ctx, msg); err != nil {
		if cerr := s.Adapter.Codes().ConsumeCode(context.WithoutCancel(ctx), vc.ID, now); cerr != nil && !errors.Is(cerr, ErrNotFound) {
			return VerificationCode{}, ErrDeliveryFailed.WithCause(errors.Join(err, cerr))
		}
		return VerificationCode{}, ErrDeliveryFailed.WithCause(err)
	}

	return vc, nil
}

// Verify redeems submitted against the latest code for subject. Every
// submission counts an attempt; a wrong code leaves the code redeemable
// until the cap is exceeded, at which point it is burned.
func (s *CodeService) Verify(ctx context.Context, providerID, subject, submitted string) error {
	now := s.now()

	if s.Limiter != nil && !s.Limiter.Allow("verify:"+providerID+":"+subject) {
		return ErrRateLimited
	}

	vc, err := s.Adapter.Codes().GetLatestCode(ctx, providerID, subject)
	if errors.Is(err, ErrNotFound) {
		return ErrCodeInvalid
	}
	if err != nil {
		return adapterError(err)
	}

	if vc.Expired(now) {
		return ErrCodeExpired
	}

	// The attempt is counted before the comparison
	n, err := s.Adapter.Codes().IncrementCodeAttempts(ctx, vc.ID)
	if errors.Is(err, ErrNotFound) {
		return ErrCodeInvalid
	}
	if err != nil {
		return adapterError(err)
	}
	if n > s.Policy.MaxAttempts {
		if err := s.Adapter.Codes().ConsumeCode(ctx, vc.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
			return adapterError(err)
		}
		return ErrTooManyAttempts
	}

	if !cryptox.Equal(fingerprintCode(vc.ID, submitted), vc.CodeHash) {
		return ErrCodeInvalid
	}

	// Only one concurrent redeemer wins the consume
	if err := s.Adapter.Codes().ConsumeCode(ctx, vc.ID, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCodeInvalid
		}
		return adapterError(err)
	}

	return nil
}

func (s *CodeService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// generateCode derives a fixed length numeric code from a fresh random
// HOTP secret and counter.
func generateCode(digits int) (string, error) {
	secret := make([]byte, 20)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate code secret: %w", err)
	}

	var counter [8]byte
	if _, err := rand.Read(counter[:]); err != nil {
		return "", fmt.Errorf("failed to generate code counter: %w", err)
	}

	return hotp.GenerateCodeCustom(
		base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret),
		binary.BigEndian.Uint64(counter[:]),
		hotp.ValidateOpts{
			Digits:    otp.Digits(digits),
			Algorithm: otp.AlgorithmSHA1,
		},
	)
}

// fingerprintCode binds the code to its record id so equal codes issued to
// different subjects never share a hash.
func fingerprintCode(id, code string) string {
	return cryptox.FingerprintToken(id + ":" + code)
}
