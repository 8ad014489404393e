package simpleauth

import (
	"strings"
	"time"
)

// ProviderType is the closed set of provider variants the engine can
// dispatch to.
type ProviderType string

const (
	ProviderOAuth       ProviderType = "oauth"
	ProviderCredentials ProviderType = "credentials"
	ProviderSMS         ProviderType = "sms"
)

var providerTypes = []ProviderType{ProviderOAuth, ProviderCredentials, ProviderSMS}

// Valid reports whether t is one of the supported variants.
func (t ProviderType) Valid() bool {
	for _, pt := range providerTypes {
		if t == pt {
			return true
		}
	}
	return false
}

// AuthProvider describes one configured provider. It carries no behavior;
// the id is the registry key an implementation is bound to.
type AuthProvider struct {
	ID   string       `yaml:"id" json:"id"`
	Name string       `yaml:"name" json:"name"`
	Type ProviderType `yaml:"type" json:"type"`
}

// Default policy values applied by ValidateOptions.
const (
	DefaultSessionTTL         = 24 * time.Hour
	DefaultCodeTTL            = 5 * time.Minute
	DefaultCodeDigits         = 6
	DefaultCodeMaxAttempts    = 5
	DefaultCodeResendInterval = 30 * time.Second
)

// Options is the engine configuration. The zero value of every policy
// field means "use the default".
type Options struct {
	Providers  []AuthProvider `yaml:"providers" json:"providers"`
	SessionTTL time.Duration  `yaml:"session_ttl" json:"session_ttl"`
	Code       CodePolicy     `yaml:"code" json:"code"`
}

// CodePolicy controls one-time-code issuance and verification.
type CodePolicy struct {
	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	Digits         int           `yaml:"digits" json:"digits"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	ResendInterval time.Duration `yaml:"resend_interval" json:"resend_interval"`
}

// User is the engine's view of an account. Identities are identity keys
// (see IdentityKey), Providers the ids of providers that authenticated it.
type User struct {
	ID         string
	Identities []string
	Providers  []string
	Profile    map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Credential is a stored secret bound to an identity for one provider.
type Credential struct {
	ID          string
	UserID      string
	ProviderID  string
	IdentityKey string
	SecretHash  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Session is an authenticated session. Token is only populated when the
// session is first materialized; adapters store and look up TokenHash.
type Session struct {
	ID         string
	Token      string
	TokenHash  string
	UserID     string
	ProviderID string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session is no longer valid at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// VerificationCode is a persisted one-time code. Only the fingerprint of
// the code is stored.
type VerificationCode struct {
	ID         string
	ProviderID string
	Subject    string
	CodeHash   string
	Attempts   int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// Expired reports whether the code can no longer be redeemed at now.
func (c VerificationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Identity kinds used to build identity keys.
const (
	IdentityEmail = "email"
	IdentityPhone = "phone"
	IdentityOAuth = "oauth"
)

// IdentityKey joins an identity kind and value, e.g. "email:a@b.com".
func IdentityKey(kind, value string) string {
	return kind + ":" + value
}

// NormalizeEmail lowercases and trims an email address so identity keys
// are stable across spellings.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
