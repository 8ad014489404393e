package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultStateTTL bounds how long a user may take between being redirected
// to an OAuth provider and coming back.
const DefaultStateTTL = 10 * time.Minute

const stateIssuer = "simpleauth/state"

// MinStateKeySize is the minimum HMAC key length accepted.
const MinStateKeySize = 32

// StateClaims round-trip the data an OAuth redirect needs through the
// caller, so no server-side state store is required.
type StateClaims struct {
	jwt.RegisteredClaims

	// Provider id the flow was started for.
	Provider string `json:"pid"`

	// Mode of the attempt, "signin" or "signup".
	Mode string `json:"mode"`

	// State is the random value sent in the authorization URL.
	State string `json:"state"`

	// Verifier is the PKCE code verifier.
	Verifier string `json:"pkce"`
}

// StateSigner signs and verifies HS256 state tokens.
type StateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewStateSigner returns a signer using key. ttl <= 0 selects
// DefaultStateTTL.
func NewStateSigner(key []byte, ttl time.Duration) (*StateSigner, error) {
	if len(key) < MinStateKeySize {
		return nil, fmt.Errorf("jwtx: state key must be at least %d bytes, got %d", MinStateKeySize, len(key))
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{key: key, ttl: ttl, now: time.Now}, nil
}

// WithClock returns a copy of the signer using now as its time source.
func (s *StateSigner) WithClock(now func() time.Time) *StateSigner {
	cp := *s
	cp.now = now
	return &cp
}

// Sign issues a token for c and returns it with its expiry.
func (s *StateSigner) Sign(c StateClaims) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)

	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    stateIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        NewJTI(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Verify checks the signature, issuer and lifetime of token.
func (s *StateSigner) Verify(token string) (StateClaims, error) {
	var c StateClaims

	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(stateIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
		return c, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return StateClaims{}, ErrExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return StateClaims{}, ErrNotYetValid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return StateClaims{}, ErrInvalidSig
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return StateClaims{}, ErrIssuer
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return StateClaims{}, ErrAlgMismatch
	default:
		return StateClaims{}, ErrMalformed
	}
}
