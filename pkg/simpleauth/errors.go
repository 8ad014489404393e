package simpleauth

import (
	"errors"
	"fmt"
	"strings"
)

// Kind groups error codes by the layer that produced them.
type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindValidation      Kind = "validation"
	KindProvider        Kind = "provider"
	KindAdapter         Kind = "adapter"
	KindUnknownProvider Kind = "unknown_provider"
)

// Code is the stable, machine-readable identifier of a failure. Hosts
// should branch on the code, never on the message.
type Code string

const (
	CodeInvalidAuthOptions  Code = "INVALID_AUTH_OPTIONS"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeUnknownProvider     Code = "UNKNOWN_PROVIDER"
	CodeStateMismatch       Code = "STATE_MISMATCH"
	CodeCodeExpired         Code = "CODE_EXPIRED"
	CodeCodeInvalid         Code = "CODE_INVALID"
	CodeTooManyAttempts     Code = "TOO_MANY_ATTEMPTS"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeUserAlreadyExists   Code = "USER_ALREADY_EXISTS"
	CodeUserNotFound        Code = "USER_NOT_FOUND"
	CodeSessionInvalid      Code = "SESSION_INVALID"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeOAuthExchangeFailed Code = "OAUTH_EXCHANGE_FAILED"
	CodeDeliveryFailed      Code = "DELIVERY_FAILED"
	CodeProviderFailure     Code = "PROVIDER_FAILURE"
	CodeAdapterError        Code = "ADAPTER_ERROR"
)

// Error is the single error type returned across the engine boundary.
//
// Two errors are considered equal by errors.Is when their codes match, so
// callers can write errors.Is(err, simpleauth.ErrStateMismatch) regardless
// of message or cause.
type Error struct {
	Kind    Kind
	Code    Code
	Message string

	// Violations lists every failed constraint for configuration and
	// validation errors.
	Violations []string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of e carrying err as its cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// WithMessage returns a copy of e with a different human readable message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Predefined errors. Never mutate these; use WithCause / WithMessage.
var (
	ErrInvalidAuthOptions  = &Error{Kind: KindConfiguration, Code: CodeInvalidAuthOptions, Message: "invalid auth options"}
	ErrInvalidInput        = &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: "invalid input"}
	ErrUnknownProvider     = &Error{Kind: KindUnknownProvider, Code: CodeUnknownProvider, Message: "unknown provider"}
	ErrStateMismatch       = &Error{Kind: KindProvider, Code: CodeStateMismatch, Message: "state does not match the issued challenge"}
	ErrCodeExpired         = &Error{Kind: KindProvider, Code: CodeCodeExpired, Message: "verification code has expired"}
	ErrCodeInvalid         = &Error{Kind: KindProvider, Code: CodeCodeInvalid, Message: "verification code is invalid"}
	ErrTooManyAttempts     = &Error{Kind: KindProvider, Code: CodeTooManyAttempts, Message: "too many verification attempts"}
	ErrRateLimited         = &Error{Kind: KindProvider, Code: CodeRateLimited, Message: "too many requests, try again later"}
	ErrInvalidCredentials  = &Error{Kind: KindProvider, Code: CodeInvalidCredentials, Message: "invalid credentials"}
	ErrUserAlreadyExists   = &Error{Kind: KindProvider, Code: CodeUserAlreadyExists, Message: "user already exists"}
	ErrUserNotFound        = &Error{Kind: KindProvider, Code: CodeUserNotFound, Message: "user not found"}
	ErrSessionInvalid      = &Error{Kind: KindValidation, Code: CodeSessionInvalid, Message: "session is invalid"}
	ErrSessionExpired      = &Error{Kind: KindValidation, Code: CodeSessionExpired, Message: "session has expired"}
	ErrOAuthExchangeFailed = &Error{Kind: KindProvider, Code: CodeOAuthExchangeFailed, Message: "oauth code exchange failed"}
	ErrDeliveryFailed      = &Error{Kind: KindProvider, Code: CodeDeliveryFailed, Message: "verification code delivery failed"}
	ErrProviderFailure     = &Error{Kind: KindProvider, Code: CodeProviderFailure, Message: "provider failed"}
	ErrAdapter             = &Error{Kind: KindAdapter, Code: CodeAdapterError, Message: "storage adapter failed"}
)

// CodeOf returns the code of the first *Error in err's chain, or "" when
// err is nil or foreign.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// violations builds an aggregated error from base and every violation.
func violations(base *Error, list []string) *Error {
	cp := *base
	cp.Violations = list
	cp.Message = base.Message + ": " + strings.Join(list, "; ")
	return &cp
}

// providerError surfaces typed provider errors unchanged and wraps
// anything foreign as PROVIDER_FAILURE.
func providerError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return ErrProviderFailure.WithCause(err)
}

func adapterError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return ErrAdapter.WithCause(err)
}
