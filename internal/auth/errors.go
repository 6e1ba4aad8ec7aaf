package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrWrongKind          = errors.New("auth: wrong token kind")
	ErrWeakPassword       = errors.New("auth: weak password")
)

// Reason tags a token decode failure.
type Reason string

const (
	ReasonMalformed Reason = "malformed"
	ReasonSignature Reason = "signature"
	ReasonExpired   Reason = "expired"
	ReasonWrongKind Reason = "wrong_kind"
)

// TokenError is returned by Codec.Decode. Every reason matches ErrInvalidToken;
// ReasonWrongKind additionally matches ErrWrongKind.
type TokenError struct {
	Reason Reason
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: invalid token (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: invalid token (%s)", e.Reason)
}

func (e *TokenError) Unwrap() error { return e.Err }

func (e *TokenError) Is(target error) bool {
	switch target {
	case ErrInvalidToken:
		return true
	case ErrWrongKind:
		return e.Reason == ReasonWrongKind
	}
	return false
}

// WeakPasswordError reports the first strength rule a candidate secret violates.
type WeakPasswordError struct {
	Reason string
}

func (e *WeakPasswordError) Error() string {
	return "auth: weak password: " + e.Reason
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}
