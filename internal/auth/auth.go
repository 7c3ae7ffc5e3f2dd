// Package auth guards the webhook event ingress with a shared token.
//
// It does not authorize chat commands; that is the command gate's job.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an ingress token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Open accepts every token. Used when no ingress token is configured.
type Open struct{}

func (Open) Validate(string) error { return nil }

// ForToken picks StaticToken for a configured token and Open otherwise.
func ForToken(token string) Validator {
	token = strings.TrimSpace(token)
	if token == "" {
		return Open{}
	}
	return StaticToken{Token: token}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}
