package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ValidationError describes why a bearer token was rejected.
type ValidationError struct {
	Type    ValidationErrorType
	Message string
	Err     error
}

// ValidationErrorType categorizes token rejections.
type ValidationErrorType int

const (
	// ErrTypeMissing indicates no bearer token was sent.
	ErrTypeMissing ValidationErrorType = iota
	// ErrTypeMalformed indicates the token could not be parsed.
	ErrTypeMalformed
	// ErrTypeExpired indicates the token is past its expiry.
	ErrTypeExpired
	// ErrTypeSignature indicates the signature or algorithm did not match.
	ErrTypeSignature
	// ErrTypeClaims indicates the token carried an unusable subject or role.
	ErrTypeClaims
)

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is makes every ValidationError match ErrInvalidToken.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidToken
}

// ErrInvalidToken matches any token rejection via errors.Is.
var ErrInvalidToken = errors.New("invalid token")

// classifyError maps a jwt parse error to a ValidationError.
func classifyError(err error) *ValidationError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &ValidationError{Type: ErrTypeExpired, Message: "token has expired", Err: err}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &ValidationError{Type: ErrTypeMalformed, Message: "token is malformed", Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		log.Warn().Err(err).Msg("Token signature rejected")
		return &ValidationError{Type: ErrTypeSignature, Message: "token signature is invalid", Err: err}
	default:
		return &ValidationError{Type: ErrTypeClaims, Message: "token claims are invalid", Err: err}
	}
}
