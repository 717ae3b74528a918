package service

import (
	"errors"
	"regexp"
)

var (
	ErrInvalidAppKey       = errors.New("invalid app key")
	ErrAppNotFound         = errors.New("app not found")
	ErrAppDisabled         = errors.New("app is disabled")
	ErrUnsupportedResource = errors.New("unsupported resource type")
	ErrInvalidMode         = errors.New("invalid sync mode")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobFinished         = errors.New("job already finished")
	ErrInvalidConfig       = errors.New("invalid app config")
	ErrVerificationFailed  = errors.New("webhook verification failed")
	ErrWebhookUnsupported  = errors.New("connector does not accept webhooks")
)

var appKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

func ValidateAppKey(key string) error {
	if !appKeyPattern.MatchString(key) {
		return ErrInvalidAppKey
	}
	return nil
}

// ValidationError wraps a sentinel with a caller-facing detail.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error, detail string) error {
	return &ValidationError{Err: err, Detail: detail}
}
