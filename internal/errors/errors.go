package errors

import (
	"errors"
	"fmt"
)

// Error taxonomy for the session and credential lifecycle manager
var (
	// Login errors
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrMFAChallengeInvalid = errors.New("invalid or expired mfa challenge")

	// Credential errors
	ErrUnauthenticated = errors.New("no credentials available")
	ErrRenewalFailed   = errors.New("credential renewal failed")

	// Session errors
	ErrSessionExpired = errors.New("session expired")

	// State machine errors
	ErrInvalidTransition = errors.New("operation not valid in current session state")

	// Storage errors
	ErrKeyNotFound = errors.New("key not found")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
