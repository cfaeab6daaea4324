package auth

import "errors"

var (
	ErrIdentityFieldNotFound = errors.New("auth: identity field not found")
	ErrSecretFieldNotFound   = errors.New("auth: secret field not found")
	ErrNavigationTimeout     = errors.New("auth: sign-in did not navigate away from the identity provider")
	ErrMissingCredentials    = errors.New("auth: identity or secret not configured")
)
