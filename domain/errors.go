// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import (
	"errors"
	"fmt"
)

// ErrCredentialNotFound signals that the vault has no entry for the requested
// account/type pair. Callers use it to tell "unconfigured" apart from a
// failing authentication.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrAccountNotFound signals that no account with the given id is configured.
var ErrAccountNotFound = errors.New("account not found")

type AuthenticationError struct {
	AccountId string
	Reason    string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.AccountId, e.Reason)
}

// TokenExpiredError is raised when an access token could not be refreshed.
// Recovering from it requires a full re-authorization.
type TokenExpiredError struct {
	AccountId string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("token expired for %s, re-authorization required", e.AccountId)
}

type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type UnsupportedOperationError struct {
	Provider  Provider
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Operation)
}

func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

func IsTokenExpired(err error) bool {
	var tokenErr *TokenExpiredError
	return errors.As(err, &tokenErr)
}

func IsConnection(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

func IsUnsupportedOperation(err error) bool {
	var opErr *UnsupportedOperationError
	return errors.As(err, &opErr)
}
