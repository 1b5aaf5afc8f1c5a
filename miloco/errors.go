package miloco

import (
	"errors"
	"fmt"
)

// ErrNotLoggedIn is returned when a query is attempted before a token has
// been installed or obtained via Login.
var ErrNotLoggedIn = errors.New("not logged in to miloco")

// AuthError reports a failed login exchange (bad credentials, unreachable
// backend, or a response carrying no token).
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("miloco login failed: %s: %v", e.Reason, e.Err)
	}
	return "miloco login failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a WebSocket-level failure while a query was in
// flight. A backend-reported Dialog.Exception is not a TransportError; it is
// delivered as the (error) answer text instead.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("miloco transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
