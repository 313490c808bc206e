package auth

import (
	"errors"
	"fmt"
)

// ErrNoRefreshToken is returned by Refresh when the bundle holds no refresh
// token. No network call is made in that case.
var ErrNoRefreshToken = errors.New("no refresh token available")

// AuthFlowError reports that no viable authorization method is available for
// a request, or that a required login callback was not supplied.
type AuthFlowError struct {
	Reason string
}

func (e *AuthFlowError) Error() string {
	return fmt.Sprintf("auth flow error: %s", e.Reason)
}
