package session

import (
	"errors"
	"fmt"
)

// ErrCannotDeleteActive is returned when deleting the profile that owns the
// current session.
var ErrCannotDeleteActive = errors.New("session: cannot delete the active profile")

// ErrNoActiveProfile is returned when an operation requires a logged-in
// session and none exists.
var ErrNoActiveProfile = errors.New("session: no active profile")

// ValidationError describes a malformed create/update request.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("session: invalid %s: %s", e.Field, e.Message)
}

// IsValidation returns true when err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target ValidationError
	return errors.As(err, &target)
}

// AuthError indicates the backend rejected a login or credential test.
type AuthError struct {
	ProfileID string
	Detail    string
}

func (e AuthError) Error() string {
	detail := e.Detail
	if detail == "" {
		detail = "no token received"
	}
	if e.ProfileID == "" {
		return fmt.Sprintf("session: authentication failed: %s", detail)
	}
	return fmt.Sprintf("session: authentication failed for profile %s: %s", e.ProfileID, detail)
}

// IsAuthError returns true when err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var target AuthError
	return errors.As(err, &target)
}

// UnrecoverableResetError indicates the backend demanded a password change
// but supplied no token to perform it with. This is a backend contract gap,
// surfaced rather than swallowed.
type UnrecoverableResetError struct {
	ProfileID string
}

func (e UnrecoverableResetError) Error() string {
	return fmt.Sprintf("session: backend requires a password change for profile %s but returned no token to perform it with", e.ProfileID)
}
