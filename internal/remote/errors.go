package remote

import "errors"

// Error taxonomy for the sync core. Validation errors are detected before
// any remote call; remote-originated errors are delivered through the bus as
// Failure payloads, never panics.
var (
	// ErrNotFound marks a valid miss on a single lookup. It is an expected
	// outcome, not logged as an error.
	ErrNotFound = errors.New("not found")

	// ErrRemoteUnavailable marks a transport or permission failure surfaced
	// by the store.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrUserNotFound     = errors.New("user not found")
	ErrUserHasNoEmail   = errors.New("user has no email address")
	ErrContactNotFound  = errors.New("contact not found")
	ErrTimedOut         = errors.New("timed out")
)

// AsUnavailable tags a transport error with ErrRemoteUnavailable while
// keeping the cause visible to errors.Is. Valid misses pass through.
func AsUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	return errors.Join(ErrRemoteUnavailable, err)
}
