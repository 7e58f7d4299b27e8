package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrTenantMissing occurs when a request carries no tenant id.
	ErrTenantMissing = errors.New("tenant id missing")
)

// UserSafeMessage converts an internal error into operator-facing text.
// Known sentinels pass through as friendly text; anything else is masked so
// internal details never leak into responses.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "The requested record was not found."
	case errors.Is(err, ErrTenantMissing):
		return "No tenant selected."
	default:
		return "Something went wrong. Please try again."
	}
}
