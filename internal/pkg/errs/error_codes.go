package errs

import "net/http"

// Business error codes. The aggregate API deliberately exposes very few
// failure modes: an unknown identity is the only client-visible error,
// everything upstream degrades to absent fields instead.
const (
	// ErrUnknown is the fallback for unexpected internal failures.
	ErrUnknown = 10000

	// ErrUserNotFound signals that the requested username is not in the directory.
	ErrUserNotFound = 10001

	// ErrRouteNotFound signals a request for a path outside the routing table.
	ErrRouteNotFound = 10002
)

// errorMap maps business codes to their message templates and HTTP status.
var errorMap = map[int]CustomError{
	ErrUnknown: {
		Code:    ErrUnknown,
		Message: "Internal server error",
		Status:  http.StatusInternalServerError,
	},
	ErrUserNotFound: {
		Code:    ErrUserNotFound,
		Message: "User not found",
		Status:  http.StatusNotFound,
	},
	ErrRouteNotFound: {
		Code:    ErrRouteNotFound,
		Message: "Route not found",
		Status:  http.StatusNotFound,
	},
}
