package templatestore

import "errors"

// Common errors for template loading. Both always carry the offending
// location in the wrapping message.
var (
	// ErrSourceUnavailable is returned when a location cannot be read
	// (network error, missing object, permission denied).
	ErrSourceUnavailable = errors.New("template source unavailable")

	// ErrMalformedDocument is returned when a location was readable but its
	// content failed structural parsing.
	ErrMalformedDocument = errors.New("malformed template document")
)
