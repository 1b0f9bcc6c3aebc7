package prana

import "errors"

// Only admission and construction fail a request with an error. Downstream
// failures (retrieval, generation, safety, logging) degrade in place and
// never surface here; see the package-level pipeline description.
var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("prana: invalid configuration")

	// ErrInvalidQuery is returned when a query fails input validation.
	ErrInvalidQuery = errors.New("prana: invalid query")

	// ErrRetrieval is returned only when retrieval is cancelled by the
	// caller's context; ordinary retrieval failures yield empty results.
	ErrRetrieval = errors.New("prana: retrieval failed")

	// ErrProviderUnavailable is returned when no embedding provider could
	// be constructed from the configuration.
	ErrProviderUnavailable = errors.New("prana: no embedding provider available")
)
