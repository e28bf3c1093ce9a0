package persist

import "errors"

// Sentinel errors for the persistence failure taxonomy. Callers match them
// with errors.Is.
var (
	// ErrQuotaExceeded means the backend is at or past the configured
	// capacity threshold. Save retries it with backoff before giving up.
	ErrQuotaExceeded = errors.New("persist: storage quota exceeded")

	// ErrSerialization means the value cannot be structurally serialized
	// (cyclic object, unsupported type). Never retried.
	ErrSerialization = errors.New("persist: value not serializable")

	// ErrDeserialization means a stored record is corrupt or unreadable.
	// Load converts it into backup recovery or a caller default.
	ErrDeserialization = errors.New("persist: stored record corrupt")

	// ErrBundleInvalid means an import bundle failed shape validation.
	ErrBundleInvalid = errors.New("persist: import bundle invalid")
)
