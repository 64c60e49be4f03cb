package enginecache

import "errors"

// Sentinel errors for the failure modes of the cache manager. They are
// matched with errors.Is; returned errors wrap one of these and carry
// additional detail in their message.
var (
	// ErrVersionNotFound indicates the requested version is absent from the
	// build manifest. The request cannot succeed; retrying will not help.
	ErrVersionNotFound = errors.New("engine version not found in manifest")

	// ErrNotInstalled indicates a path or signature was requested for a
	// version that has no local installation.
	ErrNotInstalled = errors.New("engine version not installed")

	// ErrNetwork indicates a transport failure while fetching the manifest
	// or downloading a package. The caller may retry.
	ErrNetwork = errors.New("network failure")

	// ErrCorrupt indicates the downloaded package's computed signature did
	// not match the manifest's expected value, even after the automatic
	// re-download.
	ErrCorrupt = errors.New("engine package failed integrity verification")

	// ErrIO indicates a local disk failure: staging, writing, committing or
	// removing an installation. The store may be on a full or read-only
	// filesystem.
	ErrIO = errors.New("local storage failure")

	// ErrInvalidVersion indicates a version identifier that cannot be used
	// as a cache key (empty, too long, or unsafe as a directory name).
	ErrInvalidVersion = errors.New("invalid engine version identifier")
)

// IsNotFound reports whether err represents a missing version: absent
// from the manifest, or not installed locally.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVersionNotFound) || errors.Is(err, ErrNotInstalled)
}

// IsNetwork reports whether err represents a retryable transport failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsCorrupt reports whether err represents an integrity verification
// failure.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// IsIO reports whether err represents a local disk failure.
func IsIO(err error) bool {
	return errors.Is(err, ErrIO)
}
