package enginecache

import (
	"fmt"
	"strings"
)

// maxVersionLength bounds version identifiers so they remain usable as
// directory names on every supported filesystem.
const maxVersionLength = 128

// validateVersion rejects version identifiers that cannot safely name a
// directory under the store root. Versions are opaque caller-supplied
// strings, so they must be checked before touching the filesystem: a
// crafted identifier must not escape the store or collide with the
// store's own bookkeeping files.
func validateVersion(version string) error {
	switch {
	case version == "":
		return fmt.Errorf("%w: empty", ErrInvalidVersion)
	case len(version) > maxVersionLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidVersion, maxVersionLength)
	case strings.HasPrefix(version, "."):
		return fmt.Errorf("%w: %q must not start with a dot", ErrInvalidVersion, version)
	case strings.ContainsAny(version, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidVersion, version)
	case strings.Contains(version, ".."):
		return fmt.Errorf("%w: %q contains a parent reference", ErrInvalidVersion, version)
	case version == "index.json":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidVersion, version)
	}

	for _, r := range version {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q contains a control character", ErrInvalidVersion, version)
		}
	}

	return nil
}
