// Package verify computes and checks content signatures for downloaded
// engine packages. A signature is the canonical digest (SHA-256) of the
// full package contents, optionally prefixed with its algorithm.
package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"
)

// ErrMismatch indicates that the computed signature of a package does not
// match the expected value from the manifest. The package must be treated
// as corrupt and discarded.
var ErrMismatch = errors.New("signature mismatch")

// File computes the canonical digest of the file at path.
func File(fs billy.Filesystem, path string) (digest.Digest, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %q: %w", path, err)
	}
	defer f.Close()

	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to digest %q: %w", path, err)
	}
	return d, nil
}

// Verify computes the signature of the file at path and compares it to
// expected. The expected value may carry an algorithm prefix
// ("sha256:<hex>") or be a bare hex string, in which case the canonical
// algorithm is assumed. Returns ErrMismatch if the values differ.
func Verify(fs billy.Filesystem, path, expected string) error {
	want, err := parseExpected(expected)
	if err != nil {
		return err
	}

	got, err := File(fs, path)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: expected %s, computed %s", ErrMismatch, want, got)
	}
	return nil
}

// parseExpected normalizes a manifest signature into a digest.
func parseExpected(expected string) (digest.Digest, error) {
	if expected == "" {
		return "", fmt.Errorf("expected signature is empty")
	}

	if strings.Contains(expected, ":") {
		d, err := digest.Parse(expected)
		if err != nil {
			return "", fmt.Errorf("invalid expected signature %q: %w", expected, err)
		}
		return d, nil
	}

	d := digest.NewDigestFromEncoded(digest.Canonical, strings.ToLower(expected))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid expected signature %q: %w", expected, err)
	}
	return d, nil
}
