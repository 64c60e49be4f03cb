// Package store manages the on-disk collection of installed engine
// versions. It is the authoritative answer to "is version V installed",
// where its files live, and what signature was verified at install time.
//
// Layout under the store root:
//
//	index.json            bookkeeping sidecar (signatures, timestamps, sizes)
//	.staging/             per-download staging directories, swept at startup
//	<version>/engine.pkg  one directory per installed version
//
// An installation becomes visible only through Commit, which renames a
// fully written staging directory into its final slot. Readers therefore
// never observe a partially populated installation.
package store

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
)

const (
	indexFileName  = "index.json"
	stagingDirName = ".staging"

	// PackageFileName is the file inside each installation directory that
	// holds the downloaded engine package.
	PackageFileName = "engine.pkg"
)

// ErrNotInstalled indicates that the requested version has no
// installation in the store.
var ErrNotInstalled = errors.New("engine version not installed")

// Store is the local store of engine installations.
type Store struct {
	root       string
	stagingDir string
	indexPath  string

	fs     billy.Filesystem
	now    func() time.Time
	logger *slog.Logger

	index *storeIndex
	mu    sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithFilesystem sets the billy filesystem used for all I/O. Defaults to
// the local filesystem rooted at "/".
func WithFilesystem(fs billy.Filesystem) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithClock sets the time source used for installation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens the store rooted at root, creating the directory structure if
// needed and rebuilding the in-memory state from disk. Index entries whose
// installation directory has vanished are dropped, and staging directories
// left behind by interrupted downloads are swept.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:       root,
		stagingDir: filepath.Join(root, stagingDirName),
		indexPath:  filepath.Join(root, indexFileName),
		fs:         osfs.New("/"),
		now:        time.Now,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	if err := s.fs.MkdirAll(s.stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	index, err := loadOrCreateIndex(s.fs, s.indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	s.index = index

	if err := s.reconcile(); err != nil {
		return nil, err
	}

	return s, nil
}

// reconcile drops index entries without a backing directory and removes
// orphaned staging directories.
func (s *Store) reconcile() error {
	dropped := 0
	for _, inst := range s.index.list() {
		if _, err := s.fs.Stat(s.installPath(inst.Version)); err != nil {
			s.index.delete(inst.Version)
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Info("dropped index entries without backing directory", "count", dropped)
		if err := s.index.save(s.fs, s.indexPath); err != nil {
			return fmt.Errorf("failed to save reconciled index: %w", err)
		}
	}

	entries, err := s.fs.ReadDir(s.stagingDir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}
	for _, entry := range entries {
		path := filepath.Join(s.stagingDir, entry.Name())
		if err := util.RemoveAll(s.fs, path); err != nil {
			s.logger.Warn("failed to sweep staging entry", "path", path, "error", err)
		}
	}

	return nil
}

// Has reports whether version is installed.
func (s *Store) Has(version string) bool {
	return s.index.get(version) != nil
}

// Path returns the installation directory for version and records the
// access, so that culling sees it as recently used.
func (s *Store) Path(version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.get(version) == nil {
		return "", fmt.Errorf("%w: %q", ErrNotInstalled, version)
	}

	s.index.touch(version, s.now())
	if err := s.index.save(s.fs, s.indexPath); err != nil {
		// The lookup itself succeeded; a failed timestamp write only skews
		// future culling decisions.
		s.logger.Warn("failed to persist access time", "version", version, "error", err)
	}

	return s.installPath(version), nil
}

// Signature returns the verified content signature recorded for version
// at install time.
func (s *Store) Signature(version string) (string, error) {
	inst := s.index.get(version)
	if inst == nil {
		return "", fmt.Errorf("%w: %q", ErrNotInstalled, version)
	}
	return inst.Signature, nil
}

// Get returns a copy of the installation metadata for version.
func (s *Store) Get(version string) (Installation, bool) {
	inst := s.index.get(version)
	if inst == nil {
		return Installation{}, false
	}
	return *inst, true
}

// List returns all installations, ordered by version.
func (s *Store) List() []Installation {
	installations := s.index.list()
	sort.Slice(installations, func(i, j int) bool {
		return installations[i].Version < installations[j].Version
	})
	return installations
}

// Stats summarizes the store contents.
func (s *Store) Stats() Stats {
	var stats Stats
	for _, inst := range s.index.list() {
		stats.Installations++
		stats.TotalSizeBytes += inst.SizeBytes
	}
	return stats
}

// StageDir creates a fresh staging directory for a download and returns
// its path. Staging directories live under the store root so the final
// rename in Commit stays on one filesystem.
func (s *Store) StageDir() (string, error) {
	path := filepath.Join(s.stagingDir, uuid.NewString())
	if err := s.fs.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return path, nil
}

// DiscardStage removes a staging directory and everything in it. Safe to
// call after a failed or cancelled download.
func (s *Store) DiscardStage(path string) {
	if filepath.Dir(path) != s.stagingDir {
		s.logger.Warn("refusing to discard path outside staging area", "path", path)
		return
	}
	if err := util.RemoveAll(s.fs, path); err != nil {
		s.logger.Warn("failed to discard staging directory", "path", path, "error", err)
	}
}

// Commit atomically promotes a fully written, verified staging directory
// to the installation slot for version and records the bookkeeping entry.
// Any prior installation of the same version is replaced.
func (s *Store) Commit(version, stagedDir, signature string, sizeBytes int64) (Installation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.installPath(version)

	// Clear any stale content so the rename lands in an empty slot.
	if _, err := s.fs.Stat(final); err == nil {
		if err := util.RemoveAll(s.fs, final); err != nil {
			return Installation{}, fmt.Errorf("failed to clear previous installation of %q: %w", version, err)
		}
	}

	if err := s.fs.Rename(stagedDir, final); err != nil {
		return Installation{}, fmt.Errorf("failed to install %q: %w", version, err)
	}

	now := s.now()
	inst := &Installation{
		Version:     version,
		Signature:   signature,
		InstalledAt: now,
		LastUsedAt:  now,
		SizeBytes:   sizeBytes,
	}
	s.index.set(version, inst)

	if err := s.index.save(s.fs, s.indexPath); err != nil {
		// Roll back so a half-recorded installation is never visible.
		s.index.delete(version)
		_ = util.RemoveAll(s.fs, final)
		return Installation{}, fmt.Errorf("failed to record installation of %q: %w", version, err)
	}

	s.logger.Info("engine installed", "version", version, "bytes", sizeBytes)
	return *inst, nil
}

// Touch records an access to version. No-op if not installed.
func (s *Store) Touch(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index.get(version) == nil {
		return
	}
	s.index.touch(version, s.now())
	if err := s.index.save(s.fs, s.indexPath); err != nil {
		s.logger.Warn("failed to persist access time", "version", version, "error", err)
	}
}

// Remove deletes the installation directory and bookkeeping entry for
// version. Removing an absent version is a no-op.
func (s *Store) Remove(version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(version)
}

func (s *Store) removeLocked(version string) error {
	if s.index.get(version) == nil {
		return nil
	}

	path := s.installPath(version)
	if err := util.RemoveAll(s.fs, path); err != nil && !os.IsNotExist(err) {
		// Keep the bookkeeping entry so a later attempt can retry.
		return fmt.Errorf("failed to remove installation %q: %w", version, err)
	}

	s.index.delete(version)
	if err := s.index.save(s.fs, s.indexPath); err != nil {
		return fmt.Errorf("failed to save index after removing %q: %w", version, err)
	}

	s.logger.Info("engine removed", "version", version)
	return nil
}

// RemoveAll deletes every installation. Failures on individual versions
// are collected rather than aborting the sweep.
func (s *Store) RemoveAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, inst := range s.index.list() {
		if err := s.removeLocked(inst.Version); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) installPath(version string) string {
	return filepath.Join(s.root, version)
}
