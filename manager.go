package enginecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/forgeworks/enginecache/internal/download"
	"github.com/forgeworks/enginecache/internal/manifest"
	"github.com/forgeworks/enginecache/internal/store"
	"github.com/forgeworks/enginecache/internal/verify"
)

// Manager composes the manifest resolver, downloader, verifier and local
// store behind the public engine cache contract. It is safe for
// concurrent use: requests for different versions proceed independently,
// while concurrent requests for the same version share one download.
type Manager struct {
	resolver   *manifest.Resolver
	downloader *download.Downloader
	store      *store.Store
	fs         billy.Filesystem
	logger     *slog.Logger
	now        func() time.Time
	policy     store.Policy

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	flights map[string]*flight

	cullRunning atomic.Bool
	wg          sync.WaitGroup

	schedMu    sync.Mutex
	schedStops []func()

	closeOnce sync.Once
	events    chan Event
}

// flight tracks one in-progress installation that any number of callers
// may be waiting on. The underlying transfer is cancelled only when the
// last waiter departs.
type flight struct {
	version string
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	waiters  int
	progress []ProgressFunc

	// Set before done is closed.
	installed bool
	err       error
}

func (f *flight) addWaiter(p ProgressFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters++
	if p != nil {
		f.progress = append(f.progress, p)
	}
}

// dropWaiter deregisters a cancelled waiter and reports whether it was
// the last one, in which case the shared transfer should be aborted.
func (f *flight) dropWaiter() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiters--
	return f.waiters == 0
}

// fanout relays transfer progress to every registered waiter.
func (f *flight) fanout(written, total int64) {
	f.mu.Lock()
	callbacks := make([]ProgressFunc, len(f.progress))
	copy(callbacks, f.progress)
	f.mu.Unlock()

	for _, p := range callbacks {
		p(written, total)
	}
}

// New creates a Manager for the build manifest at manifestURL, caching
// installations under rootDir. The store state is rebuilt from disk, so
// installations survive process restarts.
func New(manifestURL, rootDir string, opts ...Option) (*Manager, error) {
	if manifestURL == "" {
		return nil, fmt.Errorf("manifest URL cannot be empty")
	}
	if rootDir == "" {
		return nil, fmt.Errorf("root directory cannot be empty")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.fs == nil {
		o.fs = osfs.New("/")
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := store.New(rootDir,
		store.WithFilesystem(o.fs),
		store.WithClock(o.now),
		store.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine store: %w", err)
	}

	resolver := manifest.New(manifestURL,
		manifest.WithHTTPClient(o.httpClient),
		manifest.WithTTL(o.manifestTTL),
		manifest.WithMaxRetries(o.manifestRetries),
		manifest.WithClock(o.now),
		manifest.WithLogger(o.logger),
	)

	downloader := download.New(o.fs,
		download.WithHTTPClient(o.httpClient),
		download.WithProgressInterval(o.progressInterval),
		download.WithClock(o.now),
		download.WithLogger(o.logger),
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		resolver:   resolver,
		downloader: downloader,
		store:      st,
		fs:         o.fs,
		logger:     o.logger,
		now:        o.now,
		policy:     store.Policy{MaxInstallations: o.policy.MaxInstallations, MaxAge: o.policy.MaxAge},
		baseCtx:    ctx,
		baseCancel: cancel,
		flights:    make(map[string]*flight),
		events:     make(chan Event, o.eventBuffer),
	}, nil
}

// DownloadEngineIfNecessary makes version available locally, downloading
// and verifying it if needed, and reports whether the version is
// installed on return.
//
// If the version is already installed, the call records the access and
// returns immediately without network traffic. Otherwise it resolves the
// version against the manifest, streams the package to a staging area,
// verifies the content signature (re-downloading once on mismatch) and
// atomically commits the installation.
//
// Concurrent calls for the same version share one download; every caller
// observes the same outcome and receives progress for the shared
// transfer. Cancelling ctx detaches this caller and yields (false, nil);
// the shared transfer is aborted only when no other caller remains.
func (m *Manager) DownloadEngineIfNecessary(ctx context.Context, version string, progress ProgressFunc) (bool, error) {
	if err := validateVersion(version); err != nil {
		return false, err
	}

	for {
		// Fast path: already installed, no network involved.
		if m.store.Has(version) {
			m.store.Touch(version)
			return true, nil
		}

		m.mu.Lock()
		f, ok := m.flights[version]
		if !ok {
			// Re-check under the lock: a commit may have landed between the
			// fast path and here.
			if m.store.Has(version) {
				m.mu.Unlock()
				m.store.Touch(version)
				return true, nil
			}

			fctx, cancel := context.WithCancel(m.baseCtx)
			f = &flight{
				version: version,
				cancel:  cancel,
				done:    make(chan struct{}),
			}
			m.flights[version] = f
			m.wg.Add(1)
			go m.runInstall(fctx, f)
		}
		f.addWaiter(progress)
		m.mu.Unlock()

		select {
		case <-f.done:
			// A flight abandoned by its other waiters reports a cancelled
			// outcome. This caller never cancelled, so start over with a
			// fresh flight rather than relaying an outcome it did not ask
			// for.
			if !f.installed && f.err == nil && ctx.Err() == nil && m.baseCtx.Err() == nil {
				continue
			}
			return f.installed, f.err
		case <-ctx.Done():
			if last := f.dropWaiter(); last {
				f.cancel()
			}
			return false, nil
		}
	}
}

// runInstall drives one installation flight to completion and publishes
// its outcome to all waiters.
func (m *Manager) runInstall(ctx context.Context, f *flight) {
	defer m.wg.Done()
	defer f.cancel()

	installed, err := m.install(ctx, f)

	m.mu.Lock()
	delete(m.flights, f.version)
	m.mu.Unlock()

	f.installed = installed
	f.err = err
	close(f.done)
}

// install walks a single version through resolve, download, verify and
// commit. On any failure the staging area is discarded and the store is
// left exactly as it was.
func (m *Manager) install(ctx context.Context, f *flight) (bool, error) {
	logger := m.logger.With("version", f.version)

	logger.Debug("resolving engine version")
	entry, err := m.resolver.Resolve(ctx, f.version)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("engine install cancelled during resolve")
			return false, nil
		}
		switch {
		case errors.Is(err, manifest.ErrVersionNotFound):
			return false, fmt.Errorf("%w: %v", ErrVersionNotFound, err)
		case errors.Is(err, manifest.ErrUnavailable):
			return false, fmt.Errorf("%w: %v", ErrNetwork, err)
		default:
			return false, fmt.Errorf("failed to resolve %q: %w", f.version, err)
		}
	}

	stage, err := m.store.StageDir()
	if err != nil {
		return false, fmt.Errorf("%w: failed to stage download for %q: %v", ErrIO, f.version, err)
	}
	pkg := filepath.Join(stage, store.PackageFileName)

	var size int64
	attempt := 0
	fetchAndVerify := func() error {
		attempt++
		logger.Debug("downloading engine package", "url", entry.DownloadURL, "attempt", attempt)
		written, err := m.downloader.Fetch(ctx, entry.DownloadURL, pkg, f.fanout)
		if err != nil {
			// Transport and cancellation failures are not retried here;
			// the retry budget exists solely for corrupt payloads.
			return backoff.Permanent(err)
		}

		logger.Debug("verifying engine package", "bytes", written)
		if err := verify.Verify(m.fs, pkg, entry.Signature); err != nil {
			if errors.Is(err, verify.ErrMismatch) {
				logger.Warn("engine package signature mismatch", "attempt", attempt)
				if removeErr := m.fs.Remove(pkg); removeErr != nil {
					logger.Warn("failed to remove corrupt package", "error", removeErr)
				}
				return err
			}
			return backoff.Permanent(err)
		}

		size = written
		return nil
	}

	// One automatic re-download on signature mismatch, then surface.
	err = backoff.Retry(fetchAndVerify, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1))
	if err != nil {
		m.store.DiscardStage(stage)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			logger.Info("engine install cancelled during download")
			return false, nil
		}
		switch {
		case errors.Is(err, verify.ErrMismatch):
			return false, fmt.Errorf("%w: %v", ErrCorrupt, err)
		case errors.Is(err, download.ErrNetwork):
			return false, fmt.Errorf("%w: %v", ErrNetwork, err)
		default:
			// Whatever is left is local: staging file creation, writes, or
			// an unusable manifest signature.
			return false, fmt.Errorf("%w: failed to install %q: %v", ErrIO, f.version, err)
		}
	}

	inst, err := m.store.Commit(f.version, stage, entry.Signature, size)
	if err != nil {
		m.store.DiscardStage(stage)
		return false, fmt.Errorf("%w: failed to commit %q: %v", ErrIO, f.version, err)
	}

	logger.Info("engine version installed", "bytes", inst.SizeBytes)
	m.emit(Event{Type: EventInstalled, Version: f.version, Path: m.installationPath(f.version), Time: m.now()})
	return true, nil
}

// GetEnginePath returns the installation directory for version and
// records the access. Fails with ErrNotInstalled when the version is
// not in the store.
func (m *Manager) GetEnginePath(version string) (string, error) {
	if err := validateVersion(version); err != nil {
		return "", err
	}

	path, err := m.store.Path(version)
	if err != nil {
		if errors.Is(err, store.ErrNotInstalled) {
			return "", fmt.Errorf("%w: %q", ErrNotInstalled, version)
		}
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return path, nil
}

// GetEngineSignature returns the verified content signature recorded for
// version at install time.
func (m *Manager) GetEngineSignature(version string) (string, error) {
	if err := validateVersion(version); err != nil {
		return "", err
	}

	sig, err := m.store.Signature(version)
	if err != nil {
		if errors.Is(err, store.ErrNotInstalled) {
			return "", fmt.Errorf("%w: %q", ErrNotInstalled, version)
		}
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	return sig, nil
}

// DoEngineCullMaybeAsync applies the retention policy in the background.
//
// The call returns immediately. Nothing happens when the policy is zero
// or when a previous cull is still running. The supplied pinned versions
// are never removed, and neither are versions with an installation in
// flight.
func (m *Manager) DoEngineCullMaybeAsync(pinned ...string) {
	if !m.policy.Enabled() {
		return
	}
	if !m.cullRunning.CompareAndSwap(false, true) {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.cullRunning.Store(false)
		m.cull(pinned)
	}()
}

// Cull applies the retention policy synchronously and returns the
// versions that were removed. Pinned and in-flight versions are kept.
func (m *Manager) Cull(pinned ...string) []string {
	if !m.policy.Enabled() {
		return nil
	}
	return m.cull(pinned)
}

// cull runs one culling pass with the pinned set extended by all
// in-flight installations.
func (m *Manager) cull(pinned []string) []string {
	pins := make(map[string]bool, len(pinned))
	for _, v := range pinned {
		pins[v] = true
	}

	m.mu.Lock()
	for version := range m.flights {
		pins[version] = true
	}
	m.mu.Unlock()

	removed := m.store.Cull(pins, m.policy)
	if len(removed) == 0 {
		return nil
	}

	m.logger.Info("culled engine versions", "removed", removed)
	for _, version := range removed {
		m.emit(Event{Type: EventEvicted, Version: version, Time: m.now()})
	}
	return removed
}

// StartCullScheduler starts a background goroutine that culls at the
// given interval. pins, if non-nil, is consulted on every pass for the
// versions currently in active use.
//
// Returns a stop function that is safe to call multiple times and blocks
// until the scheduler goroutine has exited.
func (m *Manager) StartCullScheduler(interval time.Duration, pins func() []string) (stop func()) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var pinned []string
				if pins != nil {
					pinned = pins()
				}
				m.DoEngineCullMaybeAsync(pinned...)
			}
		}
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}

	// Close stops every scheduler before tearing down the event channel,
	// so a tick can never launch a cull on a closing manager.
	m.schedMu.Lock()
	m.schedStops = append(m.schedStops, stop)
	m.schedMu.Unlock()

	return stop
}

// ClearAllEngines removes every installation from the store. The caller
// is responsible for ensuring no session depends on any version at call
// time; in-flight downloads are not interrupted and may re-install their
// version afterwards.
func (m *Manager) ClearAllEngines() error {
	if err := m.store.RemoveAll(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	m.emit(Event{Type: EventCleared, Time: m.now()})
	return nil
}

// Installations returns a snapshot of everything currently installed.
func (m *Manager) Installations() []Installation {
	stored := m.store.List()
	result := make([]Installation, 0, len(stored))
	for _, inst := range stored {
		result = append(result, Installation{
			Version:     inst.Version,
			Path:        m.installationPath(inst.Version),
			Signature:   inst.Signature,
			InstalledAt: inst.InstalledAt,
			LastUsedAt:  inst.LastUsedAt,
			SizeBytes:   inst.SizeBytes,
		})
	}
	return result
}

// Stats summarizes the local store.
func (m *Manager) Stats() Stats {
	s := m.store.Stats()
	return Stats{Installations: s.Installations, TotalSizeBytes: s.TotalSizeBytes}
}

// Close stops all cull schedulers, aborts in-flight work, waits for
// background goroutines to finish and closes the event channel. Safe to
// call more than once; the manager must not be used afterwards.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.schedMu.Lock()
		stops := m.schedStops
		m.schedStops = nil
		m.schedMu.Unlock()
		for _, stop := range stops {
			stop()
		}

		m.baseCancel()
		m.wg.Wait()
		close(m.events)
	})
	return nil
}

func (m *Manager) installationPath(version string) string {
	return filepath.Join(m.store.Root(), version)
}
