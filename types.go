package enginecache

import "time"

// ManifestEntry is the download descriptor for one engine version:
// where to fetch it and what content signature the package must have.
type ManifestEntry struct {
	Version     string
	DownloadURL string
	Signature   string
}

// Installation describes one verified engine version on disk.
type Installation struct {
	Version     string
	Path        string
	Signature   string
	InstalledAt time.Time
	LastUsedAt  time.Time
	SizeBytes   int64
}

// CullPolicy configures retention. MaxInstallations keeps at most N
// least-recently-used versions beyond the pinned set; MaxAge removes
// installations unused for longer than the duration. A zero field
// disables that constraint; a zero policy disables culling entirely.
type CullPolicy struct {
	MaxInstallations int
	MaxAge           time.Duration
}

// Stats summarizes the local store.
type Stats struct {
	Installations  int
	TotalSizeBytes int64
}

// ProgressFunc receives download progress. total is -1 when the remote
// did not advertise a size. Callbacks fire at a bounded rate on the
// transfer goroutine and must not block.
type ProgressFunc func(written, total int64)
