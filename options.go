package enginecache

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-billy/v5"
)

// options holds the manager configuration assembled from Option values.
type options struct {
	fs               billy.Filesystem
	httpClient       *http.Client
	logger           *slog.Logger
	now              func() time.Time
	policy           CullPolicy
	manifestTTL      time.Duration
	manifestRetries  uint64
	progressInterval time.Duration
	eventBuffer      int
}

// Option configures a Manager.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		httpClient:       http.DefaultClient,
		now:              time.Now,
		manifestTTL:      5 * time.Minute,
		manifestRetries:  2,
		progressInterval: 100 * time.Millisecond,
		eventBuffer:      16,
	}
}

// WithFilesystem sets the billy filesystem used for all store and
// download I/O. Defaults to the local filesystem. Primarily useful for
// testing with virtual filesystems.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithHTTPClient sets the HTTP client used for manifest fetches and
// package downloads. The default client has no timeout, which is what a
// multi-gigabyte streaming download wants; callers needing one should
// rely on context cancellation instead.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets the structured logger. Defaults to a discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock sets the time source for timestamps and culling decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithCullPolicy sets the retention policy applied by
// DoEngineCullMaybeAsync and the cull scheduler. The zero policy
// disables culling.
func WithCullPolicy(policy CullPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithManifestTTL sets how long a fetched manifest document is reused
// before a fresh copy is requested.
func WithManifestTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.manifestTTL = ttl
	}
}

// WithManifestRetries sets how many times a failed manifest fetch is
// retried before the error is surfaced.
func WithManifestRetries(n uint64) Option {
	return func(o *options) {
		o.manifestRetries = n
	}
}

// WithProgressInterval bounds how often download progress callbacks fire.
func WithProgressInterval(interval time.Duration) Option {
	return func(o *options) {
		o.progressInterval = interval
	}
}

// WithEventBuffer sets the capacity of the event channel returned by
// Events.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		o.eventBuffer = n
	}
}
