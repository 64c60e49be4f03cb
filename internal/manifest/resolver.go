// Package manifest resolves engine version identifiers to download
// descriptors using the remote build manifest.
//
// The manifest is a versioned JSON document published at a fixed URL,
// mapping every released engine version to its download URL and expected
// content signature. The resolver keeps a short-lived copy of the fetched
// document so that bursts of resolutions reuse one network round trip.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrVersionNotFound indicates the requested version is absent from the
	// manifest. The requested content cannot run; retrying will not help.
	ErrVersionNotFound = errors.New("version not found in manifest")

	// ErrUnavailable indicates the manifest document itself could not be
	// fetched or parsed. The caller may retry later.
	ErrUnavailable = errors.New("manifest unavailable")
)

// Entry describes where to download one engine version and what signature
// the downloaded package must have. Immutable once fetched.
type Entry struct {
	Version     string
	DownloadURL string
	Signature   string
}

// document is the wire form of the build manifest.
//
// schemaVersion 1 is the current layout. Unknown fields are ignored so the
// schema can grow without breaking older clients.
type document struct {
	SchemaVersion int                      `json:"schemaVersion"`
	Engines       map[string]documentEntry `json:"engines"`
}

type documentEntry struct {
	URL       string `json:"url"`
	Signature string `json:"signature"`
}

const (
	defaultTTL           = 5 * time.Minute
	defaultRetryInterval = 500 * time.Millisecond
	defaultMaxRetries    = 2
	maxDocumentBytes     = 16 << 20
)

// Resolver fetches and caches the build manifest.
type Resolver struct {
	url        string
	client     *http.Client
	ttl        time.Duration
	maxRetries uint64
	now        func() time.Time
	logger     *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	doc       *document
	fetchedAt time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the HTTP client used to fetch the manifest.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		r.client = client
	}
}

// WithTTL sets how long a fetched manifest document is reused before a
// fresh copy is requested. Zero disables reuse.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithMaxRetries sets how many times a failed manifest fetch is retried
// before ErrUnavailable is surfaced.
func WithMaxRetries(n uint64) Option {
	return func(r *Resolver) {
		r.maxRetries = n
	}
}

// WithClock sets the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver for the manifest published at url.
func New(url string, opts ...Option) *Resolver {
	r := &Resolver{
		url:        url,
		client:     http.DefaultClient,
		ttl:        defaultTTL,
		maxRetries: defaultMaxRetries,
		now:        time.Now,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps version to its download descriptor.
//
// Returns ErrVersionNotFound when the manifest does not list the version
// and ErrUnavailable when the manifest cannot be fetched. The two are
// deliberately distinct: the first is fatal to the request, the second is
// retryable.
func (r *Resolver) Resolve(ctx context.Context, version string) (Entry, error) {
	doc, err := r.currentDocument(ctx)
	if err != nil {
		return Entry{}, err
	}

	raw, ok := doc.Engines[version]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}
	if raw.URL == "" || raw.Signature == "" {
		return Entry{}, fmt.Errorf("%w: manifest entry for %q is incomplete", ErrUnavailable, version)
	}

	return Entry{
		Version:     version,
		DownloadURL: raw.URL,
		Signature:   raw.Signature,
	}, nil
}

// Invalidate drops the cached document, forcing the next Resolve to fetch
// a fresh copy.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = nil
}

// currentDocument returns the cached manifest if fresh, otherwise fetches
// a new copy. Concurrent fetches collapse into one request.
func (r *Resolver) currentDocument(ctx context.Context) (*document, error) {
	r.mu.RLock()
	doc, fetchedAt := r.doc, r.fetchedAt
	r.mu.RUnlock()

	if doc != nil && r.ttl > 0 && r.now().Sub(fetchedAt) < r.ttl {
		return doc, nil
	}

	v, err, _ := r.group.Do("fetch", func() (any, error) {
		// Another waiter may have refreshed the document while this call
		// was queued behind the flight.
		r.mu.RLock()
		doc, fetchedAt := r.doc, r.fetchedAt
		r.mu.RUnlock()
		if doc != nil && r.ttl > 0 && r.now().Sub(fetchedAt) < r.ttl {
			return doc, nil
		}

		fresh, err := r.fetch(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.doc = fresh
		r.fetchedAt = r.now()
		r.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*document), nil
}

// fetch downloads and parses the manifest, retrying transient failures
// with a constant backoff.
func (r *Resolver) fetch(ctx context.Context) (*document, error) {
	var doc *document

	operation := func() error {
		var err error
		doc, err = r.fetchOnce(ctx)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(defaultRetryInterval), r.maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return doc, nil
}

func (r *Resolver) fetchOnce(ctx context.Context) (*document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: building request: %v", ErrUnavailable, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: server answered %s", ErrUnavailable, resp.Status)
	default:
		// 4xx responses will not improve with retries.
		return nil, backoff.Permanent(fmt.Errorf("%w: server answered %s", ErrUnavailable, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	doc, err := parseDocument(body)
	if err != nil {
		// A malformed document is not transient.
		return nil, backoff.Permanent(err)
	}

	r.logger.Debug("manifest fetched", "url", r.url, "versions", len(doc.Engines))
	return doc, nil
}

// parseDocument decodes a manifest body, accepting both the current
// schema and the legacy flat map of version to entry.
func parseDocument(body []byte) (*document, error) {
	// Unknown fields in newer schema versions are ignored by
	// encoding/json, so forward-compatible documents still decode.
	var doc document
	if err := json.Unmarshal(body, &doc); err == nil && doc.Engines != nil {
		return &doc, nil
	}

	var legacy map[string]documentEntry
	if err := json.Unmarshal(body, &legacy); err != nil {
		return nil, fmt.Errorf("%w: malformed document: %v", ErrUnavailable, err)
	}
	return &document{SchemaVersion: 0, Engines: legacy}, nil
}
