// Package download streams engine packages from a remote build repository
// to a temporary file on disk. Downloads are cancellable through the
// request context and report progress at a bounded rate.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-git/go-billy/v5"
)

// ErrNetwork indicates a transport-level failure: the request could not be
// sent, the connection dropped mid-transfer, or the server answered with a
// non-success status.
var ErrNetwork = errors.New("download transport failure")

// ProgressFunc receives transfer progress. total is -1 when the server did
// not advertise a content length. Callbacks are invoked from the transfer
// goroutine at a bounded rate and must not block.
type ProgressFunc func(written, total int64)

const (
	defaultProgressInterval = 100 * time.Millisecond
	copyBufferSize          = 32 * 1024
)

// Downloader fetches URLs to files on the given filesystem.
type Downloader struct {
	fs       billy.Filesystem
	client   *http.Client
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets the HTTP client used for transfers.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithProgressInterval bounds how often the progress callback fires.
func WithProgressInterval(interval time.Duration) Option {
	return func(d *Downloader) {
		d.interval = interval
	}
}

// WithClock sets the time source, used to throttle progress reporting.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) {
		d.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a Downloader writing through the given filesystem.
func New(fs billy.Filesystem, opts ...Option) *Downloader {
	d := &Downloader{
		fs:       fs,
		client:   http.DefaultClient,
		interval: defaultProgressInterval,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch streams the response body of url into dest, which must not be a
// final installation path. On any failure, including cancellation, the
// partially written dest file is removed and the number of bytes written
// is reported as zero.
//
// Cancellation is surfaced as the context's error; callers distinguish it
// from transport failures with errors.Is(err, context.Canceled).
func (d *Downloader) Fetch(ctx context.Context, url, dest string, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: building request for %q: %v", ErrNetwork, url, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: unexpected status %s for %q", ErrNetwork, resp.Status, url)
	}

	file, err := d.fs.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %q: %w", dest, err)
	}

	written, err := d.copyWithProgress(ctx, file, resp.Body, resp.ContentLength, progress)
	closeErr := file.Close()

	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close %q: %w", dest, closeErr)
	}
	if err != nil {
		d.discard(dest)
		return 0, err
	}

	d.logger.Debug("download complete", "url", url, "bytes", written)
	return written, nil
}

// copyWithProgress copies src to dst in fixed-size chunks, checking for
// cancellation between chunks and throttling progress callbacks.
func (d *Downloader) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	// A zero ContentLength is a known-empty body; only a negative value
	// means the server did not advertise a size.
	if total < 0 {
		total = -1
	}

	buf := make([]byte, copyBufferSize)
	var written int64
	lastReport := d.now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, fmt.Errorf("write failed: %w", writeErr)
			}
			written += int64(n)

			if progress != nil {
				if now := d.now(); now.Sub(lastReport) >= d.interval {
					lastReport = now
					progress(written, total)
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, fmt.Errorf("%w: read failed: %v", ErrNetwork, readErr)
		}
	}

	// Final report so consumers always observe the completed transfer.
	if progress != nil {
		progress(written, total)
	}
	return written, nil
}

// discard removes a partial download, logging rather than failing: the
// temp area is swept again at startup.
func (d *Downloader) discard(dest string) {
	if err := d.fs.Remove(dest); err != nil {
		d.logger.Warn("failed to remove partial download", "path", dest, "error", err)
	}
}
