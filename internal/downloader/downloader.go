// Package downloader streams a bundle from an HTTP URL to a local file,
// reporting progress to a listener and honoring a Retry-After contract on
// HTTP 202 responses up to a bounded retry count and total timeout.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCancelled is returned when the listener's IsCancelled predicate reports
// true mid-transfer.
var ErrCancelled = errors.New("downloader: cancelled")

// Listener is the observer contract the Downloader drives: progress updates
// and a cooperative cancellation predicate. Cancellation state lives with
// whatever owns the listener (the executor), not with the Downloader.
type Listener interface {
	OnProgress(total, now uint64)
	IsCancelled() bool
}

// Config mirrors the Downloader's external configuration contract.
type Config struct {
	RetryAfterSeconds uint32
	RetryMaxTimes     uint32
	TimeoutSeconds    uint32
}

// Downloader streams a single URL to a destination file.
type Downloader struct {
	url      string
	listener Listener
	cfg      Config
	client   *http.Client
}

// New constructs a Downloader. The default http.Client performs standard TLS
// peer verification; callers must not disable it.
func New(url string, listener Listener, cfg Config) *Downloader {
	return &Downloader{
		url:      url,
		listener: listener,
		cfg:      cfg,
		client:   &http.Client{},
	}
}

// GetContentLength issues a HEAD request and returns the advertised content
// length, or 0 if the server did not report one.
func (d *Downloader) GetContentLength(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.url, nil)
	if err != nil {
		return 0, fmt.Errorf("downloader: building HEAD request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("downloader: HEAD request: %w", err)
	}
	defer resp.Body.Close()

	if resp.ContentLength <= 0 {
		return 0, nil
	}
	return uint64(resp.ContentLength), nil
}

// Get streams the URL to destinationPath, retrying on HTTP 202 per the
// Retry-After contract until RetryMaxTimes is exhausted or TimeoutSeconds
// elapses.
func (d *Downloader) Get(ctx context.Context, destinationPath string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	retryAfter := time.Duration(d.cfg.RetryAfterSeconds) * time.Second
	remaining := d.cfg.RetryMaxTimes

	for {
		done, nextWait, err := d.attempt(ctx, destinationPath, &retryAfter)
		if done {
			return err
		}
		if err != nil {
			return err
		}
		if remaining == 0 {
			return fmt.Errorf("downloader: exhausted retries waiting for %s", d.url)
		}
		remaining--

		b := backoff.NewConstantBackOff(nextWait)
		select {
		case <-ctx.Done():
			return fmt.Errorf("downloader: %w", ctx.Err())
		case <-time.After(b.NextBackOff()):
		}
	}
}

// attempt performs a single GET. done=true means the caller should return
// err immediately (success or a terminal failure); done=false with a nil err
// means a 202 was received and the caller should sleep *retryAfter and
// retry.
func (d *Downloader) attempt(ctx context.Context, destinationPath string, retryAfter *time.Duration) (done bool, waited time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return true, 0, fmt.Errorf("downloader: building GET request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return true, 0, fmt.Errorf("downloader: GET request: %w", err)
	}
	defer resp.Body.Close()

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, parseErr := strconv.Atoi(ra); parseErr == nil && secs >= 0 {
			*retryAfter = time.Duration(secs) * time.Second
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return true, 0, d.stream(resp.Body, destinationPath, uint64(resp.ContentLength))
	case http.StatusAccepted:
		return false, *retryAfter, nil
	default:
		return true, 0, fmt.Errorf("downloader: unexpected status %d from %s", resp.StatusCode, d.url)
	}
}

func (d *Downloader) stream(body io.Reader, destinationPath string, total uint64) error {
	f, err := os.OpenFile(destinationPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("downloader: creating destination file: %w", err)
	}
	defer f.Close()

	pw := &progressWriter{out: f, listener: d.listener, total: total}
	if _, err := io.Copy(pw, body); err != nil {
		if errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
		return fmt.Errorf("downloader: streaming to %s: %w", destinationPath, err)
	}
	if d.listener != nil && d.listener.IsCancelled() {
		return ErrCancelled
	}
	return f.Sync()
}

// progressWriter wraps the destination file, reporting byte counts to the
// listener and aborting the copy the moment the listener reports cancelled.
type progressWriter struct {
	out      io.Writer
	listener Listener
	total    uint64
	written  uint64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	if p.listener != nil && p.listener.IsCancelled() {
		return 0, ErrCancelled
	}
	n, err := p.out.Write(b)
	if n > 0 {
		p.written += uint64(n)
		if p.listener != nil {
			p.listener.OnProgress(p.total, p.written)
		}
	}
	return n, err
}
