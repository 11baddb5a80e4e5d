package artifact

import (
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opencontainers/go-digest"
)

const (
	DefaultChunkSize  = 1 << 20
	DefaultTimeout    = 60 * time.Second
	DefaultMaxRetries = 3
)

var ErrDigestMismatch = errors.New("artifact digest mismatch")

// TransferError reports a failed download. StatusCode is zero when the
// request never produced a response.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s failed", e.URL)
	}
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the transfer may succeed.
func (e *TransferError) Temporary() bool {
	if errors.Is(e.Err, ErrDigestMismatch) {
		return false
	}
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	URL  string
	Path string
	// Digest, when set, is an OCI-style digest ("sha256:<hex>") the file must
	// match, both after download and when reused from disk.
	Digest     string
	Timeout    time.Duration
	ChunkSize  int
	MaxRetries int
	// RetryInterval is the first backoff delay.
	RetryInterval time.Duration
	Client        *http.Client
	Logger        *slog.Logger
}

// Fetcher keeps one remote file present at a local path.
type Fetcher struct {
	url           string
	path          string
	digest        digest.Digest
	timeout       time.Duration
	chunkSize     int
	maxRetries    int
	retryInterval time.Duration
	client        *http.Client
	logger        *slog.Logger
}

func New(cfg Config) (*Fetcher, error) {
	if cfg.Path == "" {
		return nil, errors.New("artifact path is required")
	}
	f := &Fetcher{
		url:           cfg.URL,
		path:          filepath.Clean(cfg.Path),
		timeout:       cfg.Timeout,
		chunkSize:     cfg.ChunkSize,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		client:        cfg.Client,
		logger:        cfg.Logger,
	}
	if cfg.Digest != "" {
		d, err := digest.Parse(cfg.Digest)
		if err != nil {
			return nil, fmt.Errorf("invalid artifact digest %q: %w", cfg.Digest, err)
		}
		f.digest = d
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.chunkSize <= 0 {
		f.chunkSize = DefaultChunkSize
	}
	if f.maxRetries < 0 {
		f.maxRetries = 0
	}
	if f.retryInterval <= 0 {
		f.retryInterval = 500 * time.Millisecond
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.logger == nil {
		f.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return f, nil
}

func (f *Fetcher) Path() string {
	return f.path
}

// Ensure returns the local path, downloading the file first if it is not
// already there. A partial download never appears at the final path.
func (f *Fetcher) Ensure(ctx context.Context) (string, error) {
	info, err := os.Stat(f.path)
	switch {
	case err == nil && info.IsDir():
		return "", fmt.Errorf("artifact path %q is a directory", f.path)
	case err == nil:
		if err := f.verifyFile(); err != nil {
			return "", err
		}
		f.logger.Info("artifact_reused", "path", f.path, "bytes", info.Size())
		return f.path, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to stat artifact %q: %w", f.path, err)
	}
	if f.url == "" {
		return "", fmt.Errorf("artifact %q is missing and no download url is configured", f.path)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.retryInterval
	policy.MaxElapsedTime = 0
	attempt := 0
	op := func() error {
		attempt++
		err := f.download(ctx)
		if err == nil {
			return nil
		}
		var transferErr *TransferError
		if ctx.Err() != nil || !errors.As(err, &transferErr) || !transferErr.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Warn("artifact_download_retry",
			"url", f.url,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err.Error(),
		)
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(f.maxRetries)), ctx)
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		return "", err
	}
	return f.path, nil
}

func (f *Fetcher) download(ctx context.Context) (err error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", f.url, err)
	}
	f.logger.Info("artifact_download_start", "url", f.url, "path", f.path)
	resp, err := f.client.Do(req)
	if err != nil {
		return &TransferError{URL: f.url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransferError{URL: f.url, StatusCode: resp.StatusCode}
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var verifier digest.Verifier
	var sink io.Writer = tmp
	if f.digest != "" {
		verifier = f.digest.Verifier()
		sink = io.MultiWriter(tmp, verifier)
	}

	written, err := copyChunked(sink, resp.Body, f.chunkSize)
	if err != nil {
		return &TransferError{URL: f.url, Err: err}
	}
	if verifier != nil && !verifier.Verified() {
		return &TransferError{URL: f.url, Err: fmt.Errorf("%w: want %s", ErrDigestMismatch, f.digest)}
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync %q: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %q: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	f.logger.Info("artifact_download_done",
		"url", f.url,
		"path", f.path,
		"bytes", written,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// copyChunked streams src to dst through a single fixed-size buffer.
func copyChunked(dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func (f *Fetcher) verifyFile() error {
	if f.digest == "" {
		return nil
	}
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open artifact %q: %w", f.path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	verifier := f.digest.Verifier()
	if _, err := io.Copy(verifier, file); err != nil {
		return fmt.Errorf("failed to hash artifact %q: %w", f.path, err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: %s does not match %s", ErrDigestMismatch, f.path, f.digest)
	}
	return nil
}
