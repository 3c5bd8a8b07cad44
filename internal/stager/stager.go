// Package stager materializes remote media to local storage before upload,
// so origin-hostile URLs are never handed to the destination service.
package stager

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/util"
)

// ErrDownloadFailed is returned when every download path has failed.
var ErrDownloadFailed = errors.New("download failed")

// minValidSize rejects error pages saved as video files.
const minValidSize = 1024

// CommandRunner abstracts external downloader invocation so tests can
// substitute the accelerated path.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

// ProgressFunc reports transfer progress. total is 0 when unknown.
type ProgressFunc func(received, total int64)

// StagedFile describes a completed local download.
type StagedFile struct {
	Path string
	Size int64
}

// Stager downloads remote media to disk, trying a multi-connection
// accelerated download first and a plain streamed GET on failure.
type Stager struct {
	runner CommandRunner
	http   *http.Client

	// ytdlpDownload is swapped out in tests; the default shells out to
	// yt-dlp through go-ytdlp.
	ytdlpDownload func(ctx context.Context, url, dest string) error
}

// Option configures a Stager.
type Option func(*Stager)

// WithRunner overrides the external command runner.
func WithRunner(r CommandRunner) Option {
	return func(s *Stager) { s.runner = r }
}

// WithHTTPClient overrides the HTTP client used for the streamed fallback.
func WithHTTPClient(h *http.Client) Option {
	return func(s *Stager) { s.http = h }
}

// WithYtDlp overrides the yt-dlp download function.
func WithYtDlp(fn func(ctx context.Context, url, dest string) error) Option {
	return func(s *Stager) { s.ytdlpDownload = fn }
}

// New creates a Stager.
func New(opts ...Option) *Stager {
	s := &Stager{
		runner: execRunner{},
		http: &http.Client{
			Transport: util.SafeTransport(10 * time.Minute),
			// No overall timeout; large downloads must run to completion.
			Timeout: 0,
		},
		ytdlpDownload: downloadWithYtDlp,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage downloads rawURL to destPath. HLS streams and known hostile hosts
// go straight to yt-dlp; everything else tries aria2c and falls back to a
// single streamed GET. Fallbacks always restart from byte zero. On failure
// partial output is removed.
func (s *Stager) Stage(ctx context.Context, rawURL, destPath string, headers map[string]string, progress ProgressFunc) (*StagedFile, error) {
	if rawURL == "" {
		return nil, errors.Wrap(ErrDownloadFailed, "empty source URL")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "creating staging directory")
	}

	if needsYtDlp(rawURL) {
		util.Debugf("stream URL detected, staging with yt-dlp: %s", rawURL)
		if err := s.ytdlpDownload(ctx, rawURL, destPath); err != nil {
			s.removePartial(destPath)
			return nil, errors.Wrapf(ErrDownloadFailed, "yt-dlp: %v", err)
		}
		return s.verify(destPath)
	}

	if err := s.stageAria2c(ctx, rawURL, destPath); err == nil {
		return s.verify(destPath)
	} else {
		util.Warnf("accelerated download failed, falling back to plain HTTP: %v", err)
		s.removePartial(destPath)
	}

	if err := s.stageHTTP(ctx, rawURL, destPath, headers, progress); err != nil {
		s.removePartial(destPath)
		return nil, errors.Wrapf(ErrDownloadFailed, "http: %v", err)
	}
	return s.verify(destPath)
}

// stageAria2c runs the multi-connection external downloader.
func (s *Stager) stageAria2c(ctx context.Context, rawURL, destPath string) error {
	args := []string{
		"--max-connection-per-server=16",
		"--split=16",
		"--min-split-size=1M",
		"--max-concurrent-downloads=16",
		"--continue=true",
		"--max-tries=5",
		"--retry-wait=3",
		"--timeout=60",
		"--connect-timeout=30",
		"--console-log-level=warn",
		"--dir=" + filepath.Dir(destPath),
		"--out=" + filepath.Base(destPath),
		rawURL,
	}
	if err := s.runner.Run(ctx, "aria2c", args...); err != nil {
		return err
	}
	if _, err := os.Stat(destPath); err != nil {
		return errors.New("aria2c exited zero but produced no file")
	}
	return nil
}

// stageHTTP streams the response body to disk in 1 MiB chunks.
func (s *Stager) stageHTTP(ctx context.Context, rawURL, destPath string, headers map[string]string, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			util.Warnf("failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return errors.Wrap(err, "creating output file")
	}

	total := resp.ContentLength
	buffer := make([]byte, 1024*1024)
	var received int64
	start := time.Now()

	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				_ = out.Close()
				return errors.Wrap(writeErr, "writing chunk")
			}
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = out.Close()
			return errors.Wrap(readErr, "reading response")
		}
	}

	if err := out.Close(); err != nil {
		return errors.Wrap(err, "closing output file")
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		util.Debugf("http download finished: %.2f MB at %.2f MB/s",
			float64(received)/(1024*1024), float64(received)/(1024*1024)/elapsed)
	}
	return nil
}

// verify guarantees the staged file is complete and plausible before the
// pipeline advances.
func (s *Stager) verify(destPath string) (*StagedFile, error) {
	stat, err := os.Stat(destPath)
	if err != nil {
		return nil, errors.Wrap(ErrDownloadFailed, "file was not created")
	}
	if stat.Size() < minValidSize {
		s.removePartial(destPath)
		return nil, errors.Wrapf(ErrDownloadFailed, "file is too small (%d bytes)", stat.Size())
	}
	return &StagedFile{Path: destPath, Size: stat.Size()}, nil
}

func (s *Stager) removePartial(destPath string) {
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		util.Warnf("failed to remove partial download: %v", err)
	}
}

// needsYtDlp reports whether the URL should skip the plain downloaders.
// HLS playlists and hosts known to reject naive clients go to yt-dlp.
func needsYtDlp(rawURL string) bool {
	return strings.Contains(rawURL, ".m3u8") ||
		strings.Contains(rawURL, "blogger.com") ||
		strings.Contains(rawURL, "wixmp.com") ||
		strings.Contains(rawURL, "sibnet.ru")
}

func downloadWithYtDlp(ctx context.Context, url, dest string) error {
	ytdlp.MustInstall(ctx, nil)

	dl := ytdlp.New().
		Output(dest)

	if _, err := dl.Run(ctx, url); err != nil {
		return errors.Wrap(err, "go-ytdlp")
	}
	return nil
}
