// Package encoder converts staged MP4 files into HLS renditions with
// ffmpeg, preferring hardware encoding and falling back to software.
package encoder

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/util"
)

// ErrBothProfilesFailed is returned when hardware and software encodes
// both fail for the same input.
var ErrBothProfilesFailed = errors.New("both encode profiles failed")

// Runner abstracts ffmpeg invocation for tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

// Result describes a finished HLS encode.
type Result struct {
	Dir      string
	Playlist string
	Profile  string
}

// Encoder runs ffmpeg encodes.
type Encoder struct {
	runner Runner
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithRunner overrides the ffmpeg runner.
func WithRunner(r Runner) Option {
	return func(e *Encoder) { e.runner = r }
}

// New creates an Encoder.
func New(opts ...Option) *Encoder {
	e := &Encoder{runner: execRunner{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EncodeHLS transcodes inputPath into a segmented HLS rendition under
// outDir. The NVENC hardware profile is tried first; if ffmpeg exits
// nonzero the software profile runs against a clean directory. Partial
// segments are removed between attempts and on final failure.
func (e *Encoder) EncodeHLS(ctx context.Context, inputPath, outDir string) (*Result, error) {
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating encode directory")
	}
	playlist := filepath.Join(outDir, "playlist.m3u8")

	if err := e.runner.Run(ctx, "ffmpeg", hwArgs(inputPath, outDir)...); err == nil {
		return &Result{Dir: outDir, Playlist: playlist, Profile: "h264_nvenc"}, nil
	} else {
		util.Warnf("hardware encode failed, retrying with libx264: %v", err)
		cleanSegments(outDir)
	}

	if err := e.runner.Run(ctx, "ffmpeg", swArgs(inputPath, outDir)...); err != nil {
		cleanSegments(outDir)
		return nil, errors.Wrapf(ErrBothProfilesFailed, "libx264: %v", err)
	}
	return &Result{Dir: outDir, Playlist: playlist, Profile: "libx264"}, nil
}

// Thumbnail extracts a single 1280x720 frame one second into the video.
func (e *Encoder) Thumbnail(ctx context.Context, inputPath, outPath string) error {
	args := []string{
		"-y",
		"-ss", "00:00:01",
		"-i", inputPath,
		"-vframes", "1",
		"-vf", "scale=1280:720",
		"-q:v", "2",
		outPath,
	}
	if err := e.runner.Run(ctx, "ffmpeg", args...); err != nil {
		return errors.Wrap(err, "extracting thumbnail")
	}
	return nil
}

func hwArgs(inputPath, outDir string) []string {
	return []string{
		"-y",
		"-hwaccel", "cuda",
		"-i", inputPath,
		"-c:v", "h264_nvenc",
		"-preset", "p4",
		"-cq", "23",
		"-rc", "vbr",
		"-c:a", "aac",
		"-b:a", "128k",
		"-hls_time", "4",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, "segment_%03d.ts"),
		filepath.Join(outDir, "playlist.m3u8"),
	}
}

func swArgs(inputPath, outDir string) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-c:v", "libx264",
		"-crf", "23",
		"-preset", "fast",
		"-c:a", "aac",
		"-b:a", "128k",
		"-hls_time", "4",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, "segment_%03d.ts"),
		filepath.Join(outDir, "playlist.m3u8"),
	}
}

// cleanSegments removes playlist and segment output so a retry never mixes
// files from two encode profiles.
func cleanSegments(outDir string) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) == ".ts" || filepath.Ext(name) == ".m3u8" {
			if err := os.Remove(filepath.Join(outDir, name)); err != nil {
				util.Warnf("failed to remove partial segment %s: %v", name, err)
			}
		}
	}
}
