package encoder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRunner fails or succeeds per call, recording the codec argument
// of each invocation.
type scriptedRunner struct {
	failures int
	codecs   []string
}

func (r *scriptedRunner) Run(_ context.Context, _ string, args ...string) error {
	for i, a := range args {
		if a == "-c:v" && i+1 < len(args) {
			r.codecs = append(r.codecs, args[i+1])
		}
	}
	if len(r.codecs) <= r.failures {
		return errors.New("exit status 1")
	}
	return nil
}

func TestEncodeFallsBackToSoftware(t *testing.T) {
	runner := &scriptedRunner{failures: 1}
	e := New(WithRunner(runner))

	outDir := t.TempDir()
	res, err := e.EncodeHLS(context.Background(), "in.mp4", outDir)
	require.NoError(t, err)

	require.Equal(t, []string{"h264_nvenc", "libx264"}, runner.codecs)
	assert.Equal(t, "libx264", res.Profile)
	assert.Equal(t, filepath.Join(outDir, "playlist.m3u8"), res.Playlist)
}

func TestEncodeHardwareSuccessSkipsSoftware(t *testing.T) {
	runner := &scriptedRunner{failures: 0}
	e := New(WithRunner(runner))

	res, err := e.EncodeHLS(context.Background(), "in.mp4", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"h264_nvenc"}, runner.codecs)
	assert.Equal(t, "h264_nvenc", res.Profile)
}

func TestEncodeBothProfilesFail(t *testing.T) {
	runner := &scriptedRunner{failures: 2}
	e := New(WithRunner(runner))

	outDir := t.TempDir()
	// Leave a partial segment behind to confirm cleanup.
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "segment_000.ts"), []byte("x"), 0o600))

	_, err := e.EncodeHLS(context.Background(), "in.mp4", outDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBothProfilesFailed)

	entries, readErr := os.ReadDir(outDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "partial segments should be cleaned up")
}
