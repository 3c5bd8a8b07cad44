package stager

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingRunner struct {
	calls int
}

func (r *failingRunner) Run(_ context.Context, _ string, _ ...string) error {
	r.calls++
	return errors.New("exit status 1")
}

type writingRunner struct {
	body string
}

func (r *writingRunner) Run(_ context.Context, _ string, args ...string) error {
	var dir, out string
	for _, a := range args {
		if strings.HasPrefix(a, "--dir=") {
			dir = strings.TrimPrefix(a, "--dir=")
		}
		if strings.HasPrefix(a, "--out=") {
			out = strings.TrimPrefix(a, "--out=")
		}
	}
	return os.WriteFile(filepath.Join(dir, out), []byte(r.body), 0o600)
}

func TestStageFallsBackToHTTP(t *testing.T) {
	body := strings.Repeat("v", 4096)
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	runner := &failingRunner{}
	s := New(WithRunner(runner), WithHTTPClient(server.Client()))

	dest := filepath.Join(t.TempDir(), "episode.mp4")
	staged, err := s.Stage(context.Background(), server.URL+"/ep.mp4", dest, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, runner.calls, "accelerated downloader should be tried first")
	assert.Equal(t, 1, hits, "plain HTTP fallback should fetch exactly once")
	assert.Equal(t, int64(len(body)), staged.Size)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestStageUsesAcceleratedDownloader(t *testing.T) {
	body := strings.Repeat("v", 2048)
	runner := &writingRunner{body: body}
	s := New(WithRunner(runner))

	dest := filepath.Join(t.TempDir(), "episode.mp4")
	staged, err := s.Stage(context.Background(), "http://cdn.example.com/ep.mp4", dest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), staged.Size)
}

func TestStageRejectsTinyFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a video"))
	}))
	defer server.Close()

	s := New(WithRunner(&failingRunner{}), WithHTTPClient(server.Client()))

	dest := filepath.Join(t.TempDir(), "episode.mp4")
	_, err := s.Stage(context.Background(), server.URL, dest, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadFailed)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "partial file should be removed")
}

func TestStageRoutesStreamsToYtDlp(t *testing.T) {
	runner := &failingRunner{}
	var ytdlpCalls int
	s := New(
		WithRunner(runner),
		WithYtDlp(func(_ context.Context, _, dest string) error {
			ytdlpCalls++
			return os.WriteFile(dest, []byte(strings.Repeat("s", 2048)), 0o600)
		}),
	)

	dest := filepath.Join(t.TempDir(), "episode.mp4")
	_, err := s.Stage(context.Background(), "https://cdn.example.com/master.m3u8", dest, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ytdlpCalls)
	assert.Equal(t, 0, runner.calls, "stream URLs must not hit the plain downloaders")
}
