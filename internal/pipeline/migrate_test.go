package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/uploader"
)

type fakeBunnySource struct {
	videos  []uploader.Video
	deleted []string
}

func (f *fakeBunnySource) EnsureCollection(_ context.Context, name string) (models.Collection, error) {
	return models.Collection{Name: name, ID: "src-col"}, nil
}

func (f *fakeBunnySource) ListVideos(_ context.Context, _ string) ([]uploader.Video, error) {
	return f.videos, nil
}

func (f *fakeBunnySource) DeleteVideo(_ context.Context, guid string) error {
	f.deleted = append(f.deleted, guid)
	return nil
}

type fakeHLSFetcher struct {
	resolved []string
}

func (f *fakeHLSFetcher) ResolveMedia(_ context.Context, playlistURL string) (string, error) {
	f.resolved = append(f.resolved, playlistURL)
	return playlistURL, nil
}

func (f *fakeHLSFetcher) FetchDir(_ context.Context, _, outDir string) error {
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(outDir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o600)
}

func TestMigrateCollection(t *testing.T) {
	source := &fakeBunnySource{videos: []uploader.Video{
		{GUID: "g-1", Title: "Naruto - Episode 1", Status: uploader.VideoStatusFinished},
		{GUID: "g-2", Title: "Naruto - Episode 2", Status: uploader.VideoStatusFinished},
		{GUID: "g-3", Title: "Naruto - Episode 3", Status: uploader.VideoStatusEncoding},
	}}
	dest := &fakeDestination{existing: map[string]string{
		"Naruto - Episode 1": "https://cdn.example.com/done/playlist.m3u8",
	}}
	fetcher := &fakeHLSFetcher{}

	m := NewMigrator(source, fetcher, dest, "vz-123.b-cdn.net", t.TempDir(), 0)
	stats, err := m.MigrateCollection(context.Background(), "Naruto Season 1")
	require.NoError(t, err)

	// Episode 1 is already in the bucket, episode 3 is still encoding.
	assert.Equal(t, models.BatchStats{Total: 3, Success: 1, Skipped: 2, Failed: 0}, stats)
	assert.Equal(t, []string{"Naruto - Episode 2"}, dest.uploads)
	assert.Equal(t, []string{"https://vz-123.b-cdn.net/g-2/playlist.m3u8"}, fetcher.resolved)
	assert.Empty(t, source.deleted, "prune is off by default")
}

func TestMigratePrunesSource(t *testing.T) {
	source := &fakeBunnySource{videos: []uploader.Video{
		{GUID: "g-1", Title: "Naruto - Episode 1", Status: uploader.VideoStatusFinished},
	}}
	dest := &fakeDestination{}

	m := NewMigrator(source, &fakeHLSFetcher{}, dest, "vz-123.b-cdn.net", t.TempDir(), 0).WithPrune()
	stats, err := m.MigrateCollection(context.Background(), "Naruto Season 1")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, []string{"g-1"}, source.deleted)
}
