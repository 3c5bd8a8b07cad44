package pipeline

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burakelmali/anisync/internal/encoder"
	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/stager"
	"github.com/burakelmali/anisync/internal/uploader"
)

type fakeResolver struct {
	failEpisodes map[int]error
}

func (f *fakeResolver) Resolve(_ context.Context, slug string, episode, season int) (*models.MediaItem, error) {
	if err := f.failEpisodes[episode]; err != nil {
		return nil, err
	}
	return &models.MediaItem{
		Series:  slug,
		Episode: episode,
		Season:  season,
		Title:   fmt.Sprintf("Episode %d", episode),
		Source: models.MediaSource{
			URL:     fmt.Sprintf("http://cdn.example.com/%s/%d.mp4", slug, episode),
			Height:  1080,
			Headers: map[string]string{"Referer": "http://cdn.example.com/"},
		},
	}, nil
}

type fakeStager struct {
	calls int
}

func (f *fakeStager) Stage(_ context.Context, _, destPath string, _ map[string]string, _ stager.ProgressFunc) (*stager.StagedFile, error) {
	f.calls++
	if err := os.WriteFile(destPath, []byte("video"), 0o600); err != nil {
		return nil, err
	}
	return &stager.StagedFile{Path: destPath, Size: 5}, nil
}

type fakeEncoder struct {
	calls int
}

func (f *fakeEncoder) EncodeHLS(_ context.Context, _, outDir string) (*encoder.Result, error) {
	f.calls++
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, err
	}
	return &encoder.Result{Dir: outDir, Playlist: outDir + "/playlist.m3u8", Profile: "libx264"}, nil
}

func (f *fakeEncoder) Thumbnail(_ context.Context, _, outPath string) error {
	return os.WriteFile(outPath, []byte("jpg"), 0o600)
}

type fakeDestination struct {
	existing map[string]string // title -> ref
	uploads  []string
	payloads []uploader.Payload
}

func (f *fakeDestination) Name() string { return "fake" }

func (f *fakeDestination) EnsureCollection(_ context.Context, name string) (models.Collection, error) {
	return models.Collection{Name: name, ID: "col-1"}, nil
}

func (f *fakeDestination) Exists(_ context.Context, _ models.Collection, title string) (string, bool, error) {
	ref, ok := f.existing[title]
	return ref, ok, nil
}

func (f *fakeDestination) Upload(_ context.Context, _ models.Collection, title string, payload uploader.Payload) (string, error) {
	ref := "ref-" + title
	if f.existing == nil {
		f.existing = map[string]string{}
	}
	f.existing[title] = ref
	f.uploads = append(f.uploads, title)
	f.payloads = append(f.payloads, payload)
	return ref, nil
}

type memLedger struct {
	rows map[string]models.TransferRecord
}

func newMemLedger() *memLedger { return &memLedger{rows: map[string]models.TransferRecord{}} }

func (m *memLedger) key(series string, episode int, dest string) string {
	return fmt.Sprintf("%s|%d|%s", series, episode, dest)
}

func (m *memLedger) Record(rec models.TransferRecord) error {
	m.rows[m.key(rec.Series, rec.Episode, rec.Destination)] = rec
	return nil
}

func (m *memLedger) HasSucceeded(series string, episode int, dest string) (bool, error) {
	rec, ok := m.rows[m.key(series, episode, dest)]
	return ok && rec.Outcome != models.OutcomeFailed, nil
}

func TestBatchSkipsAlreadyPresent(t *testing.T) {
	dest := &fakeDestination{existing: map[string]string{
		"naruto - Episode 1": "guid-1",
	}}
	st := &fakeStager{}
	d := New(&fakeResolver{}, st, nil, dest, newMemLedger())

	stats, err := d.RunBatch(context.Background(), "naruto", 1, 2, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, models.BatchStats{Total: 2, Success: 1, Skipped: 1, Failed: 0}, stats)
	assert.Equal(t, []string{"naruto - Episode 2"}, dest.uploads)
	assert.Equal(t, 1, st.calls, "the present episode must not be staged")
}

func TestBatchIsolatesFailures(t *testing.T) {
	dest := &fakeDestination{}
	res := &fakeResolver{failEpisodes: map[int]error{2: errors.New("no playable source")}}
	led := newMemLedger()
	d := New(res, &fakeStager{}, nil, dest, led)

	stats, err := d.RunBatch(context.Background(), "naruto", 1, 3, Options{WorkDir: t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, models.BatchStats{Total: 3, Success: 2, Skipped: 0, Failed: 1}, stats)
	assert.Equal(t, []string{"naruto - Episode 1", "naruto - Episode 3"}, dest.uploads)

	rec := led.rows[led.key("naruto", 2, "fake")]
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Contains(t, rec.Err, "no playable source")
}

func TestRerunSkipsViaLedger(t *testing.T) {
	dest := &fakeDestination{}
	led := newMemLedger()
	d := New(&fakeResolver{}, &fakeStager{}, nil, dest, led)
	opts := Options{WorkDir: t.TempDir()}

	_, err := d.RunBatch(context.Background(), "naruto", 1, 1, opts)
	require.NoError(t, err)

	stats, err := d.RunBatch(context.Background(), "naruto", 1, 1, opts)
	require.NoError(t, err)

	assert.Equal(t, models.BatchStats{Total: 1, Skipped: 1}, stats)
	assert.Len(t, dest.uploads, 1, "rerun must not upload again")
}

func TestEncodeStageRuns(t *testing.T) {
	dest := &fakeDestination{}
	enc := &fakeEncoder{}
	d := New(&fakeResolver{}, &fakeStager{}, enc, dest, newMemLedger())

	outcome := d.RunOne(context.Background(), "naruto", 1, Options{Encode: true, WorkDir: t.TempDir()})
	assert.Equal(t, models.OutcomeSuccess, outcome)
	assert.Equal(t, 1, enc.calls)
}

func TestRemoteFetchSkipsStagingAndCarriesHeaders(t *testing.T) {
	dest := &fakeDestination{}
	st := &fakeStager{}
	d := New(&fakeResolver{}, st, nil, dest, newMemLedger())

	outcome := d.RunOne(context.Background(), "naruto", 1,
		Options{AllowRemoteFetch: true, WorkDir: t.TempDir()})
	require.Equal(t, models.OutcomeSuccess, outcome)

	assert.Equal(t, 0, st.calls, "remote fetch must not stage locally")
	require.Len(t, dest.payloads, 1)
	payload := dest.payloads[0]
	assert.Equal(t, "http://cdn.example.com/naruto/1.mp4", payload.SourceURL)
	assert.Equal(t, map[string]string{"Referer": "http://cdn.example.com/"}, payload.SourceHeaders)
	assert.Empty(t, payload.FilePath)
}

func TestCollectionNameWithSeason(t *testing.T) {
	assert.Equal(t, "Naruto Season 2", collectionName("Naruto", 2))
	assert.Equal(t, "Naruto", collectionName("Naruto", 0))
}

func TestCancelledContextStopsBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(&fakeResolver{}, &fakeStager{}, nil, &fakeDestination{}, newMemLedger())
	stats, err := d.RunBatch(ctx, "naruto", 1, 5, Options{WorkDir: t.TempDir()})

	require.Error(t, err)
	assert.Equal(t, 0, stats.Total)
}
