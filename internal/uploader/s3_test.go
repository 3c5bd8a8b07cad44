package uploader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burakelmali/anisync/internal/models"
)

type fakeStreamUploader struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (f *fakeStreamUploader) Upload(_ context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *input.Key
	if input.ContentType != nil {
		f.contentType = *input.ContentType
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.body = data
	return &manager.UploadOutput{}, nil
}

func TestObjectStoreKeys(t *testing.T) {
	store := &ObjectStore{bucket: "anime", publicURL: "https://cdn.example.com"}
	col := models.Collection{Name: "Shingeki no Kyojin Season 1", ID: "Shingeki_no_Kyojin_Season_1"}

	key := store.fileKey(col, `Shingeki no Kyojin - Episode 1: "Fall"`)
	assert.Equal(t, "Shingeki_no_Kyojin_Season_1/Shingeki no Kyojin - Episode 1 Fall.mp4", key)

	prefix := store.dirPrefix(col, "Shingeki no Kyojin - Episode 1")
	assert.Equal(t, "Shingeki_no_Kyojin_Season_1/Shingeki_no_Kyojin_-_Episode_1", prefix)

	assert.Equal(t,
		"https://cdn.example.com/a/b/playlist.m3u8",
		store.publicRef("a/b/playlist.m3u8"))
}

func TestEnsureCollectionIsPrefixOnly(t *testing.T) {
	store := &ObjectStore{bucket: "anime"}
	col, err := store.EnsureCollection(context.Background(), "One Piece Season 2")
	require.NoError(t, err)
	assert.Equal(t, "One_Piece_Season_2", col.ID)
}

func TestUploadStreamsSourceURL(t *testing.T) {
	var gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	up := &fakeStreamUploader{}
	store := &ObjectStore{
		uploader:  up,
		http:      srv.Client(),
		bucket:    "anime",
		publicURL: "https://cdn.example.com",
		name:      "b2",
	}
	col := models.Collection{Name: "One Piece Season 1", ID: "One_Piece_Season_1"}

	ref, err := store.Upload(context.Background(), col, "One Piece - Episode 3", Payload{
		SourceURL:     srv.URL + "/video.mp4",
		SourceHeaders: map[string]string{"Referer": "https://player.example/"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/One_Piece_Season_1/One Piece - Episode 3.mp4", ref)
	assert.Equal(t, "One_Piece_Season_1/One Piece - Episode 3.mp4", up.key)
	assert.Equal(t, "video/mp4", up.contentType)
	assert.Equal(t, "mp4-bytes", string(up.body))
	assert.Equal(t, "https://player.example/", gotReferer)
}

func TestUploadStreamRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer srv.Close()

	up := &fakeStreamUploader{}
	store := &ObjectStore{uploader: up, http: srv.Client(), bucket: "anime", name: "r2"}
	col := models.Collection{Name: "One Piece", ID: "One_Piece"}

	_, err := store.Upload(context.Background(), col, "One Piece - Episode 3", Payload{
		SourceURL: srv.URL + "/video.mp4",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Empty(t, up.key)
}

func TestContentTypeForKey(t *testing.T) {
	cases := map[string]string{
		"a/playlist.m3u8":  "application/vnd.apple.mpegurl",
		"a/segment_000.ts": "video/mp2t",
		"a/episode.mp4":    "video/mp4",
		"a/thumbnail.jpg":  "image/jpeg",
		"a/unknown.bin":    "application/octet-stream",
	}
	for key, want := range cases {
		assert.Equal(t, want, ContentTypeForKey(key), key)
	}
}
