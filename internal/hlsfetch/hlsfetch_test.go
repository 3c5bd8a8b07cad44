package hlsfetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXTINF:4.000,
segment_000.ts
#EXTINF:4.000,
segment_001.ts
#EXT-X-ENDLIST
`

func TestParsePlaylist(t *testing.T) {
	lines, segments, err := ParsePlaylist("https://cdn.example.com/v/123/720p/video.m3u8", mediaPlaylist)
	require.NoError(t, err)

	require.Len(t, segments, 2)
	assert.Equal(t, "https://cdn.example.com/v/123/720p/segment_000.ts", segments[0].URL)
	assert.Equal(t, "segment_000.ts", segments[0].LocalName)
	assert.Equal(t, "https://cdn.example.com/v/123/720p/segment_001.ts", segments[1].URL)

	// Tag lines survive, segment lines are rewritten to local names.
	assert.Contains(t, lines, "#EXT-X-ENDLIST")
	assert.Contains(t, lines, "segment_001.ts")
}

func TestParsePlaylistDisambiguatesSharedBasenames(t *testing.T) {
	playlist := "#EXTM3U\n" +
		"#EXTINF:4.000,\n" +
		"chunk-a/media.ts\n" +
		"#EXTINF:4.000,\n" +
		"chunk-b/media.ts\n" +
		"#EXT-X-ENDLIST\n"

	lines, segments, err := ParsePlaylist("https://cdn.example.com/v/playlist.m3u8", playlist)
	require.NoError(t, err)
	require.Len(t, segments, 2)

	assert.Equal(t, "https://cdn.example.com/v/chunk-a/media.ts", segments[0].URL)
	assert.Equal(t, "media.ts", segments[0].LocalName)
	assert.Equal(t, "https://cdn.example.com/v/chunk-b/media.ts", segments[1].URL)
	assert.Equal(t, "segment_001.ts", segments[1].LocalName,
		"a repeated basename must not overwrite the first segment")

	// The rewritten playlist lines follow the chosen local names.
	assert.Contains(t, lines, "media.ts")
	assert.Contains(t, lines, "segment_001.ts")
}

func TestParsePlaylistRejectsMaster(t *testing.T) {
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\n720p/video.m3u8\n"
	_, _, err := ParsePlaylist("https://cdn.example.com/v/123/playlist.m3u8", master)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master playlist")
}

func TestFetchDir(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/v/playlist.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, mediaPlaylist)
	})
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("segment_%03d.ts", i)
		body := strings.Repeat(name, 10)
		mux.HandleFunc("/v/"+name, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
	}

	outDir := t.TempDir()
	f := New(server.Client())
	require.NoError(t, f.FetchDir(context.Background(), server.URL+"/v/playlist.m3u8", outDir))

	playlist, err := os.ReadFile(filepath.Join(outDir, "playlist.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(playlist), "segment_000.ts")

	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("segment_%03d.ts", i)
		body, readErr := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, readErr)
		assert.Equal(t, strings.Repeat(name, 10), string(body))
	}
}
