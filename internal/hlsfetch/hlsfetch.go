// Package hlsfetch mirrors a remote HLS rendition to a local directory,
// preserving the playlist and pulling every segment concurrently.
package hlsfetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/util"
)

const (
	segmentWorkers = 8
	segmentRetries = 3
)

// Fetcher downloads HLS renditions.
type Fetcher struct {
	http *http.Client
}

// New creates a Fetcher. A nil client uses the shared pooled client.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = util.GetSharedClient()
	}
	return &Fetcher{http: client}
}

// FetchDir downloads the playlist at playlistURL plus every segment it
// references into outDir. The playlist is rewritten so each segment line
// points at its local file name, making the directory self contained.
func (f *Fetcher) FetchDir(ctx context.Context, playlistURL, outDir string) error {
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return errors.Wrap(err, "creating output directory")
	}

	body, err := f.get(ctx, playlistURL)
	if err != nil {
		return errors.Wrap(err, "fetching playlist")
	}

	lines, segments, err := ParsePlaylist(playlistURL, string(body))
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return errors.New("playlist references no segments")
	}
	util.Debugf("playlist has %d segments", len(segments))

	pool := util.NewWorkerPool(segmentWorkers)
	var mu sync.Mutex
	var firstErr error

	for _, seg := range segments {
		seg := seg
		pool.Submit(func() {
			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed || ctx.Err() != nil {
				return
			}
			if err := f.fetchSegment(ctx, seg.URL, filepath.Join(outDir, seg.LocalName)); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "segment %s", seg.LocalName)
				}
				mu.Unlock()
			}
		})
	}
	pool.Wait()

	if firstErr != nil {
		return firstErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	playlistPath := filepath.Join(outDir, "playlist.m3u8")
	if err := os.WriteFile(playlistPath, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return errors.Wrap(err, "writing playlist")
	}
	return nil
}

// ResolveMedia follows a master playlist to its best rendition and returns
// the media playlist URL. A media playlist is returned unchanged.
func (f *Fetcher) ResolveMedia(ctx context.Context, playlistURL string) (string, error) {
	body, err := f.get(ctx, playlistURL)
	if err != nil {
		return "", errors.Wrap(err, "fetching playlist")
	}
	if !strings.Contains(string(body), "#EXT-X-STREAM-INF") {
		return playlistURL, nil
	}

	base, err := url.Parse(playlistURL)
	if err != nil {
		return "", errors.Wrap(err, "parsing playlist URL")
	}

	var bestURL string
	var bestBandwidth int64
	var pendingBandwidth int64
	scanner := bufio.NewScanner(strings.NewReader(string(body)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			pendingBandwidth = parseBandwidth(line)
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if ref, parseErr := url.Parse(line); parseErr == nil {
			if pendingBandwidth >= bestBandwidth {
				bestBandwidth = pendingBandwidth
				bestURL = base.ResolveReference(ref).String()
			}
		}
		pendingBandwidth = 0
	}
	if bestURL == "" {
		return "", errors.New("master playlist has no renditions")
	}
	return bestURL, nil
}

func parseBandwidth(line string) int64 {
	for _, attr := range strings.Split(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"), ",") {
		if strings.HasPrefix(attr, "BANDWIDTH=") {
			if v, err := strconv.ParseInt(strings.TrimPrefix(attr, "BANDWIDTH="), 10, 64); err == nil {
				return v
			}
		}
	}
	return 0
}

// Segment pairs a remote segment URL with its local file name.
type Segment struct {
	URL       string
	LocalName string
}

// ParsePlaylist resolves every non-tag line of a media playlist against its
// base URL and returns the rewritten playlist lines alongside the segment
// list. Master playlists with nested renditions are rejected.
func ParsePlaylist(playlistURL, body string) (lines []string, segments []Segment, err error) {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing playlist URL")
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	seen := make(map[string]bool)
	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF") {
			return nil, nil, errors.New("master playlist given, expected a media playlist")
		}
		if strings.HasPrefix(line, "#") {
			lines = append(lines, line)
			continue
		}

		ref, parseErr := url.Parse(line)
		if parseErr != nil {
			return nil, nil, errors.Wrapf(parseErr, "bad segment reference %q", line)
		}
		resolved := base.ResolveReference(ref)

		// Segments in different remote directories can share a basename;
		// a duplicate would silently overwrite the earlier download.
		local := path.Base(resolved.Path)
		if local == "" || local == "." || local == "/" || seen[local] {
			local = fmt.Sprintf("segment_%03d.ts", index)
			for seen[local] {
				index++
				local = fmt.Sprintf("segment_%03d.ts", index)
			}
		}
		seen[local] = true
		segments = append(segments, Segment{URL: resolved.String(), LocalName: local})
		lines = append(lines, local)
		index++
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, nil, errors.Wrap(scanErr, "reading playlist")
	}
	return lines, segments, nil
}

// fetchSegment retries with a progressively longer wait between attempts.
func (f *Fetcher) fetchSegment(ctx context.Context, segURL, destPath string) error {
	var lastErr error
	for attempt := 1; attempt <= segmentRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = f.download(ctx, segURL, destPath); lastErr == nil {
			return nil
		}
		util.Debugf("segment attempt %d/%d failed: %v", attempt, segmentRetries, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return lastErr
}

func (f *Fetcher) download(ctx context.Context, rawURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(destPath)
		return err
	}
	return out.Close()
}

// get fetches a small resource fully into memory.
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("bad status: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
