package uploader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/config"
	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/util"
)

// ErrWaitTimeout is returned when a video does not finish processing
// within the polling window.
var ErrWaitTimeout = errors.New("timed out waiting for video processing")

const (
	bunnyBaseURL = "https://video.bunnycdn.com"
	bunnyTusURL  = "https://video.bunnycdn.com/tusupload"

	collectionsPerPage = 100
	videosPerPage      = 100

	tusChunkSize = 16 * 1024 * 1024
)

// Bunny Stream video status codes.
const (
	VideoStatusQueued     = 0
	VideoStatusProcessing = 1
	VideoStatusEncoding   = 2
	VideoStatusFinished   = 3
	VideoStatusError      = 4
	VideoStatusDeleted    = 5
)

// BunnyClient talks to the Bunny Stream management API for one library.
type BunnyClient struct {
	apiKey    string
	libraryID string
	baseURL   string
	http      *http.Client
	// upload uses a client without the short request timeout.
	uploadHTTP *http.Client

	// pollInterval and waitTimeout bound WaitForProcessing.
	pollInterval time.Duration
	waitTimeout  time.Duration
}

// NewBunnyClient creates a client for the configured library.
func NewBunnyClient(cfg config.Bunny) *BunnyClient {
	return &BunnyClient{
		apiKey:    cfg.APIKey,
		libraryID: cfg.LibraryID,
		baseURL:   bunnyBaseURL,
		http:      util.GetSharedClient(),
		uploadHTTP: &http.Client{
			Transport: util.SafeTransport(10 * time.Minute),
		},
		pollInterval: 10 * time.Second,
		waitTimeout:  30 * time.Minute,
	}
}

func (b *BunnyClient) Name() string { return "bunny" }

func (b *BunnyClient) libraryURL(parts ...string) string {
	u := fmt.Sprintf("%s/library/%s", b.baseURL, b.libraryID)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

type bunnyCollection struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

type bunnyVideo struct {
	GUID   string `json:"guid"`
	Title  string `json:"title"`
	Status int    `json:"status"`
}

type pagedResponse[T any] struct {
	TotalItems   int `json:"totalItems"`
	CurrentPage  int `json:"currentPage"`
	ItemsPerPage int `json:"itemsPerPage"`
	Items        []T `json:"items"`
}

// EnsureCollection returns the collection with an exact name match,
// creating it only when no page of the listing contains one.
func (b *BunnyClient) EnsureCollection(ctx context.Context, name string) (models.Collection, error) {
	for page := 1; ; page++ {
		var resp pagedResponse[bunnyCollection]
		q := url.Values{
			"page":         {strconv.Itoa(page)},
			"itemsPerPage": {strconv.Itoa(collectionsPerPage)},
		}
		if err := b.getJSON(ctx, b.libraryURL("collections")+"?"+q.Encode(), &resp); err != nil {
			return models.Collection{}, errors.Wrap(err, "listing collections")
		}
		for _, c := range resp.Items {
			if c.Name == name {
				return models.Collection{Name: name, ID: c.GUID}, nil
			}
		}
		if page*collectionsPerPage >= resp.TotalItems || len(resp.Items) == 0 {
			break
		}
	}

	var created bunnyCollection
	if err := b.postJSON(ctx, b.libraryURL("collections"), map[string]string{"name": name}, &created); err != nil {
		return models.Collection{}, errors.Wrap(err, "creating collection")
	}
	util.Infof("created collection %q (%s)", name, created.GUID)
	return models.Collection{Name: name, ID: created.GUID}, nil
}

// Exists probes the library for a video with the exact title inside the
// collection. The search parameter narrows the listing server-side; the
// title comparison stays exact on our side.
func (b *BunnyClient) Exists(ctx context.Context, collection models.Collection, title string) (string, bool, error) {
	video, err := b.findVideoByTitle(ctx, collection.ID, title)
	if err != nil {
		return "", false, err
	}
	if video == nil {
		return "", false, nil
	}
	return video.GUID, true, nil
}

func (b *BunnyClient) findVideoByTitle(ctx context.Context, collectionID, title string) (*bunnyVideo, error) {
	for page := 1; ; page++ {
		var resp pagedResponse[bunnyVideo]
		q := url.Values{
			"page":         {strconv.Itoa(page)},
			"itemsPerPage": {strconv.Itoa(videosPerPage)},
			"search":       {title},
		}
		if collectionID != "" {
			q.Set("collection", collectionID)
		}
		if err := b.getJSON(ctx, b.libraryURL("videos")+"?"+q.Encode(), &resp); err != nil {
			return nil, errors.Wrap(err, "listing videos")
		}
		for i := range resp.Items {
			if resp.Items[i].Title == title && resp.Items[i].Status != VideoStatusDeleted {
				return &resp.Items[i], nil
			}
		}
		if page*videosPerPage >= resp.TotalItems || len(resp.Items) == 0 {
			return nil, nil
		}
	}
}

// Video is one library entry, as exposed to migration and catalog sync.
type Video struct {
	GUID   string
	Title  string
	Status int
}

// ListCollections returns every collection in the library.
func (b *BunnyClient) ListCollections(ctx context.Context) ([]models.Collection, error) {
	var out []models.Collection
	for page := 1; ; page++ {
		var resp pagedResponse[bunnyCollection]
		q := url.Values{
			"page":         {strconv.Itoa(page)},
			"itemsPerPage": {strconv.Itoa(collectionsPerPage)},
		}
		if err := b.getJSON(ctx, b.libraryURL("collections")+"?"+q.Encode(), &resp); err != nil {
			return nil, errors.Wrap(err, "listing collections")
		}
		for _, c := range resp.Items {
			out = append(out, models.Collection{Name: c.Name, ID: c.GUID})
		}
		if page*collectionsPerPage >= resp.TotalItems || len(resp.Items) == 0 {
			return out, nil
		}
	}
}

// ListVideos returns every non-deleted video, optionally scoped to one
// collection.
func (b *BunnyClient) ListVideos(ctx context.Context, collectionID string) ([]Video, error) {
	var out []Video
	for page := 1; ; page++ {
		var resp pagedResponse[bunnyVideo]
		q := url.Values{
			"page":         {strconv.Itoa(page)},
			"itemsPerPage": {strconv.Itoa(videosPerPage)},
		}
		if collectionID != "" {
			q.Set("collection", collectionID)
		}
		if err := b.getJSON(ctx, b.libraryURL("videos")+"?"+q.Encode(), &resp); err != nil {
			return nil, errors.Wrap(err, "listing videos")
		}
		for _, v := range resp.Items {
			if v.Status == VideoStatusDeleted {
				continue
			}
			out = append(out, Video{GUID: v.GUID, Title: v.Title, Status: v.Status})
		}
		if page*videosPerPage >= resp.TotalItems || len(resp.Items) == 0 {
			return out, nil
		}
	}
}

// Upload pushes the payload into the collection. A usable SourceURL goes
// through server-side fetch; local files fall through a resumable upload,
// then a streamed PUT, then a buffered PUT.
func (b *BunnyClient) Upload(ctx context.Context, collection models.Collection, title string, payload Payload) (string, error) {
	if payload.SourceURL != "" {
		guid, err := b.fetchFromURL(ctx, collection.ID, title, payload.SourceURL)
		if err == nil {
			return guid, nil
		}
		util.Warnf("server-side fetch failed, uploading locally: %v", err)
	}

	if payload.FilePath == "" {
		return "", errors.New("no local file to upload")
	}

	guid, err := b.CreateVideo(ctx, collection.ID, title)
	if err != nil {
		return "", err
	}

	if err := b.uploadTus(ctx, guid, title, payload.FilePath); err == nil {
		return guid, nil
	} else {
		util.Warnf("resumable upload failed, trying streamed PUT: %v", err)
	}

	if err := b.uploadStreamed(ctx, guid, payload.FilePath); err == nil {
		return guid, nil
	} else {
		util.Warnf("streamed upload failed, trying buffered PUT: %v", err)
	}

	if err := b.uploadBuffered(ctx, guid, payload.FilePath); err != nil {
		// Leave no orphaned empty video behind.
		if delErr := b.DeleteVideo(ctx, guid); delErr != nil {
			util.Warnf("failed to delete empty video %s: %v", guid, delErr)
		}
		return "", errors.Wrap(err, "all upload paths failed")
	}
	return guid, nil
}

// CreateVideo registers an empty video slot and returns its GUID.
func (b *BunnyClient) CreateVideo(ctx context.Context, collectionID, title string) (string, error) {
	body := map[string]string{"title": title}
	if collectionID != "" {
		body["collectionId"] = collectionID
	}
	var created bunnyVideo
	if err := b.postJSON(ctx, b.libraryURL("videos"), body, &created); err != nil {
		return "", errors.Wrap(err, "creating video")
	}
	return created.GUID, nil
}

// fetchFromURL asks Bunny to pull the video itself, then resolves the GUID
// of the created entry. The fetch endpoint does not return the video
// object, so the title listing is the lookup.
func (b *BunnyClient) fetchFromURL(ctx context.Context, collectionID, title, sourceURL string) (string, error) {
	body := map[string]string{"url": sourceURL, "title": title}
	if collectionID != "" {
		body["collectionId"] = collectionID
	}
	if err := b.postJSON(ctx, b.libraryURL("videos", "fetch"), body, nil); err != nil {
		return "", errors.Wrap(err, "requesting fetch")
	}

	// The entry appears in the listing shortly after the fetch is
	// accepted, but the fetch endpoint drops collectionId, so the lookup
	// scans the whole library and the entry is moved afterwards.
	var guid string
	for attempt := 0; attempt < 10; attempt++ {
		video, err := b.findVideoByTitle(ctx, "", title)
		if err != nil {
			return "", err
		}
		if video != nil {
			guid = video.GUID
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	if guid == "" {
		return "", errors.New("fetched video never appeared in the listing")
	}
	if collectionID != "" {
		if err := b.MoveToCollection(ctx, guid, collectionID); err != nil {
			return "", errors.Wrap(err, "assigning collection")
		}
	}
	return guid, nil
}

// WaitForProcessing polls until the video reaches the finished state.
// Status error or deleted fails immediately.
func (b *BunnyClient) WaitForProcessing(ctx context.Context, guid string) error {
	deadline := time.Now().Add(b.waitTimeout)
	for {
		var video bunnyVideo
		if err := b.getJSON(ctx, b.libraryURL("videos", guid), &video); err != nil {
			return errors.Wrap(err, "polling video status")
		}
		switch video.Status {
		case VideoStatusFinished:
			return nil
		case VideoStatusError:
			return errors.Errorf("video %s failed processing", guid)
		case VideoStatusDeleted:
			return errors.Errorf("video %s was deleted during processing", guid)
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrWaitTimeout, "video %s still in status %d", guid, video.Status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.pollInterval):
		}
	}
}

// MoveToCollection reassigns an existing video.
func (b *BunnyClient) MoveToCollection(ctx context.Context, guid, collectionID string) error {
	body := map[string]string{"collectionId": collectionID}
	if err := b.postJSON(ctx, b.libraryURL("videos", guid), body, nil); err != nil {
		return errors.Wrap(err, "moving video")
	}
	return nil
}

// DeleteVideo removes a video from the library.
func (b *BunnyClient) DeleteVideo(ctx context.Context, guid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.libraryURL("videos", guid), nil)
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", b.apiKey)
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.Errorf("delete failed: %s", resp.Status)
	}
	return nil
}

// PlaylistURL builds the HLS playlist address served by the library CDN.
func PlaylistURL(cdnHostname, guid string) string {
	return fmt.Sprintf("https://%s/%s/playlist.m3u8", cdnHostname, guid)
}

// uploadTus performs a resumable upload through the dedicated endpoint,
// sending the file in fixed-size chunks so an interrupted transfer can
// resume from the last acknowledged offset.
func (b *BunnyClient) uploadTus(ctx context.Context, guid, title, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	expire := time.Now().Add(6 * time.Hour).Unix()
	sig := sha256.Sum256([]byte(b.libraryID + b.apiKey + strconv.FormatInt(expire, 10) + guid))

	create, err := http.NewRequestWithContext(ctx, http.MethodPost, bunnyTusURL, nil)
	if err != nil {
		return err
	}
	create.Header.Set("Tus-Resumable", "1.0.0")
	create.Header.Set("Upload-Length", strconv.FormatInt(stat.Size(), 10))
	create.Header.Set("Upload-Metadata",
		"filetype "+base64.StdEncoding.EncodeToString([]byte("video/mp4"))+
			",title "+base64.StdEncoding.EncodeToString([]byte(title)))
	create.Header.Set("AuthorizationSignature", hex.EncodeToString(sig[:]))
	create.Header.Set("AuthorizationExpire", strconv.FormatInt(expire, 10))
	create.Header.Set("VideoId", guid)
	create.Header.Set("LibraryId", b.libraryID)

	resp, err := b.uploadHTTP.Do(create)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return errors.Errorf("resumable session rejected: %s", resp.Status)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return errors.New("resumable session has no location")
	}

	var offset int64
	buf := make([]byte, tusChunkSize)
	for offset < stat.Size() {
		n, readErr := io.ReadFull(file, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return readErr
		}
		if n == 0 {
			break
		}

		patch, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(buf[:n]))
		if err != nil {
			return err
		}
		patch.Header.Set("Tus-Resumable", "1.0.0")
		patch.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))
		patch.Header.Set("Content-Type", "application/offset+octet-stream")
		patch.ContentLength = int64(n)

		chunkResp, err := b.uploadHTTP.Do(patch)
		if err != nil {
			return err
		}
		_ = chunkResp.Body.Close()
		if chunkResp.StatusCode != http.StatusNoContent {
			return errors.Errorf("chunk at offset %d rejected: %s", offset, chunkResp.Status)
		}
		offset += int64(n)
	}
	return nil
}

// uploadStreamed PUTs the file body without buffering it in memory.
func (b *BunnyClient) uploadStreamed(ctx context.Context, guid, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.libraryURL("videos", guid), file)
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", b.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = stat.Size()

	resp, err := b.uploadHTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.Errorf("upload rejected: %s", resp.Status)
	}
	return nil
}

// uploadBuffered is the last resort: the whole file in one buffered PUT.
func (b *BunnyClient) uploadBuffered(ctx context.Context, guid, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.libraryURL("videos", guid), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", b.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := b.uploadHTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return errors.Errorf("upload rejected: %s", resp.Status)
	}
	return nil
}

func (b *BunnyClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", b.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s for %s", resp.Status, rawURL)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (b *BunnyClient) postJSON(ctx context.Context, rawURL string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("AccessKey", b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return errors.Errorf("unexpected status %s for %s", resp.Status, rawURL)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
