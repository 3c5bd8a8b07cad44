// Package resolver looks up episodes and playable sources through the
// local aggregation API. The scraping machinery behind that API (headless
// browser, anti-bot handling) is an external collaborator; this package
// only speaks JSON to it.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/util"
)

var (
	// ErrNotFound is returned when the series or episode index does not exist.
	ErrNotFound = errors.New("series or episode not found")

	// ErrNoPlayableSource is returned when no source candidate decodes.
	ErrNoPlayableSource = errors.New("no playable source found")
)

// Episode is one entry of a series' episode list.
type Episode struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Slug   string `json:"slug"`
}

// Series holds the episode index of one series.
type Series struct {
	Slug     string    `json:"slug"`
	Title    string    `json:"title"`
	Episodes []Episode `json:"episodes"`
}

// Client queries the aggregation API.
type Client struct {
	baseURL      string
	http         *http.Client
	cache        *util.ResponseCache
	preferFansub string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithPreferredFansub sets the fansub used as tie-breaker between sources
// of equal resolution.
func WithPreferredFansub(fansub string) Option {
	return func(c *Client) { c.preferFansub = fansub }
}

// New creates a resolver client for the given aggregation API base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    util.GetFastClient(),
		cache:   util.NewResponseCache(5*time.Minute, 100),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Series fetches the episode index of a series. Responses are cached for a
// few minutes since a batch run hits the same series once per episode.
func (c *Client) Series(ctx context.Context, slug string) (*Series, error) {
	endpoint := fmt.Sprintf("%s/api/anime/%s", c.baseURL, url.PathEscape(slug))

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var series Series
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, errors.Wrap(err, "decoding series response")
	}
	if series.Slug == "" && len(series.Episodes) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "series %q", slug)
	}
	return &series, nil
}

// Resolve looks up one episode of a series and selects the best playable
// source: highest resolution first, preferred fansub as tie-breaker.
func (c *Client) Resolve(ctx context.Context, slug string, episode, season int) (*models.MediaItem, error) {
	series, err := c.Series(ctx, slug)
	if err != nil {
		return nil, err
	}

	if episode < 1 || episode > len(series.Episodes) {
		return nil, errors.Wrapf(ErrNotFound, "episode %d of %q (%d available)", episode, slug, len(series.Episodes))
	}
	ep := series.Episodes[episode-1]

	sources, err := c.episodeSources(ctx, ep.Slug)
	if err != nil {
		return nil, err
	}

	best := pickBest(sources, c.preferFansub)
	if best == nil {
		return nil, errors.Wrapf(ErrNoPlayableSource, "episode %d of %q", episode, slug)
	}

	util.Debugf("resolved %s episode %d: %s (%dp, %s)", slug, episode, best.Label, best.Height, best.Fansub)

	return &models.MediaItem{
		Series:  slug,
		Episode: episode,
		Season:  season,
		Title:   ep.Title,
		Source:  *best,
	}, nil
}

func (c *Client) episodeSources(ctx context.Context, episodeSlug string) ([]models.MediaSource, error) {
	endpoint := fmt.Sprintf("%s/api/episode/%s/sources", c.baseURL, url.PathEscape(episodeSlug))

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Sources []models.MediaSource `json:"sources"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Wrap(err, "decoding sources response")
	}
	return payload.Sources, nil
}

// pickBest ranks candidates by resolution, preferring the requested fansub
// among equal resolutions. Candidates without a URL never win.
func pickBest(sources []models.MediaSource, preferFansub string) *models.MediaSource {
	var best *models.MediaSource
	for i := range sources {
		s := &sources[i]
		if s.URL == "" {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		switch {
		case s.Height > best.Height:
			best = s
		case s.Height == best.Height && preferFansub != "" &&
			s.Fansub == preferFansub && best.Fansub != preferFansub:
			best = s
		}
	}
	return best
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	if cached, ok := c.cache.Get(endpoint); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", endpoint)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			util.Warnf("failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "GET %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("GET %s: HTTP %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	c.cache.Set(endpoint, body)
	return body, nil
}
