package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/util"
)

// CatalogEntry is one series of the upstream catalog.
type CatalogEntry struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type catalogPage struct {
	Results    []CatalogEntry `json:"results"`
	Total      int            `json:"total"`
	TotalPages int            `json:"totalPages"`
}

// ListCatalog fetches the full series catalog. The first page establishes
// the page count; remaining pages are fetched by a bounded worker pool and
// merged after a join barrier. The result is sorted by slug and written
// wholesale to snapshotPath when non-empty.
func (c *Client) ListCatalog(ctx context.Context, workers int, snapshotPath string) ([]CatalogEntry, error) {
	if workers < 1 {
		workers = 1
	}

	first, err := c.catalogPage(ctx, 1)
	if err != nil {
		return nil, errors.Wrap(err, "fetching catalog page 1")
	}

	pages := make([][]CatalogEntry, first.TotalPages)
	pages[0] = first.Results

	var mu sync.Mutex
	var firstErr error

	pool := util.NewWorkerPool(workers)
	for page := 2; page <= first.TotalPages; page++ {
		page := page
		pool.Submit(func() {
			p, err := c.catalogPage(ctx, page)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrapf(err, "fetching catalog page %d", page)
				}
				return
			}
			pages[page-1] = p.Results
		})
	}
	pool.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	// Merge with dict-keyed dedup; upstream occasionally repeats entries
	// across page boundaries.
	seen := make(map[string]CatalogEntry, first.Total)
	for _, p := range pages {
		for _, e := range p {
			seen[e.Slug] = e
		}
	}

	entries := make([]CatalogEntry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })

	if snapshotPath != "" {
		if err := writeSnapshot(snapshotPath, entries); err != nil {
			util.Warnf("failed to write catalog snapshot: %v", err)
		}
	}

	return entries, nil
}

func (c *Client) catalogPage(ctx context.Context, page int) (*catalogPage, error) {
	endpoint := fmt.Sprintf("%s/api/anime?page=%d&perPage=250", c.baseURL, page)

	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var p catalogPage
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.Wrap(err, "decoding catalog page")
	}
	if p.TotalPages < 1 {
		p.TotalPages = 1
	}
	return &p, nil
}

// writeSnapshot rewrites the catalog snapshot wholesale on each run.
func writeSnapshot(path string, entries []CatalogEntry) error {
	payload := struct {
		Results []CatalogEntry `json:"results"`
		Total   int            `json:"total"`
	}{Results: entries, Total: len(entries)}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
