// Package catalog rebuilds the content catalog from what is actually
// hosted on Bunny Stream, grouping collections named "<Name> Season <N>"
// back into per-series entries.
package catalog

import (
	"context"
	"encoding/json"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/uploader"
	"github.com/burakelmali/anisync/internal/util"
)

// Lister is the read side of the Bunny Stream library.
type Lister interface {
	ListCollections(ctx context.Context) ([]models.Collection, error)
	ListVideos(ctx context.Context, collectionID string) ([]uploader.Video, error)
}

// EpisodeEntry is one playable episode in the synced catalog.
type EpisodeEntry struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	GUID        string `json:"guid"`
	PlaylistURL string `json:"playlistUrl"`
}

// SeasonEntry groups the episodes of one collection.
type SeasonEntry struct {
	Season       int            `json:"season"`
	CollectionID string         `json:"collectionId"`
	Episodes     []EpisodeEntry `json:"episodes"`
}

// AnimeEntry is one series with all its hosted seasons.
type AnimeEntry struct {
	Name    string        `json:"name"`
	Seasons []SeasonEntry `json:"seasons"`
}

var (
	seasonRe  = regexp.MustCompile(`^(.+?) Season (\d+)$`)
	episodeRe = regexp.MustCompile(`Episode (\d+)`)
)

// SyncFromBunny lists every collection and its finished videos, groups
// them into series entries and writes the result to outPath as JSON. The
// entries are also returned for callers that render them directly.
func SyncFromBunny(ctx context.Context, src Lister, cdnHostname, outPath string) ([]AnimeEntry, error) {
	collections, err := src.ListCollections(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing collections")
	}

	bySeries := map[string][]SeasonEntry{}
	for _, col := range collections {
		name, season := splitSeason(col.Name)

		videos, err := src.ListVideos(ctx, col.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "listing videos of %q", col.Name)
		}

		entry := SeasonEntry{Season: season, CollectionID: col.ID}
		for _, v := range videos {
			if v.Status != uploader.VideoStatusFinished {
				continue
			}
			entry.Episodes = append(entry.Episodes, EpisodeEntry{
				Number:      episodeNumber(v.Title),
				Title:       v.Title,
				GUID:        v.GUID,
				PlaylistURL: uploader.PlaylistURL(cdnHostname, v.GUID),
			})
		}
		sort.Slice(entry.Episodes, func(i, j int) bool {
			return entry.Episodes[i].Number < entry.Episodes[j].Number
		})
		bySeries[name] = append(bySeries[name], entry)
	}

	entries := make([]AnimeEntry, 0, len(bySeries))
	for name, seasons := range bySeries {
		sort.Slice(seasons, func(i, j int) bool { return seasons[i].Season < seasons[j].Season })
		entries = append(entries, AnimeEntry{Name: name, Seasons: seasons})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if outPath != "" {
		if err := writeCatalog(outPath, entries); err != nil {
			return nil, err
		}
		util.Infof("wrote %d series to %s", len(entries), outPath)
	}
	return entries, nil
}

// splitSeason separates the season suffix from a collection name.
// Collections without the suffix are season 1.
func splitSeason(collectionName string) (string, int) {
	if m := seasonRe.FindStringSubmatch(collectionName); m != nil {
		if season, err := strconv.Atoi(m[2]); err == nil {
			return m[1], season
		}
	}
	return collectionName, 1
}

// episodeNumber pulls the episode number out of a video title.
// Unnumbered titles sort first.
func episodeNumber(title string) int {
	if m := episodeRe.FindStringSubmatch(title); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

func writeCatalog(path string, entries []AnimeEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding catalog")
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return errors.Wrap(err, "writing catalog")
	}
	return nil
}
