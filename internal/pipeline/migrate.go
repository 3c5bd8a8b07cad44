package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/uploader"
	"github.com/burakelmali/anisync/internal/util"
)

// BunnySource lists videos already hosted on Bunny Stream.
type BunnySource interface {
	EnsureCollection(ctx context.Context, name string) (models.Collection, error)
	ListVideos(ctx context.Context, collectionID string) ([]uploader.Video, error)
	DeleteVideo(ctx context.Context, guid string) error
}

// HLSFetcher mirrors a remote rendition locally.
type HLSFetcher interface {
	ResolveMedia(ctx context.Context, playlistURL string) (string, error)
	FetchDir(ctx context.Context, playlistURL, outDir string) error
}

// Migrator copies finished videos out of a Bunny Stream collection into an
// S3-compatible bucket, rendition by rendition. Items already present in
// the bucket are skipped; a failed item never aborts the run.
type Migrator struct {
	bunny       BunnySource
	fetcher     HLSFetcher
	store       uploader.Destination
	cdnHostname string
	workDir     string
	delay       time.Duration

	// pruneSource deletes each video from Bunny once its copy is in the
	// bucket.
	pruneSource bool
}

// NewMigrator wires a migration run.
func NewMigrator(bunny BunnySource, fetcher HLSFetcher, store uploader.Destination, cdnHostname, workDir string, delay time.Duration) *Migrator {
	return &Migrator{
		bunny:       bunny,
		fetcher:     fetcher,
		store:       store,
		cdnHostname: cdnHostname,
		workDir:     workDir,
		delay:       delay,
	}
}

// WithPrune enables source deletion after successful migration.
func (m *Migrator) WithPrune() *Migrator {
	m.pruneSource = true
	return m
}

// MigrateCollection moves every finished video of the named collection.
func (m *Migrator) MigrateCollection(ctx context.Context, name string) (models.BatchStats, error) {
	var stats models.BatchStats

	source, err := m.bunny.EnsureCollection(ctx, name)
	if err != nil {
		return stats, errors.Wrap(err, "resolving source collection")
	}
	videos, err := m.bunny.ListVideos(ctx, source.ID)
	if err != nil {
		return stats, errors.Wrap(err, "listing source videos")
	}
	util.Infof("migrating %d videos from collection %q", len(videos), name)

	target, err := m.store.EnsureCollection(ctx, name)
	if err != nil {
		return stats, errors.Wrap(err, "preparing target collection")
	}

	for i, video := range videos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		stats.Total++
		switch outcome, migErr := m.migrateOne(ctx, target, video); outcome {
		case models.OutcomeSuccess:
			stats.Success++
		case models.OutcomeSkipped:
			stats.Skipped++
		default:
			stats.Failed++
			util.Errorf("migration of %q failed: %v", video.Title, migErr)
		}

		if i < len(videos)-1 && m.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.delay):
			}
		}
	}
	return stats, nil
}

func (m *Migrator) migrateOne(ctx context.Context, target models.Collection, video uploader.Video) (models.Outcome, error) {
	if video.Status != uploader.VideoStatusFinished {
		return models.OutcomeSkipped, nil
	}

	if _, ok, err := m.store.Exists(ctx, target, video.Title); err != nil {
		return models.OutcomeFailed, errors.Wrap(err, "probing target")
	} else if ok {
		util.Infof("already migrated, skipping: %s", video.Title)
		return models.OutcomeSkipped, nil
	}

	masterURL := fmt.Sprintf("https://%s/%s/playlist.m3u8", m.cdnHostname, video.GUID)
	mediaURL, err := m.fetcher.ResolveMedia(ctx, masterURL)
	if err != nil {
		return models.OutcomeFailed, errors.Wrap(err, "resolving rendition")
	}

	workDir, err := os.MkdirTemp(m.workDir, "anisync-migrate-")
	if err != nil {
		return models.OutcomeFailed, errors.Wrap(err, "creating work directory")
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			util.Warnf("failed to clean work directory: %v", err)
		}
	}()

	hlsDir := filepath.Join(workDir, "hls")
	if err := m.fetcher.FetchDir(ctx, mediaURL, hlsDir); err != nil {
		return models.OutcomeFailed, errors.Wrap(err, "fetching rendition")
	}

	ref, err := m.store.Upload(ctx, target, video.Title, uploader.Payload{HLSDir: hlsDir})
	if err != nil {
		return models.OutcomeFailed, errors.Wrap(err, "uploading rendition")
	}
	util.Infof("migrated: %s -> %s", video.Title, ref)

	if m.pruneSource {
		if err := m.bunny.DeleteVideo(ctx, video.GUID); err != nil {
			util.Warnf("failed to delete source video %s: %v", video.GUID, err)
		}
	}
	return models.OutcomeSuccess, nil
}
