// Package pipeline drives one media item through resolve, stage, encode,
// upload and verify, and runs batches of items with strict isolation: a
// failed item records its error and the batch moves on.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/encoder"
	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/stager"
	"github.com/burakelmali/anisync/internal/uploader"
	"github.com/burakelmali/anisync/internal/util"
)

// Resolver turns a series slug and episode number into a playable item.
type Resolver interface {
	Resolve(ctx context.Context, slug string, episode, season int) (*models.MediaItem, error)
}

// Stager materializes a remote URL locally.
type Stager interface {
	Stage(ctx context.Context, rawURL, destPath string, headers map[string]string, progress stager.ProgressFunc) (*stager.StagedFile, error)
}

// Encoder transcodes a staged file into HLS.
type Encoder interface {
	EncodeHLS(ctx context.Context, inputPath, outDir string) (*encoder.Result, error)
	Thumbnail(ctx context.Context, inputPath, outPath string) error
}

// Recorder persists transfer outcomes.
type Recorder interface {
	Record(rec models.TransferRecord) error
	HasSucceeded(series string, episode int, destination string) (bool, error)
}

// Options tunes a batch run.
type Options struct {
	// SeriesTitle is the human title used for display names and the
	// collection; empty falls back to the slug.
	SeriesTitle string

	// Season selects the collection name suffix; episode numbers are
	// passed through to the resolver unchanged.
	Season int

	// Encode transcodes to HLS locally before upload instead of sending
	// the staged file as is.
	Encode bool

	// AllowRemoteFetch lets the destination pull the source URL itself,
	// skipping local staging when it succeeds.
	AllowRemoteFetch bool

	// Delay is the fixed sleep between batch items.
	Delay time.Duration

	// WorkDir hosts per-item staging directories.
	WorkDir string
}

// Driver wires the stages together.
type Driver struct {
	resolver Resolver
	stager   Stager
	encoder  Encoder
	dest     uploader.Destination
	ledger   Recorder
}

// New creates a Driver. The encoder may be nil when Options.Encode is
// never set.
func New(r Resolver, s Stager, e Encoder, d uploader.Destination, l Recorder) *Driver {
	return &Driver{resolver: r, stager: s, encoder: e, dest: d, ledger: l}
}

// RunBatch transfers episodes first..last of the series, one at a time.
// Cancellation stops before the next item; the summary always prints.
func (d *Driver) RunBatch(ctx context.Context, slug string, first, last int, opts Options) (models.BatchStats, error) {
	var stats models.BatchStats
	start := time.Now()

	for ep := first; ep <= last; ep++ {
		if err := ctx.Err(); err != nil {
			util.Warnf("batch interrupted before episode %d", ep)
			d.printSummary(slug, stats, time.Since(start))
			return stats, err
		}

		stats.Total++
		outcome := d.RunOne(ctx, slug, ep, opts)
		switch outcome {
		case models.OutcomeSuccess:
			stats.Success++
		case models.OutcomeSkipped:
			stats.Skipped++
		default:
			stats.Failed++
		}

		if ep < last && opts.Delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(opts.Delay):
			}
		}
	}

	d.printSummary(slug, stats, time.Since(start))
	return stats, nil
}

// RunOne transfers a single episode and records its outcome. It never
// returns an error; failures become a failed ledger row so the caller's
// loop stays untouched.
func (d *Driver) RunOne(ctx context.Context, slug string, episode int, opts Options) models.Outcome {
	rec := models.TransferRecord{
		Series:      slug,
		Episode:     episode,
		Destination: d.dest.Name(),
	}

	outcome, ref, err := d.transfer(ctx, slug, episode, opts, &rec)
	rec.Outcome = outcome
	rec.Ref = ref
	if err != nil {
		rec.Err = err.Error()
		util.Error("episode failed", "episode", episode, "err", err)
	}

	if recordErr := d.ledger.Record(rec); recordErr != nil {
		util.Errorf("failed to record outcome for episode %d: %v", episode, recordErr)
	}
	return outcome
}

func (d *Driver) transfer(ctx context.Context, slug string, episode int, opts Options, rec *models.TransferRecord) (models.Outcome, string, error) {
	// Resolving.
	item, err := d.resolver.Resolve(ctx, slug, episode, opts.Season)
	if err != nil {
		return models.OutcomeFailed, "", errors.Wrap(err, "resolving")
	}
	util.Debug("resolved", "key", item.Key(), "height", item.Source.Height, "fansub", item.Source.Fansub)

	seriesTitle := opts.SeriesTitle
	if seriesTitle == "" {
		seriesTitle = slug
	}
	title := item.DisplayTitle(seriesTitle)
	rec.Title = title

	collection, err := d.dest.EnsureCollection(ctx, collectionName(seriesTitle, opts.Season))
	if err != nil {
		return models.OutcomeFailed, "", errors.Wrap(err, "ensuring collection")
	}

	// Idempotency probe: ledger first, then the destination itself,
	// covering media uploaded outside this ledger.
	done, err := d.ledger.HasSucceeded(slug, episode, d.dest.Name())
	if err != nil {
		return models.OutcomeFailed, "", errors.Wrap(err, "checking ledger")
	}
	if !done {
		var ok bool
		var ref string
		if ref, ok, err = d.dest.Exists(ctx, collection, title); err != nil {
			return models.OutcomeFailed, "", errors.Wrap(err, "probing destination")
		} else if ok {
			util.Infof("already present, skipping: %s", title)
			return models.OutcomeSkipped, ref, nil
		}
	} else {
		util.Infof("ledger says done, skipping: %s", title)
		return models.OutcomeSkipped, "", nil
	}

	payload := uploader.Payload{}
	if opts.AllowRemoteFetch && !opts.Encode {
		payload.SourceURL = item.Source.URL
		payload.SourceHeaders = item.Source.Headers
	}

	// Staging. Remote fetch still stages as insurance against a failed
	// server-side pull unless encoding is off and fetch is the only plan.
	workDir, err := os.MkdirTemp(opts.WorkDir, "anisync-")
	if err != nil {
		return models.OutcomeFailed, "", errors.Wrap(err, "creating work directory")
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			util.Warnf("failed to clean work directory: %v", err)
		}
	}()

	needLocal := opts.Encode || payload.SourceURL == ""
	if needLocal {
		progress := stager.NewProgressModel(title)
		stop := stager.RunProgress(progress)
		staged, stageErr := d.stager.Stage(ctx, item.Source.URL,
			filepath.Join(workDir, "episode.mp4"), item.Source.Headers, progress.Update)
		stop()
		if stageErr != nil {
			return models.OutcomeFailed, "", errors.Wrap(stageErr, "staging")
		}
		payload.FilePath = staged.Path
	}

	// Encoding.
	if opts.Encode {
		if d.encoder == nil {
			return models.OutcomeFailed, "", errors.New("encoding requested but no encoder configured")
		}
		res, encErr := d.encoder.EncodeHLS(ctx, payload.FilePath, filepath.Join(workDir, "hls"))
		if encErr != nil {
			return models.OutcomeFailed, "", errors.Wrap(encErr, "encoding")
		}
		util.Debugf("encoded with %s", res.Profile)

		thumbPath := filepath.Join(workDir, "thumbnail.jpg")
		if thumbErr := d.encoder.Thumbnail(ctx, payload.FilePath, thumbPath); thumbErr != nil {
			util.Warn("thumbnail extraction failed", "err", thumbErr)
		} else {
			payload.ThumbnailPath = thumbPath
		}
		payload.HLSDir = res.Dir
		payload.FilePath = ""
	}

	// Uploading.
	ref, err := d.dest.Upload(ctx, collection, title, payload)
	if err != nil {
		return models.OutcomeFailed, "", errors.Wrap(err, "uploading")
	}

	// Verifying: the destination must now report the title present.
	if _, ok, verifyErr := d.dest.Exists(ctx, collection, title); verifyErr != nil {
		util.Warnf("verification probe failed: %v", verifyErr)
	} else if !ok {
		return models.OutcomeFailed, "", errors.New("uploaded media did not appear at the destination")
	}

	util.Infof("done: %s -> %s", title, ref)
	return models.OutcomeSuccess, ref, nil
}

func (d *Driver) printSummary(slug string, stats models.BatchStats, elapsed time.Duration) {
	fmt.Println(util.RenderTitle(fmt.Sprintf(" %s -> %s ", slug, d.dest.Name())))
	fmt.Printf("  total: %d  success: %d  skipped: %d  failed: %d  (%s)\n",
		stats.Total, stats.Success, stats.Skipped, stats.Failed, elapsed.Round(time.Second))
	if stats.Failed > 0 {
		fmt.Println(util.RenderWarning("some episodes failed, rerun to retry them"))
	} else if stats.Total > 0 {
		fmt.Println(util.RenderSuccess("batch complete"))
	}
}

// collectionName builds the destination grouping name, appending the
// season when one is selected.
func collectionName(seriesTitle string, season int) string {
	if season > 0 {
		return fmt.Sprintf("%s Season %d", seriesTitle, season)
	}
	return seriesTitle
}
