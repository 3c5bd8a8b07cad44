// anisync transfers anime episodes from an aggregation API to Bunny
// Stream or an S3-compatible bucket, with optional local HLS encoding and
// a SQLite ledger that makes reruns idempotent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh/spinner"

	"github.com/burakelmali/anisync/internal/catalog"
	"github.com/burakelmali/anisync/internal/config"
	"github.com/burakelmali/anisync/internal/encoder"
	"github.com/burakelmali/anisync/internal/hlsfetch"
	"github.com/burakelmali/anisync/internal/ledger"
	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/pipeline"
	"github.com/burakelmali/anisync/internal/resolver"
	"github.com/burakelmali/anisync/internal/stager"
	"github.com/burakelmali/anisync/internal/uploader"
	"github.com/burakelmali/anisync/internal/util"
	"github.com/burakelmali/anisync/internal/version"
)

const (
	successLogPath = "uploaded_videos.txt"
	errorLogPath   = "upload_errors.txt"
)

type cliFlags struct {
	list    bool
	anime   string
	episode int
	start   int
	end     int
	all     bool
	season  int
	fansub  string
	dest    string
	encode  bool
	fetch   bool
	migrate bool
	folder  string
	prune   bool
	sync    bool
	delay   int
	version bool
	debug   bool
}

func parseFlags() *cliFlags {
	f := &cliFlags{}
	flag.BoolVar(&f.list, "list", false, "List every series known to the aggregation API")
	flag.StringVar(&f.anime, "anime", "", "Series slug to transfer")
	flag.IntVar(&f.episode, "episode", 0, "Transfer a single episode and print a JSON result line")
	flag.IntVar(&f.start, "start", 1, "First episode of the batch")
	flag.IntVar(&f.end, "end", 0, "Last episode of the batch (default: same as -start)")
	flag.BoolVar(&f.all, "all", false, "Transfer every episode of the series")
	flag.IntVar(&f.season, "season", 0, "Season number for the collection name")
	flag.StringVar(&f.fansub, "fansub", "", "Preferred fansub group when sources tie on quality")
	flag.StringVar(&f.dest, "dest", "bunny", "Destination: bunny, b2 or r2")
	flag.BoolVar(&f.encode, "encode", false, "Encode to HLS locally before uploading")
	flag.BoolVar(&f.fetch, "fetch", false, "Let the destination pull or stream the source URL itself when possible")
	flag.BoolVar(&f.migrate, "migrate", false, "Migrate a Bunny collection into the object store")
	flag.StringVar(&f.folder, "folder", "", "Collection name for -migrate")
	flag.BoolVar(&f.prune, "prune", false, "Delete each Bunny video after it is migrated")
	flag.BoolVar(&f.sync, "sync", false, "Rebuild the catalog snapshot from Bunny Stream")
	flag.IntVar(&f.delay, "delay", -1, "Seconds to sleep between batch items (default: 2)")
	flag.BoolVar(&f.version, "version", false, "Print the version and exit")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func main() {
	flags := parseFlags()

	if flags.version {
		fmt.Println("anisync", version.Version)
		return
	}

	util.SetDebugMode(flags.debug)
	util.InitLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, flags); err != nil {
		fmt.Println(util.ErrorHandler(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, flags *cliFlags) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flags.fansub != "" {
		cfg.Resolver.PreferFansub = flags.fansub
	}
	if flags.delay >= 0 {
		cfg.InterItemDelay = time.Duration(flags.delay) * time.Second
	}

	switch {
	case flags.list:
		return runList(ctx, cfg)
	case flags.sync:
		return runSync(ctx, cfg)
	case flags.migrate:
		return runMigrate(ctx, cfg, flags)
	default:
		return runTransfer(ctx, cfg, flags)
	}
}

func runList(ctx context.Context, cfg *config.Config) error {
	client := resolver.New(cfg.Resolver.BaseURL)
	entries, err := client.ListCatalog(ctx, cfg.Resolver.ListWorkers, cfg.Resolver.CatalogSnap)
	if err != nil {
		return err
	}
	fmt.Println(util.RenderTitle(fmt.Sprintf(" %d series ", len(entries))))
	for _, e := range entries {
		fmt.Printf("%-40s %s\n", e.Slug, e.Name)
	}
	return nil
}

func runSync(ctx context.Context, cfg *config.Config) error {
	if err := cfg.ValidateBunny(); err != nil {
		return err
	}
	bunny := uploader.NewBunnyClient(cfg.Bunny)
	entries, err := catalog.SyncFromBunny(ctx, bunny, cfg.Bunny.CDNHostname, cfg.Resolver.CatalogSnap)
	if err != nil {
		return err
	}
	fmt.Println(util.RenderSuccess(fmt.Sprintf("synced %d series from bunny", len(entries))))
	return nil
}

func runMigrate(ctx context.Context, cfg *config.Config, flags *cliFlags) error {
	if flags.folder == "" {
		return fmt.Errorf("-migrate needs -folder")
	}
	if err := cfg.ValidateBunny(); err != nil {
		return err
	}
	if flags.dest == "bunny" {
		flags.dest = "b2"
	}
	store, err := uploader.NewDestination(ctx, cfg, flags.dest)
	if err != nil {
		return err
	}

	bunny := uploader.NewBunnyClient(cfg.Bunny)
	m := pipeline.NewMigrator(bunny, hlsfetch.New(nil), store,
		cfg.Bunny.CDNHostname, cfg.WorkDir, cfg.InterItemDelay)
	if flags.prune {
		m.WithPrune()
	}

	stats, err := m.MigrateCollection(ctx, flags.folder)
	printJSONLine(map[string]any{
		"mode":    "migrate",
		"folder":  flags.folder,
		"dest":    flags.dest,
		"total":   stats.Total,
		"success": stats.Success,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
	})
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d videos failed to migrate", stats.Failed, stats.Total)
	}
	return nil
}

func runTransfer(ctx context.Context, cfg *config.Config, flags *cliFlags) error {
	slug := strings.TrimSpace(flags.anime)
	if slug == "" {
		var err error
		if slug, err = util.PromptSeriesSlug(); err != nil {
			return err
		}
	}

	res := resolver.New(cfg.Resolver.BaseURL,
		resolver.WithPreferredFansub(cfg.Resolver.PreferFansub))
	series, err := res.Series(ctx, slug)
	if err != nil {
		return err
	}
	util.Info("series resolved", "title", series.Title, "episodes", len(series.Episodes))

	dest, err := uploader.NewDestination(ctx, cfg, flags.dest)
	if err != nil {
		return err
	}

	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()
	led.WithFlatLogs(successLogPath, errorLogPath)

	driver := pipeline.New(res, stager.New(), encoder.New(), dest, led)
	opts := pipeline.Options{
		SeriesTitle:      series.Title,
		Season:           flags.season,
		Encode:           flags.encode,
		AllowRemoteFetch: flags.fetch,
		Delay:            cfg.InterItemDelay,
		WorkDir:          cfg.WorkDir,
	}

	if flags.episode > 0 {
		return runSingle(ctx, driver, led, dest, flags, opts, slug)
	}

	first, last := flags.start, flags.end
	if flags.all {
		first, last = 1, len(series.Episodes)
	}
	if last == 0 {
		last = first
	}
	if first < 1 || last < first || last > len(series.Episodes) {
		return fmt.Errorf("episode range %d-%d is out of bounds (series has %d episodes)",
			first, last, len(series.Episodes))
	}

	stats, err := driver.RunBatch(ctx, slug, first, last, opts)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d episodes failed", stats.Failed, stats.Total)
	}
	return nil
}

// runSingle transfers one episode and emits a machine-readable result
// line, for operators scripting around the binary.
func runSingle(ctx context.Context, driver *pipeline.Driver, led *ledger.Ledger, dest uploader.Destination, flags *cliFlags, opts pipeline.Options, slug string) error {
	outcome := driver.RunOne(ctx, slug, flags.episode, opts)

	if outcome == models.OutcomeSuccess && flags.dest == "bunny" && flags.fetch {
		if err := waitForBunny(ctx, led, dest, slug, flags.episode); err != nil {
			util.Warnf("processing wait ended early: %v", err)
		}
	}

	rec, err := led.Lookup(slug, flags.episode, dest.Name())
	if err != nil {
		return err
	}

	line := map[string]any{
		"series":  slug,
		"episode": flags.episode,
		"outcome": string(outcome),
	}
	if rec != nil {
		if rec.Ref != "" {
			line["ref"] = rec.Ref
		}
		if rec.Err != "" {
			line["error"] = rec.Err
		}
	}
	printJSONLine(line)

	if outcome == models.OutcomeFailed {
		return fmt.Errorf("episode %d failed", flags.episode)
	}
	return nil
}

// waitForBunny blocks until the fetched video finishes processing,
// showing a spinner on interactive terminals.
func waitForBunny(ctx context.Context, led *ledger.Ledger, dest uploader.Destination, slug string, episode int) error {
	bunny, ok := dest.(*uploader.BunnyClient)
	if !ok {
		return nil
	}
	rec, err := led.Lookup(slug, episode, dest.Name())
	if err != nil || rec == nil || rec.Ref == "" {
		return err
	}

	var waitErr error
	spinErr := spinner.New().
		Title("waiting for bunny to process the video...").
		Action(func() {
			waitErr = bunny.WaitForProcessing(ctx, rec.Ref)
		}).
		Run()
	if spinErr != nil {
		// No terminal; wait without the spinner.
		waitErr = bunny.WaitForProcessing(ctx, rec.Ref)
	}
	return waitErr
}

func printJSONLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		util.Errorf("failed to encode result: %v", err)
		return
	}
	fmt.Println(string(data))
}
