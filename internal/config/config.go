// Package config builds the process-wide configuration once at startup.
// Credentials are never read from the environment mid-pipeline; everything
// the stages need travels inside Config.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/util"
)

// Bunny holds Bunny Stream API settings.
type Bunny struct {
	APIKey      string
	LibraryID   string
	CDNHostname string
}

// S3Target holds credentials for one S3-compatible object store
// (Backblaze B2 or Cloudflare R2).
type S3Target struct {
	Endpoint  string
	KeyID     string
	AppKey    string
	Bucket    string
	PublicURL string
}

// Resolver holds the aggregation API address.
type Resolver struct {
	BaseURL      string
	PreferFansub string
	CatalogSnap  string
	ListWorkers  int
}

// Config is the full process configuration, constructed once by Load and
// passed down explicitly.
type Config struct {
	Bunny    Bunny
	B2       S3Target
	R2       S3Target
	Resolver Resolver

	// InterItemDelay is the fixed sleep between batch items, respecting
	// upstream rate limits.
	InterItemDelay time.Duration

	// WorkDir is where temp staging directories are created.
	WorkDir string

	// LedgerPath is the SQLite transfer ledger location.
	LedgerPath string
}

// Load reads .env (when present) and the environment, and validates that
// the selected pieces are usable. Missing optional backends are tolerated;
// the uploader constructor rejects an unconfigured target.
func Load() (*Config, error) {
	// A missing .env is fine; deployments may rely on real env vars.
	if err := godotenv.Load(); err != nil {
		util.Debugf("no .env file loaded: %v", err)
	}

	cfg := &Config{
		Bunny: Bunny{
			APIKey:      firstEnv("BUNNY_STREAM_API_KEY", "VITE_BUNNY_STREAM_API_KEY"),
			LibraryID:   firstEnv("BUNNY_LIBRARY_ID", "VITE_BUNNY_LIBRARY_ID"),
			CDNHostname: firstEnv("BUNNY_CDN_HOSTNAME", "VITE_BUNNY_CDN_HOSTNAME"),
		},
		B2: S3Target{
			Endpoint:  envOr("B2_S3_ENDPOINT", "https://s3.us-west-003.backblazeb2.com"),
			KeyID:     firstEnv("B2_KEY_ID", "VITE_B2_KEY_ID"),
			AppKey:    firstEnv("B2_APPLICATION_KEY", "VITE_B2_APPLICATION_KEY"),
			Bucket:    firstEnv("B2_BUCKET_NAME", "VITE_B2_BUCKET_NAME"),
			PublicURL: firstEnv("B2_CDN_URL", "VITE_CDN_URL"),
		},
		R2: S3Target{
			Endpoint:  r2Endpoint(os.Getenv("R2_ACCOUNT_ID")),
			KeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AppKey:    os.Getenv("R2_SECRET_ACCESS_KEY"),
			Bucket:    os.Getenv("R2_BUCKET_NAME"),
			PublicURL: os.Getenv("R2_PUBLIC_URL"),
		},
		Resolver: Resolver{
			BaseURL:     envOr("ANIME_API_URL", "http://localhost:3000"),
			CatalogSnap: envOr("CATALOG_SNAPSHOT", "anime_catalog.json"),
			ListWorkers: 5,
		},
		InterItemDelay: 2 * time.Second,
		WorkDir:        os.TempDir(),
		LedgerPath:     envOr("LEDGER_PATH", "transfer_ledger.db"),
	}

	return cfg, nil
}

// ValidateBunny returns an error when the Bunny credentials are unusable.
func (c *Config) ValidateBunny() error {
	if c.Bunny.APIKey == "" || c.Bunny.LibraryID == "" {
		return errors.New("bunny credentials missing: set BUNNY_STREAM_API_KEY and BUNNY_LIBRARY_ID")
	}
	return nil
}

// ValidateS3 returns an error when the named object-store target is not
// fully configured.
func (c *Config) ValidateS3(target S3Target, name string) error {
	if target.KeyID == "" || target.AppKey == "" || target.Bucket == "" {
		return errors.Errorf("%s credentials missing: key id, application key and bucket are required", name)
	}
	return nil
}

func r2Endpoint(accountID string) string {
	if accountID == "" {
		return ""
	}
	return "https://" + accountID + ".r2.cloudflarestorage.com"
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
