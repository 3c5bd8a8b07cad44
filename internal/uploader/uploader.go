// Package uploader pushes finished media to its destination service:
// Bunny Stream or an S3-compatible object store (Backblaze B2,
// Cloudflare R2).
package uploader

import (
	"context"

	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/config"
	"github.com/burakelmali/anisync/internal/models"
)

// Payload is what a transfer hands to a destination. At most one of
// FilePath or HLSDir is set; SourceURL lets the destination pull or
// stream the remote media itself (with SourceHeaders applied), and
// ThumbnailPath rides along when present.
type Payload struct {
	FilePath      string
	HLSDir        string
	SourceURL     string
	SourceHeaders map[string]string
	ThumbnailPath string
}

// Destination is one upload target. Implementations are safe for
// sequential batch use; concurrent probes of the same title may race and
// both upload, which the ledger tolerates.
type Destination interface {
	// Name identifies the destination in logs and ledger rows.
	Name() string

	// EnsureCollection finds or creates the grouping named name and
	// returns it. Finding an existing collection never creates a second
	// one with the same name.
	EnsureCollection(ctx context.Context, name string) (models.Collection, error)

	// Exists probes for a video with the given title inside the
	// collection and returns its destination reference when found.
	Exists(ctx context.Context, collection models.Collection, title string) (ref string, ok bool, err error)

	// Upload pushes the payload and returns the destination reference
	// (video GUID or public URL).
	Upload(ctx context.Context, collection models.Collection, title string, payload Payload) (ref string, err error)
}

// NewDestination builds the destination selected by kind.
func NewDestination(ctx context.Context, cfg *config.Config, kind string) (Destination, error) {
	switch kind {
	case "bunny":
		if err := cfg.ValidateBunny(); err != nil {
			return nil, err
		}
		return NewBunnyClient(cfg.Bunny), nil
	case "b2":
		if err := cfg.ValidateS3(cfg.B2, "b2"); err != nil {
			return nil, err
		}
		return NewObjectStore(ctx, cfg.B2, "b2")
	case "r2":
		if err := cfg.ValidateS3(cfg.R2, "r2"); err != nil {
			return nil, err
		}
		return NewObjectStore(ctx, cfg.R2, "r2")
	default:
		return nil, errors.Errorf("unknown destination %q (want bunny, b2 or r2)", kind)
	}
}
