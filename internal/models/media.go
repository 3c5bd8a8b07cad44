// Package models contains the data structures shared across the transfer
// pipeline.
package models

import (
	"fmt"
	"time"
)

// MediaSource is one playable candidate for an episode, as returned by the
// aggregation API.
type MediaSource struct {
	URL     string            `json:"url"`
	Label   string            `json:"label"`
	Height  int               `json:"height"`
	Fansub  string            `json:"fansub"`
	Headers map[string]string `json:"headers,omitempty"`
}

// MediaItem identifies one transferable unit. Immutable once resolved.
type MediaItem struct {
	Series  string
	Episode int
	Season  int
	Title   string
	Source  MediaSource
}

// Key returns the ledger key for this item.
func (m MediaItem) Key() string {
	return fmt.Sprintf("%s|%d", m.Series, m.Episode)
}

// DisplayTitle is the destination-side video title, matching the
// "<series title> - <episode title>" convention.
func (m MediaItem) DisplayTitle(seriesTitle string) string {
	return fmt.Sprintf("%s - %s", seriesTitle, m.Title)
}

// Outcome classifies the result of one transfer attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// TransferRecord is one row per attempted transfer. The ledger keeps the
// last record per (key, destination) as authoritative.
type TransferRecord struct {
	Series      string
	Episode     int
	Title       string
	Destination string
	Outcome     Outcome
	Ref         string // destination id or URL, empty on failure
	Err         string // error text, empty on success
	Timestamp   time.Time
}

// Key returns the media item key of the record.
func (r TransferRecord) Key() string {
	return fmt.Sprintf("%s|%d", r.Series, r.Episode)
}

// Collection is a destination-side named grouping of uploaded videos,
// e.g. one Bunny collection or object-key prefix per season.
type Collection struct {
	Name string
	ID   string
}

// BatchStats accumulates counters for one batch run.
type BatchStats struct {
	Total   int
	Success int
	Failed  int
	Skipped int
}
