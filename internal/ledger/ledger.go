// Package ledger records transfer outcomes in SQLite so reruns can skip
// work that already succeeded. One row per (series, episode, destination);
// later attempts overwrite earlier ones.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/burakelmali/anisync/internal/models"
	"github.com/burakelmali/anisync/internal/util"
)

// Ledger is the transfer outcome store.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex

	// Optional pipe-delimited logs kept alongside the database for
	// operators grepping run history.
	successLog string
	errorLog   string
}

// Open creates or opens the database at path and prepares the schema.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger database")
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS transfers (
			series      TEXT NOT NULL,
			episode     INTEGER NOT NULL,
			destination TEXT NOT NULL,
			title       TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			ref         TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (series, episode, destination)
		)
	`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "creating transfers table")
	}

	return &Ledger{db: db}, nil
}

// WithFlatLogs enables the legacy pipe-delimited success and error logs.
func (l *Ledger) WithFlatLogs(successPath, errorPath string) *Ledger {
	l.successLog = successPath
	l.errorLog = errorPath
	return l
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record upserts the outcome for the record's key. The last write wins,
// except that an empty ref never clobbers a stored one; a skip rerun
// carries no ref but the original upload reference must survive.
func (l *Ledger) Record(rec models.TransferRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO transfers (series, episode, destination, title, outcome, ref, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(series, episode, destination) DO UPDATE SET
			title = excluded.title,
			outcome = excluded.outcome,
			ref = CASE WHEN excluded.ref = '' THEN transfers.ref ELSE excluded.ref END,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, rec.Series, rec.Episode, rec.Destination, rec.Title,
		string(rec.Outcome), rec.Ref, rec.Err, rec.Timestamp)
	if err != nil {
		return errors.Wrap(err, "recording transfer")
	}

	l.appendFlatLog(rec)
	return nil
}

// HasSucceeded reports whether the item already completed against the
// destination. Skipped counts as succeeded; the media is present.
func (l *Ledger) HasSucceeded(series string, episode int, destination string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var outcome string
	err := l.db.QueryRow(`
		SELECT outcome FROM transfers
		WHERE series = ? AND episode = ? AND destination = ?
	`, series, episode, destination).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "querying transfer")
	}
	return outcome == string(models.OutcomeSuccess) || outcome == string(models.OutcomeSkipped), nil
}

// Lookup returns the stored record for the key, if any.
func (l *Ledger) Lookup(series string, episode int, destination string) (*models.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := models.TransferRecord{Series: series, Episode: episode, Destination: destination}
	var outcome string
	err := l.db.QueryRow(`
		SELECT title, outcome, ref, error, updated_at FROM transfers
		WHERE series = ? AND episode = ? AND destination = ?
	`, series, episode, destination).Scan(&rec.Title, &outcome, &rec.Ref, &rec.Err, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying transfer")
	}
	rec.Outcome = models.Outcome(outcome)
	return &rec, nil
}

// Summary counts stored outcomes per destination.
func (l *Ledger) Summary(destination string) (models.BatchStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(`
		SELECT outcome, COUNT(*) FROM transfers
		WHERE destination = ?
		GROUP BY outcome
	`, destination)
	if err != nil {
		return models.BatchStats{}, errors.Wrap(err, "summarizing transfers")
	}
	defer func() { _ = rows.Close() }()

	var stats models.BatchStats
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return models.BatchStats{}, errors.Wrap(err, "scanning summary row")
		}
		stats.Total += count
		switch models.Outcome(outcome) {
		case models.OutcomeSuccess:
			stats.Success += count
		case models.OutcomeFailed:
			stats.Failed += count
		case models.OutcomeSkipped:
			stats.Skipped += count
		}
	}
	return stats, rows.Err()
}

// appendFlatLog mirrors the record into the legacy pipe-delimited logs.
// Failures here are logged and swallowed; the database row is the record
// of truth.
func (l *Ledger) appendFlatLog(rec models.TransferRecord) {
	var path, line string
	switch rec.Outcome {
	case models.OutcomeFailed:
		if l.errorLog == "" {
			return
		}
		path = l.errorLog
		line = fmt.Sprintf("%s|%s|%s\n", rec.Key(), rec.Title, rec.Err)
	default:
		if l.successLog == "" {
			return
		}
		path = l.successLog
		line = fmt.Sprintf("%s|%s|%s\n", rec.Key(), rec.Title, rec.Ref)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		util.Warnf("failed to open %s: %v", path, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(line); err != nil {
		util.Warnf("failed to append to %s: %v", path, err)
	}
}
