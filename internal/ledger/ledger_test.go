package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burakelmali/anisync/internal/models"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordUpsertLastWins(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 1, Destination: "bunny",
		Title: "Naruto - Episode 1", Outcome: models.OutcomeFailed, Err: "download failed",
	}))

	ok, err := l.HasSucceeded("naruto", 1, "bunny")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 1, Destination: "bunny",
		Title: "Naruto - Episode 1", Outcome: models.OutcomeSuccess, Ref: "guid-1",
	}))

	ok, err = l.HasSucceeded("naruto", 1, "bunny")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := l.Lookup("naruto", 1, "bunny")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "guid-1", rec.Ref)
	assert.Empty(t, rec.Err, "the failed attempt must be fully overwritten")
}

func TestRecordKeepsRefOnSkipRerun(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 1, Destination: "bunny",
		Title: "Naruto - Episode 1", Outcome: models.OutcomeSuccess, Ref: "guid-1",
	}))

	// A rerun skips off the ledger and records without a ref.
	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 1, Destination: "bunny",
		Title: "Naruto - Episode 1", Outcome: models.OutcomeSkipped,
	}))

	rec, err := l.Lookup("naruto", 1, "bunny")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeSkipped, rec.Outcome)
	assert.Equal(t, "guid-1", rec.Ref, "skip must not erase the upload reference")
}

func TestDestinationsAreIndependent(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 1, Destination: "bunny",
		Outcome: models.OutcomeSuccess, Ref: "guid-1",
	}))

	ok, err := l.HasSucceeded("naruto", 1, "b2")
	require.NoError(t, err)
	assert.False(t, ok, "success on one destination must not mark another")
}

func TestSkippedCountsAsSucceeded(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 2, Destination: "bunny",
		Outcome: models.OutcomeSkipped, Ref: "guid-2",
	}))

	ok, err := l.HasSucceeded("naruto", 2, "bunny")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSummary(t *testing.T) {
	l := openTestLedger(t)

	records := []models.TransferRecord{
		{Series: "naruto", Episode: 1, Destination: "bunny", Outcome: models.OutcomeSuccess},
		{Series: "naruto", Episode: 2, Destination: "bunny", Outcome: models.OutcomeSkipped},
		{Series: "naruto", Episode: 3, Destination: "bunny", Outcome: models.OutcomeFailed, Err: "boom"},
		{Series: "naruto", Episode: 1, Destination: "b2", Outcome: models.OutcomeSuccess},
	}
	for _, rec := range records {
		require.NoError(t, l.Record(rec))
	}

	stats, err := l.Summary("bunny")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStats{Total: 3, Success: 1, Failed: 1, Skipped: 1}, stats)
}

func TestFlatLogs(t *testing.T) {
	dir := t.TempDir()
	successPath := filepath.Join(dir, "uploaded.txt")
	errorPath := filepath.Join(dir, "errors.txt")

	l := openTestLedger(t).WithFlatLogs(successPath, errorPath)

	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 1, Destination: "bunny",
		Title: "Naruto - Episode 1", Outcome: models.OutcomeSuccess, Ref: "guid-1",
	}))
	require.NoError(t, l.Record(models.TransferRecord{
		Series: "naruto", Episode: 2, Destination: "bunny",
		Title: "Naruto - Episode 2", Outcome: models.OutcomeFailed, Err: "download failed",
	}))

	success, err := os.ReadFile(successPath)
	require.NoError(t, err)
	assert.Equal(t, "naruto|1|Naruto - Episode 1|guid-1", strings.TrimSpace(string(success)))

	errLog, err := os.ReadFile(errorPath)
	require.NoError(t, err)
	assert.Equal(t, "naruto|2|Naruto - Episode 2|download failed", strings.TrimSpace(string(errLog)))
}
