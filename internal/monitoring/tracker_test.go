package monitoring

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerPersistsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry", "requests.db")
	tr, err := NewTracker(path)
	require.NoError(t, err)
	defer tr.Close()

	tr.Record(RequestRecord{
		RequestID:     "r1",
		Timestamp:     time.Now(),
		Method:        "POST",
		Path:          "/v1/chat/completions",
		Status:        200,
		Duration:      120 * time.Millisecond,
		StreamingMode: "real",
		IdentityIndex: 0,
		Outcome:       OutcomeSuccess,
	})
	tr.Record(RequestRecord{RequestID: "r2", Timestamp: time.Now(), Outcome: OutcomeUpstream})

	var count int
	require.NoError(t, tr.db.QueryRow(`SELECT COUNT(*) FROM requests`).Scan(&count))
	assert.Equal(t, 2, count)

	var outcome string
	var durationMs int64
	require.NoError(t, tr.db.QueryRow(
		`SELECT outcome, duration_ms FROM requests WHERE id = ?`, "r1").Scan(&outcome, &durationMs))
	assert.Equal(t, OutcomeSuccess, outcome)
	assert.EqualValues(t, 120, durationMs)
}

func TestTrackerDisabledWithoutPath(t *testing.T) {
	tr, err := NewTracker("")
	require.NoError(t, err)
	defer tr.Close()

	// No-ops, no panic.
	tr.Record(RequestRecord{RequestID: "r1"})
}
