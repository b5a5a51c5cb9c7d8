// Package monitoring - tracker.go records per-request telemetry to SQLite.
//
// DESIGN: One row per completed request; writes happen on the request
// goroutine after the response is finished, so a slow disk never delays a
// client. Disabled entirely when no db_path is configured.
package monitoring

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id          TEXT NOT NULL,
    ts          INTEGER NOT NULL,
    method      TEXT NOT NULL,
    path        TEXT NOT NULL,
    status      INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    streaming   TEXT NOT NULL,
    identity    INTEGER NOT NULL,
    outcome     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
`

// RequestRecord is one completed request.
type RequestRecord struct {
	RequestID     string
	Timestamp     time.Time
	Method        string
	Path          string
	Status        int
	Duration      time.Duration
	StreamingMode string
	IdentityIndex int
	Outcome       string
}

// Tracker persists request records.
type Tracker struct {
	mu sync.Mutex
	db *sql.DB
}

// NewTracker opens (and migrates) the telemetry database. An empty path
// returns a disabled tracker.
func NewTracker(dbPath string) (*Tracker, error) {
	t := &Tracker{}
	if dbPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("monitoring: creating db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("monitoring: opening %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("monitoring: migrating schema: %w", err)
	}
	t.db = db
	return t, nil
}

// Record appends one request row. Failures are logged, never surfaced.
func (t *Tracker) Record(rec RequestRecord) {
	if t.db == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.db.Exec(
		`INSERT INTO requests (id, ts, method, path, status, duration_ms, streaming, identity, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Timestamp.Unix(), rec.Method, rec.Path, rec.Status,
		rec.Duration.Milliseconds(), rec.StreamingMode, rec.IdentityIndex, rec.Outcome,
	)
	if err != nil {
		log.Warn().Err(err).Str("request_id", rec.RequestID).Msg("telemetry insert failed")
	}
}

// Close shuts the database down.
func (t *Tracker) Close() {
	if t.db != nil {
		_ = t.db.Close()
	}
}
