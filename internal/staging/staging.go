// Package staging implements StagingQueue (spec §4.6): a durable, crash-safe
// row buffer that IngestCoordinator drains in claimed prefixes to build
// full-sized parts, grounded on ingest_core.py's Stager.
package staging

import (
	"database/sql"
	_ "embed"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/DanJSal/datamgr/internal/derrors"
)

//go:embed schema.sql
var schemaSQL string

// Queue is the durable staging row buffer for one dataset's ingest path.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the staging database at path. durable
// selects FULL vs NORMAL synchronous mode — staging rows are the only
// record of not-yet-sealed data, so callers that cannot tolerate losing an
// uncommitted buffer on power loss should open with durable=true.
func Open(path string, durable bool) (*Queue, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to open staging database at %q", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to connect to staging database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	sync := "NORMAL"
	if durable {
		sync = "FULL"
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = " + sync,
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to execute %q", p)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to apply staging schema")
	}
	return &Queue{db: db}, nil
}

// Close closes the staging database.
func (q *Queue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

var retryableSubstrings = []string{
	"database is locked",
	"database schema is locked",
	"database table is locked",
	"database is busy",
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (q *Queue) withImmediateTxn(fn func(*sql.Tx) error) error {
	const maxAttempts = 5
	backoff := 20 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := q.db.Begin()
		if err != nil {
			lastErr = err
			if isRetryable(err) {
				jitter := time.Duration(rand.Int63n(int64(backoff)))
				time.Sleep(backoff + jitter)
				backoff *= 2
				continue
			}
			return derrors.Wrap(derrors.Busy, err, "failed to begin immediate transaction")
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isRetryable(err) {
				lastErr = err
				jitter := time.Duration(rand.Int63n(int64(backoff)))
				time.Sleep(backoff + jitter)
				backoff *= 2
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			if isRetryable(err) {
				jitter := time.Duration(rand.Int63n(int64(backoff)))
				time.Sleep(backoff + jitter)
				backoff *= 2
				continue
			}
			return derrors.Wrap(derrors.Busy, err, "failed to commit transaction")
		}
		return nil
	}
	return derrors.Wrap(derrors.Busy, lastErr, "transaction did not succeed after retries")
}

func nowEpochMicros() int64 { return time.Now().UnixMicro() }

// Enqueue durably appends one framed row-batch payload for a subset.
func (q *Queue) Enqueue(subsetUUID string, nRows int, payload []byte) error {
	return q.withImmediateTxn(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO staging_rows (subset_uuid, n_rows, created_at_epoch, payload) VALUES (?, ?, ?, ?)`,
			subsetUUID, nRows, nowEpochMicros(), payload,
		)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to enqueue staging row for subset %q", subsetUUID)
		}
		return nil
	})
}

// ReclaimStale clears claim ownership on rows claimed longer ago than
// staleAfter, so a crashed writer's claim does not strand its rows forever
// (spec §5/C, grounded on reclaim_stale).
func (q *Queue) ReclaimStale(staleAfter time.Duration) error {
	cutoff := nowEpochMicros() - staleAfter.Microseconds()
	return q.withImmediateTxn(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE staging_rows SET claimed_by = NULL, claimed_at = NULL
			 WHERE claimed_by IS NOT NULL AND claimed_at <= ?`, cutoff,
		)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to reclaim stale staging claims")
		}
		return nil
	})
}

// HotSubsets lists up to limit subset UUIDs with unclaimed staging rows,
// ordered by the age of their oldest row (spec §4.6/§4.7 writer loop input).
func (q *Queue) HotSubsets(limit int) ([]string, error) {
	rows, err := q.db.Query(
		`SELECT subset_uuid FROM staging_rows WHERE claimed_by IS NULL
		 GROUP BY subset_uuid ORDER BY MIN(id) LIMIT ?`, limit,
	)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to list hot subsets")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var su string
		if err := rows.Scan(&su); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan hot subset row")
		}
		out = append(out, su)
	}
	return out, rows.Err()
}

// Checkpoint truncates the WAL file — a periodic maintenance op, not on
// the hot ingest path.
func (q *Queue) Checkpoint() error {
	_, err := q.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
