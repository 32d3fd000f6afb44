// Package catalog implements Catalog (spec §4.5): the relational store of
// datasets, subsets, parts and their lifecycle, backed by SQLite in
// write-ahead-log mode with a single-writer connection pool.
package catalog

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/singleflight"

	"github.com/DanJSal/datamgr/internal/derrors"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Catalog is the durable, SQL-backed dataset/subset/part registry.
type Catalog struct {
	db *sql.DB
	// sf collapses concurrent in-process EnsureDataset/GetOrCreateSubset
	// calls for the same key onto one winner, so a burst of goroutines
	// racing to register the same new dataset or subset only pays for one
	// transaction instead of N-1 wasted retries against SQLITE_BUSY.
	sf singleflight.Group
}

// Open opens (creating if needed) the catalog database at path, applying
// pragmas and schema migrations. Idempotent — safe to call repeatedly.
func Open(path string) (*Catalog, error) {
	// _txlock=immediate makes every db.Begin() issue a SQLite BEGIN
	// IMMEDIATE under the hood, so ordinary *sql.Tx usage already gets
	// the write-intent locking db_txn_immediate relies on.
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to open catalog database at %q", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to connect to catalog database")
	}
	// SQLite tolerates only one writer; a single connection avoids
	// SQLITE_BUSY storms under our own retry loop below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to execute %q", p)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to apply catalog schema")
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to read schema user_version")
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to set schema user_version")
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// DB returns the underlying *sql.DB for callers that need direct queries
// (e.g. the merge/query surfaces).
func (c *Catalog) DB() *sql.DB { return c.db }

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

// withImmediateTxn runs fn inside a BEGIN IMMEDIATE transaction (see the
// _txlock=immediate DSN option set in Open), retrying with bounded
// exponential backoff on SQLITE_BUSY-family errors (spec §5, grounded on
// db_txn_immediate).
func (c *Catalog) withImmediateTxn(fn func(*sql.Tx) error) error {
	const maxAttempts = 5
	backoff := 20 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := c.db.Begin()
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

func logSlow(op string, start time.Time) {
	if d := time.Since(start); d > 500*time.Millisecond {
		slog.Warn("slow catalog operation", "op", op, "duration", d)
	}
}
