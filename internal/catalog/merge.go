package catalog

import (
	"database/sql"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// HasMerged reports whether a (producer_id, bid) pair has already been
// replicated into this catalog (spec §4.7 MergeService, grounded on the
// merge_log idempotency table).
func (c *Catalog) HasMerged(producerID, bid string) (bool, error) {
	var x int
	err := c.db.QueryRow(`SELECT 1 FROM merge_log WHERE producer_id = ? AND bid = ?`, producerID, bid).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, derrors.Wrap(derrors.IOFault, err, "failed to check merge_log for producer %q bid %q", producerID, bid)
	}
	return true, nil
}

// RecordMerge marks a (producer_id, bid) pair as merged. Idempotent: a
// duplicate record is treated as success, matching MergeService's
// invariant that replaying an already-merged batch is a no-op.
func (c *Catalog) RecordMerge(producerID, bid string) error {
	return c.withImmediateTxn(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO merge_log (producer_id, bid, merged_at_epoch) VALUES (?, ?, ?)
			 ON CONFLICT(producer_id, bid) DO NOTHING`,
			producerID, bid, nowEpochMicros(),
		)
		if err != nil {
			return derrors.Wrap(derrors.MergeInvariantViolated, err, "failed to record merge for producer %q bid %q", producerID, bid)
		}
		return nil
	})
}
