package catalog

import (
	"database/sql"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// HasPart reports whether a part with the given (subset_uuid, content_hash)
// already exists in dsUUID — checked before writing a new part file so a
// duplicate batch never touches PartFileStore at all (spec §4.5/§4.3 dedup
// contract). Scoped by dsUUID as well as subsetUUID: subset_uuid alone is
// only unique within one dataset, so an unscoped check could report a false
// positive against a same-subset_uuid part living in a sibling dataset
// (MergeService's fork path) and silently skip a copy that was actually
// needed.
func (c *Catalog) HasPart(dsUUID, subsetUUID, contentHash string) (bool, error) {
	var existing string
	err := c.db.QueryRow(
		`SELECT part_uuid FROM parts WHERE dataset_uuid = ? AND subset_uuid = ? AND content_hash = ? AND marked_deleted = 0`,
		dsUUID, subsetUUID, contentHash,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, derrors.Wrap(derrors.IOFault, err, "failed to check for existing part")
	}
	return true, nil
}

// InsertPart records a freshly published part file and atomically bumps
// its subset's total_rows (spec §4.5, grounded on publish_part's
// insert-with-fallback-to-existing pattern). If a concurrent writer won
// the race for the same (subset_uuid, content_hash), the already-recorded
// part is returned instead and total_rows is left untouched.
func (c *Catalog) InsertPart(dsUUID, subsetUUID, partUUID, relPath, contentHash string, nRows int) (insertedPartUUID string, err error) {
	err = c.withImmediateTxn(func(tx *sql.Tx) error {
		var existing string
		scanErr := tx.QueryRow(
			`SELECT part_uuid FROM parts WHERE dataset_uuid = ? AND subset_uuid = ? AND content_hash = ?`,
			dsUUID, subsetUUID, contentHash,
		).Scan(&existing)
		if scanErr == nil {
			insertedPartUUID = existing
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return derrors.Wrap(derrors.IOFault, scanErr, "failed to check for existing part")
		}
		if _, err := tx.Exec(
			`INSERT INTO parts (part_uuid, dataset_uuid, subset_uuid, rel_path, content_hash, n_rows, created_at_epoch, marked_deleted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			partUUID, dsUUID, subsetUUID, relPath, contentHash, nRows, nowEpochMicros(),
		); err != nil {
			return derrors.Wrap(derrors.ContentHashMismatch, err, "failed to insert part %q", partUUID)
		}
		if _, err := tx.Exec(
			`UPDATE subsets SET total_rows = total_rows + ? WHERE dataset_uuid = ? AND subset_uuid = ?`,
			nRows, dsUUID, subsetUUID,
		); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to update total_rows for subset %q", subsetUUID)
		}
		insertedPartUUID = partUUID
		return nil
	})
	return insertedPartUUID, err
}

// PartInfo describes one live part row.
type PartInfo struct {
	PartUUID    string
	SubsetUUID  string
	RelPath     string
	ContentHash string
	NRows       int
}

// PartsForSubset lists the live (not marked-deleted) parts of a subset.
func (c *Catalog) PartsForSubset(subsetUUID string) ([]PartInfo, error) {
	rows, err := c.db.Query(
		`SELECT part_uuid, subset_uuid, rel_path, content_hash, n_rows FROM parts
		 WHERE subset_uuid = ? AND marked_deleted = 0`, subsetUUID,
	)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to list parts for subset %q", subsetUUID)
	}
	defer rows.Close()
	var out []PartInfo
	for rows.Next() {
		var p PartInfo
		if err := rows.Scan(&p.PartUUID, &p.SubsetUUID, &p.RelPath, &p.ContentHash, &p.NRows); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan part row")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
