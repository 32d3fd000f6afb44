package catalog

import (
	"database/sql"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// GCCommit reconciles the catalog after physically deleting a set of part
// files (spec §4.5/C.2, grounded on gc_commit): delete their part rows,
// recompute total_rows for every touched subset from the live parts that
// remain, then delete any marked-deleted subset whose recomputed
// total_rows is zero. Held under a dataset-wide lease by the caller, and
// scoped by dsUUID throughout: subset_uuid alone is only unique within one
// dataset (a forked dataset can share subset_uuids with its origin), so an
// unscoped sweep could recompute or delete the wrong dataset's subset row.
func (c *Catalog) GCCommit(dsUUID string, deletedPartUUIDs []string, touchedSubsetUUIDs []string) error {
	return c.withImmediateTxn(func(tx *sql.Tx) error {
		for _, pu := range deletedPartUUIDs {
			if _, err := tx.Exec(`DELETE FROM parts WHERE dataset_uuid = ? AND part_uuid = ?`, dsUUID, pu); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to delete part row %q", pu)
			}
		}
		seen := map[string]bool{}
		touched := make([]string, 0, len(touchedSubsetUUIDs))
		for _, su := range touchedSubsetUUIDs {
			if !seen[su] {
				seen[su] = true
				touched = append(touched, su)
			}
		}
		for _, su := range touched {
			var total sql.NullInt64
			if err := tx.QueryRow(
				`SELECT COALESCE(SUM(n_rows), 0) FROM parts WHERE dataset_uuid = ? AND subset_uuid = ? AND marked_deleted = 0`, dsUUID, su,
			).Scan(&total); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to recompute total_rows for subset %q", su)
			}
			if _, err := tx.Exec(
				`UPDATE subsets SET total_rows = ? WHERE dataset_uuid = ? AND subset_uuid = ?`, total.Int64, dsUUID, su,
			); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to persist total_rows for subset %q", su)
			}
			if total.Int64 == 0 {
				var markedDeleted bool
				if err := tx.QueryRow(
					`SELECT marked_deleted FROM subsets WHERE dataset_uuid = ? AND subset_uuid = ?`, dsUUID, su,
				).Scan(&markedDeleted); err != nil {
					return derrors.Wrap(derrors.IOFault, err, "failed to read marked_deleted for subset %q", su)
				}
				if markedDeleted {
					if _, err := tx.Exec(
						`DELETE FROM subset_keys WHERE dataset_uuid = ? AND subset_uuid = ?`, dsUUID, su,
					); err != nil {
						return derrors.Wrap(derrors.IOFault, err, "failed to delete subset_keys for subset %q", su)
					}
					if _, err := tx.Exec(
						`DELETE FROM subsets WHERE dataset_uuid = ? AND subset_uuid = ?`, dsUUID, su,
					); err != nil {
						return derrors.Wrap(derrors.IOFault, err, "failed to delete subset %q", su)
					}
				}
			}
		}
		return nil
	})
}

// SubsetsMarkedForDeletion lists subset UUIDs in a dataset currently
// marked deleted, the candidate set a GC sweep acts on.
func (c *Catalog) SubsetsMarkedForDeletion(dsUUID string) ([]string, error) {
	rows, err := c.db.Query(`SELECT subset_uuid FROM subsets WHERE dataset_uuid = ? AND marked_deleted = 1`, dsUUID)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to list marked subsets for dataset %q", dsUUID)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var su string
		if err := rows.Scan(&su); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan subset row")
		}
		out = append(out, su)
	}
	return out, rows.Err()
}
