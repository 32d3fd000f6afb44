package staging

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// ClaimedRow is one staging row handed to a caller under a claim token.
type ClaimedRow struct {
	ID      int64
	NRows   int
	Payload []byte
}

// scanWindowMultiplier bounds how many unclaimed rows we look at before
// giving up on filling one part — small staging rows (or a long run of
// zero-row garbage) should not force an unbounded table scan.
const scanWindowMultiplier = 8

// SelectAndClaimPrefix claims the oldest contiguous run of unclaimed rows
// for subsetUUID whose row counts sum to at least partRows, tagging them
// with token so a crashed claimant's rows can later be identified and
// reclaimed (spec §4.6, grounded on select_and_claim_prefix).
//
// Three cases, in order:
//   - the oldest unclaimed row alone already meets or exceeds partRows: it
//     is claimed standalone (an oversize single row is never split or
//     combined with others).
//   - a prefix of rows sums to at least partRows: the whole prefix is
//     claimed together.
//   - no prefix reaches partRows (staging is thin): any leading zero-row
//     entries are garbage-collected and nothing is claimed.
func (q *Queue) SelectAndClaimPrefix(subsetUUID string, partRows int, token string) ([]ClaimedRow, error) {
	if partRows <= 0 {
		return nil, derrors.New(derrors.InvalidKeyValue, "partRows must be positive, got %d", partRows)
	}

	var claimed []ClaimedRow
	err := q.withImmediateTxn(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT id, n_rows, payload FROM staging_rows
			 WHERE subset_uuid = ? AND claimed_by IS NULL
			 ORDER BY id LIMIT ?`,
			subsetUUID, partRows*scanWindowMultiplier,
		)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to scan unclaimed staging rows for subset %q", subsetUUID)
		}
		type candidate struct {
			id      int64
			nRows   int
			payload []byte
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.nRows, &c.payload); err != nil {
				rows.Close()
				return derrors.Wrap(derrors.IOFault, err, "failed to scan staging row")
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(candidates) == 0 {
			return nil
		}

		var pick []candidate
		if candidates[0].nRows >= partRows {
			pick = candidates[:1]
		} else {
			total := 0
			for _, c := range candidates {
				if total >= partRows {
					break
				}
				pick = append(pick, c)
				total += c.nRows
			}
			if total < partRows {
				// Staging is too thin to fill one part. Garbage-collect any
				// leading zero-row entries so they don't keep blocking the
				// window on the next attempt, and claim nothing.
				var gcIDs []int64
				for _, c := range candidates {
					if c.nRows == 0 {
						gcIDs = append(gcIDs, c.id)
						continue
					}
					break
				}
				if len(gcIDs) > 0 {
					if err := deleteByIDs(tx, gcIDs); err != nil {
						return err
					}
				}
				return nil
			}
		}

		ids := make([]int64, len(pick))
		for i, c := range pick {
			ids[i] = c.id
		}
		placeholders := make([]string, len(ids))
		args := make([]any, 0, len(ids)+2)
		args = append(args, token, nowEpochMicros())
		for i, id := range ids {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query := fmt.Sprintf(
			`UPDATE staging_rows SET claimed_by = ?, claimed_at = ?
			 WHERE claimed_by IS NULL AND id IN (%s)`,
			strings.Join(placeholders, ","),
		)
		res, err := tx.Exec(query, args...)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to claim staging rows for subset %q", subsetUUID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to read claim row count")
		}
		if affected != int64(len(ids)) {
			// A concurrent claimant raced us between the select and the
			// update; fail the whole attempt rather than hand back a
			// partial, under-sized prefix.
			return derrors.New(derrors.Busy, "lost race claiming staging rows for subset %q", subsetUUID)
		}

		claimedRows, err := tx.Query(
			`SELECT id, n_rows, payload FROM staging_rows WHERE claimed_by = ? ORDER BY id`,
			token,
		)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to re-select claimed staging rows")
		}
		defer claimedRows.Close()
		for claimedRows.Next() {
			var cr ClaimedRow
			if err := claimedRows.Scan(&cr.ID, &cr.NRows, &cr.Payload); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to scan claimed staging row")
			}
			claimed = append(claimed, cr)
		}
		return claimedRows.Err()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func deleteByIDs(tx *sql.Tx, ids []int64) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := tx.Exec(
		fmt.Sprintf("DELETE FROM staging_rows WHERE id IN (%s)", strings.Join(placeholders, ",")),
		args...,
	)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to garbage-collect zero-row staging entries")
	}
	return nil
}

// Unclaim releases every row claimed under token back to the unclaimed
// pool, e.g. after a claimant fails to publish the part it built from them.
func (q *Queue) Unclaim(token string) error {
	return q.withImmediateTxn(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE staging_rows SET claimed_by = NULL, claimed_at = NULL WHERE claimed_by = ?`, token)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to unclaim staging rows for token %q", token)
		}
		return nil
	})
}

// DeleteClaimed permanently removes every row claimed under token, once
// its contents have been durably published into a part.
func (q *Queue) DeleteClaimed(token string) error {
	return q.withImmediateTxn(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM staging_rows WHERE claimed_by = ?`, token)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to delete claimed staging rows for token %q", token)
		}
		return nil
	})
}
