package catalog

import (
	"database/sql"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// GetOrCreateSubset idempotently registers a subset's identity (spec
// §4.5, grounded on get_or_create_subset): it inserts the subset row and
// its expanded identity-key rows if absent, or simply returns the
// existing subset otherwise. subsetUUID and identityJSON are supplied by
// the caller (computed by internal/keys), so this method never recomputes
// identity — it only persists it.
//
// subset_uuid is derived purely from the identity tuple, with no
// dataset_uuid mixed in, so it is only unique within one dataset by
// construction. The lookup and insert below are scoped by (dsUUID,
// subsetUUID) rather than subsetUUID alone, so a forked dataset sharing a
// catalog file with its origin (MergeService's fork path) never mistakes
// the origin's subset for its own, or vice versa.
func (c *Catalog) GetOrCreateSubset(dsUUID, subsetUUID, identityJSON string, keyValues map[string]any) (created bool, err error) {
	v, err, _ := c.sf.Do("get-or-create-subset:"+dsUUID+":"+subsetUUID, func() (any, error) {
		var wasCreated bool
		txErr := c.withImmediateTxn(func(tx *sql.Tx) error {
			var existing string
			scanErr := tx.QueryRow(
				`SELECT subset_uuid FROM subsets WHERE dataset_uuid = ? AND subset_uuid = ?`,
				dsUUID, subsetUUID,
			).Scan(&existing)
			if scanErr == nil {
				wasCreated = false
				return nil
			}
			if scanErr != sql.ErrNoRows {
				return derrors.Wrap(derrors.IOFault, scanErr, "failed to look up subset %q in dataset %q", subsetUUID, dsUUID)
			}
			if _, err := tx.Exec(
				`INSERT INTO subsets (subset_uuid, dataset_uuid, identity_json, total_rows, marked_deleted, created_at_epoch)
				 VALUES (?, ?, ?, 0, 0, ?)`,
				subsetUUID, dsUUID, identityJSON, nowEpochMicros(),
			); err != nil {
				return derrors.Wrap(derrors.IdentityConflict, err, "failed to insert subset %q", subsetUUID).
					WithContext("subset_uuid", subsetUUID)
			}
			for name, kv := range keyValues {
				if err := insertSubsetKey(tx, dsUUID, subsetUUID, name, kv); err != nil {
					return err
				}
			}
			wasCreated = true
			return nil
		})
		return wasCreated, txErr
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func insertSubsetKey(tx *sql.Tx, dsUUID, subsetUUID, name string, v any) error {
	var numVal sql.NullFloat64
	var textVal sql.NullString
	switch val := v.(type) {
	case int64:
		numVal = sql.NullFloat64{Float64: float64(val), Valid: true}
	case float64:
		numVal = sql.NullFloat64{Float64: val, Valid: true}
	case bool:
		b := 0.0
		if val {
			b = 1.0
		}
		numVal = sql.NullFloat64{Float64: b, Valid: true}
	case string:
		textVal = sql.NullString{String: val, Valid: true}
	default:
		return derrors.New(derrors.InvalidKeyValue, "unsupported subset key value type for %q", name)
	}
	_, err := tx.Exec(
		`INSERT INTO subset_keys (dataset_uuid, subset_uuid, key_name, key_value_num, key_value_text) VALUES (?, ?, ?, ?, ?)`,
		dsUUID, subsetUUID, name, numVal, textVal,
	)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to insert subset key %q for subset %q", name, subsetUUID)
	}
	return nil
}

// MarkSubsets soft-deletes the given subset UUIDs (spec §4.5: GC is a
// two-phase mark-then-commit).
func (c *Catalog) MarkSubsets(subsetUUIDs []string) error {
	return c.withImmediateTxn(func(tx *sql.Tx) error {
		for _, su := range subsetUUIDs {
			if _, err := tx.Exec(`UPDATE subsets SET marked_deleted = 1 WHERE subset_uuid = ?`, su); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to mark subset %q deleted", su)
			}
		}
		return nil
	})
}

// MarkParts soft-deletes the given part UUIDs.
func (c *Catalog) MarkParts(partUUIDs []string) error {
	return c.withImmediateTxn(func(tx *sql.Tx) error {
		for _, pu := range partUUIDs {
			if _, err := tx.Exec(`UPDATE parts SET marked_deleted = 1 WHERE part_uuid = ?`, pu); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to mark part %q deleted", pu)
			}
		}
		return nil
	})
}

// SubsetIdentitySnapshot reads back a subset's identity_json and its
// expanded key values, so a caller that holds a (dataset_uuid, subset_uuid)
// pair (e.g. MergeService, replicating a part into a destination catalog)
// can reconstruct enough of GetOrCreateSubset's input to register the same
// subset there. Scoped by dsUUID as well as subsetUUID, since subset_uuid
// alone is only unique within one dataset.
func (c *Catalog) SubsetIdentitySnapshot(dsUUID, subsetUUID string) (identityJSON string, keyValues map[string]any, err error) {
	err = c.db.QueryRow(
		`SELECT identity_json FROM subsets WHERE dataset_uuid = ? AND subset_uuid = ?`, dsUUID, subsetUUID,
	).Scan(&identityJSON)
	if err == sql.ErrNoRows {
		return "", nil, derrors.New(derrors.NotFound, "subset %q not found in dataset %q", subsetUUID, dsUUID)
	}
	if err != nil {
		return "", nil, derrors.Wrap(derrors.IOFault, err, "failed to read identity_json for subset %q", subsetUUID)
	}
	rows, err := c.db.Query(
		`SELECT key_name, key_value_num, key_value_text FROM subset_keys WHERE dataset_uuid = ? AND subset_uuid = ?`,
		dsUUID, subsetUUID,
	)
	if err != nil {
		return "", nil, derrors.Wrap(derrors.IOFault, err, "failed to read subset_keys for subset %q", subsetUUID)
	}
	defer rows.Close()
	keyValues = map[string]any{}
	for rows.Next() {
		var name string
		var num sql.NullFloat64
		var text sql.NullString
		if err := rows.Scan(&name, &num, &text); err != nil {
			return "", nil, derrors.Wrap(derrors.IOFault, err, "failed to scan subset_keys row")
		}
		if text.Valid {
			keyValues[name] = text.String
		} else if num.Valid {
			keyValues[name] = num.Float64
		}
	}
	return identityJSON, keyValues, rows.Err()
}

// SubsetTotalRows returns a subset's recorded total_rows, for test and
// reconciliation assertions (spec §8 total-rows invariant). Scoped by
// dsUUID as well as subsetUUID, since subset_uuid alone is only unique
// within one dataset.
func (c *Catalog) SubsetTotalRows(dsUUID, subsetUUID string) (int64, error) {
	var n int64
	err := c.db.QueryRow(
		`SELECT total_rows FROM subsets WHERE dataset_uuid = ? AND subset_uuid = ?`, dsUUID, subsetUUID,
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, derrors.New(derrors.NotFound, "subset %q not found in dataset %q", subsetUUID, dsUUID)
	}
	if err != nil {
		return 0, derrors.Wrap(derrors.IOFault, err, "failed to read total_rows for subset %q", subsetUUID)
	}
	return n, nil
}
