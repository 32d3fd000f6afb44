package catalog

import (
	"database/sql"
	"encoding/json"

	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/schema"
)

// EnsureDataset idempotently registers a dataset's locked schema document.
// If the dataset already exists, its stored fingerprint must match the
// given document's fingerprint, or SchemaMismatch is returned — a dataset's
// canonical schema is immutable once created (widening happens within the
// existing document, not by replacing it wholesale).
func (c *Catalog) EnsureDataset(dsUUID string, doc *schema.Document) error {
	fp, err := doc.Fingerprint()
	if err != nil {
		return err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to marshal schema document")
	}
	_, err, _ = c.sf.Do("ensure-dataset:"+dsUUID, func() (any, error) {
		return nil, c.withImmediateTxn(func(tx *sql.Tx) error {
			var existingFP string
			err := tx.QueryRow(`SELECT schema_fingerprint FROM datasets WHERE dataset_uuid = ?`, dsUUID).Scan(&existingFP)
			switch {
			case err == sql.ErrNoRows:
				_, err := tx.Exec(
					`INSERT INTO datasets (dataset_uuid, schema_json, schema_fingerprint, encryption_mode, created_at_epoch)
					 VALUES (?, ?, ?, ?, ?)`,
					dsUUID, string(docJSON), fp, doc.Encryption.Mode, nowEpochMicros(),
				)
				if err != nil {
					return derrors.Wrap(derrors.IOFault, err, "failed to insert dataset %q", dsUUID)
				}
				return nil
			case err != nil:
				return derrors.Wrap(derrors.IOFault, err, "failed to look up dataset %q", dsUUID)
			default:
				if existingFP != fp {
					return derrors.New(derrors.SchemaMismatch,
						"dataset %q already exists with a different schema fingerprint", dsUUID).
						WithContext("dataset_uuid", dsUUID)
				}
				return nil
			}
		})
	})
	return err
}

// UpdateDatasetSchema persists a widened schema document for an existing
// dataset (spec §4.2: text widening is the only permitted dtype mutation,
// applied atomically with the batch that triggered it).
func (c *Catalog) UpdateDatasetSchema(dsUUID string, doc *schema.Document) error {
	fp, err := doc.Fingerprint()
	if err != nil {
		return err
	}
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to marshal schema document")
	}
	return c.withImmediateTxn(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE datasets SET schema_json = ?, schema_fingerprint = ? WHERE dataset_uuid = ?`,
			string(docJSON), fp, dsUUID,
		)
		if err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to update dataset %q schema", dsUUID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return derrors.New(derrors.NotFound, "dataset %q not found", dsUUID).WithContext("dataset_uuid", dsUUID)
		}
		return nil
	})
}

// GetDatasetSchema loads the currently persisted schema document for a dataset.
func (c *Catalog) GetDatasetSchema(dsUUID string) (*schema.Document, error) {
	var docJSON string
	err := c.db.QueryRow(`SELECT schema_json FROM datasets WHERE dataset_uuid = ?`, dsUUID).Scan(&docJSON)
	if err == sql.ErrNoRows {
		return nil, derrors.New(derrors.NotFound, "dataset %q not found", dsUUID).WithContext("dataset_uuid", dsUUID)
	}
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to load dataset %q schema", dsUUID)
	}
	var doc schema.Document
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to unmarshal dataset %q schema", dsUUID)
	}
	return &doc, nil
}
