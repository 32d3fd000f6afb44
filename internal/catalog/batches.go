package catalog

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// PartInput is one part's full record, written inside a CommitBatch
// transaction (spec §3 Part columns, §4.7 IngestCoordinator seal step).
type PartInput struct {
	PartUUID      string
	SubsetUUID    string
	RelPath       string
	ContentHash   string
	NRows         int
	ProducerID    string
	PartStatsJSON string
	// EncVersion 0 means "bytes are plaintext"; KeyRef/Nonce/Tag/PlaintextSize
	// are reserved metadata columns, always written but unused at enc_version 0.
	EncVersion    int
	KeyRef        *string
	Nonce         *string
	Tag           *string
	PlaintextSize *int64
}

// CommitBatch inserts every part of one writer-visible batch, appends the
// batch's change-feed row and batch_parts membership, and bumps each
// touched subset's total_rows — all inside one transaction, so a batch is
// either fully durable or entirely absent (spec §4.7 step 3, Batch
// lifecycle: open → committed, never partially committed).
//
// A part whose (subset_uuid, content_hash) already exists is treated as
// already-published and is skipped rather than re-inserted, so replaying a
// batch whose parts were partly committed by a prior crashed attempt is
// idempotent. If tamperChainEnabled, an entry_hash is computed by hashing
// the batch's sorted part UUIDs together with the previous entry_hash for
// this dataset (spec's deterministic tamper-chain hashing rule).
func (c *Catalog) CommitBatch(dsUUID, bid, producerID, schemaFingerprint string, parts []PartInput, tamperChainEnabled bool) ([]string, error) {
	if len(parts) == 0 {
		return nil, derrors.New(derrors.InvalidKeyValue, "batch %q has no parts to commit", bid)
	}

	var insertedPartUUIDs []string
	err := c.withImmediateTxn(func(tx *sql.Tx) error {
		var already int
		if err := tx.QueryRow(`SELECT 1 FROM batches WHERE bid = ?`, bid).Scan(&already); err == nil {
			// Batch already committed by a prior attempt; replay is a no-op.
			insertedPartUUIDs = nil
			for _, p := range parts {
				insertedPartUUIDs = append(insertedPartUUIDs, p.PartUUID)
			}
			return nil
		} else if err != sql.ErrNoRows {
			return derrors.Wrap(derrors.IOFault, err, "failed to check existing batch %q", bid)
		}

		touchedRows := map[string]int{}
		var newParts []string
		for _, p := range parts {
			var existing string
			scanErr := tx.QueryRow(
				`SELECT part_uuid FROM parts WHERE dataset_uuid = ? AND subset_uuid = ? AND content_hash = ?`,
				dsUUID, p.SubsetUUID, p.ContentHash,
			).Scan(&existing)
			if scanErr == nil {
				insertedPartUUIDs = append(insertedPartUUIDs, existing)
				continue
			}
			if scanErr != sql.ErrNoRows {
				return derrors.Wrap(derrors.IOFault, scanErr, "failed to check for existing part")
			}
			if _, err := tx.Exec(
				`INSERT INTO parts (part_uuid, dataset_uuid, subset_uuid, rel_path, content_hash, n_rows,
				    created_at_epoch, marked_deleted, producer_id, batch_id, part_stats_json,
				    enc_version, key_ref, nonce, tag, plaintext_size)
				 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)`,
				p.PartUUID, dsUUID, p.SubsetUUID, p.RelPath, p.ContentHash, p.NRows,
				nowEpochMicros(), p.ProducerID, bid, p.PartStatsJSON,
				p.EncVersion, p.KeyRef, p.Nonce, p.Tag, p.PlaintextSize,
			); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to insert part %q", p.PartUUID)
			}
			newParts = append(newParts, p.PartUUID)
			touchedRows[p.SubsetUUID] += p.NRows
			insertedPartUUIDs = append(insertedPartUUIDs, p.PartUUID)
		}
		for subsetUUID, n := range touchedRows {
			if _, err := tx.Exec(
				`UPDATE subsets SET total_rows = total_rows + ? WHERE dataset_uuid = ? AND subset_uuid = ?`, n, dsUUID, subsetUUID,
			); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to update total_rows for subset %q", subsetUUID)
			}
		}

		var prevHash, entryHash *string
		if tamperChainEnabled {
			var prev sql.NullString
			_ = tx.QueryRow(
				`SELECT entry_hash FROM batches WHERE dataset_uuid = ? ORDER BY created_at_epoch DESC LIMIT 1`,
				dsUUID,
			).Scan(&prev)
			if prev.Valid {
				prevHash = &prev.String
			}
			h, err := chainEntryHash(prevHash, parts)
			if err != nil {
				return err
			}
			entryHash = &h
		}

		if _, err := tx.Exec(
			`INSERT INTO batches (bid, dataset_uuid, producer_id, schema_fingerprint, created_at_epoch, prev_hash, entry_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			bid, dsUUID, producerID, schemaFingerprint, nowEpochMicros(), prevHash, entryHash,
		); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to append batch %q", bid)
		}
		for _, pu := range newParts {
			if _, err := tx.Exec(
				`INSERT INTO batch_parts (bid, part_uuid) VALUES (?, ?)`, bid, pu,
			); err != nil {
				return derrors.Wrap(derrors.IOFault, err, "failed to append batch_parts for %q", pu)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return insertedPartUUIDs, nil
}

// chainEntryHash hashes a batch's part identifiers together with the prior
// entry_hash, sorting part UUIDs first so the result does not depend on
// commit-time ordering (spec §5 "sorts part identifiers before hashing").
func chainEntryHash(prevHash *string, parts []PartInput) (string, error) {
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = p.PartUUID
	}
	sort.Strings(ids)
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "failed to initialize entry-chain hash")
	}
	if prevHash != nil {
		h.Write([]byte(*prevHash))
	}
	h.Write([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// UnmergedBatchesAfter returns the bids present in this catalog's batches table
// for producerID that are not yet present in merge_log, ordered by
// created_at_epoch ascending with bid as the tiebreak (spec §4.7 MergeService step 2: `unmerged =
// src.batches.bid \ dst.merge_log.bid`). Called against the *source*
// catalog; merge_log membership is checked per-bid against the destination
// via HasMerged, since source and destination are separate catalog files.
func (c *Catalog) UnmergedBatchesAfter(producerID string, isMerged func(bid string) (bool, error)) ([]string, error) {
	rows, err := c.db.Query(
		`SELECT bid FROM batches WHERE producer_id = ? ORDER BY created_at_epoch ASC, bid ASC`, producerID,
	)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to list batches for producer %q", producerID)
	}
	defer rows.Close()
	var candidates []string
	for rows.Next() {
		var bid string
		if err := rows.Scan(&bid); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan batch row")
		}
		candidates = append(candidates, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var unmerged []string
	for _, bid := range candidates {
		merged, err := isMerged(bid)
		if err != nil {
			return nil, err
		}
		if !merged {
			unmerged = append(unmerged, bid)
		}
	}
	return unmerged, nil
}

// BatchParts lists the part UUIDs belonging to a committed batch, in no
// particular order (batch_parts is set-valued).
func (c *Catalog) BatchParts(bid string) ([]string, error) {
	rows, err := c.db.Query(`SELECT part_uuid FROM batch_parts WHERE bid = ?`, bid)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to list batch_parts for %q", bid)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var pu string
		if err := rows.Scan(&pu); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan batch_parts row")
		}
		out = append(out, pu)
	}
	return out, rows.Err()
}

// PartByUUID fetches one part's full record, used by MergeService to read
// the source part it is about to replicate.
func (c *Catalog) PartByUUID(partUUID string) (PartInput, error) {
	var p PartInput
	err := c.db.QueryRow(
		`SELECT part_uuid, subset_uuid, rel_path, content_hash, n_rows, producer_id, part_stats_json,
		    enc_version, key_ref, nonce, tag, plaintext_size
		 FROM parts WHERE part_uuid = ?`, partUUID,
	).Scan(
		&p.PartUUID, &p.SubsetUUID, &p.RelPath, &p.ContentHash, &p.NRows, &p.ProducerID, &p.PartStatsJSON,
		&p.EncVersion, &p.KeyRef, &p.Nonce, &p.Tag, &p.PlaintextSize,
	)
	if err == sql.ErrNoRows {
		return PartInput{}, derrors.New(derrors.NotFound, "part %q not found", partUUID)
	}
	if err != nil {
		return PartInput{}, derrors.Wrap(derrors.IOFault, err, "failed to read part %q", partUUID)
	}
	return p, nil
}
