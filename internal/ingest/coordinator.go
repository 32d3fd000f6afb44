package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DanJSal/datamgr/internal/catalog"
	"github.com/DanJSal/datamgr/internal/config"
	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/hashset"
	"github.com/DanJSal/datamgr/internal/keys"
	"github.com/DanJSal/datamgr/internal/lease"
	"github.com/DanJSal/datamgr/internal/partstore"
	"github.com/DanJSal/datamgr/internal/staging"
)

// Coordinator is IngestCoordinator (spec §4.7): per-process, keyed by
// (dataset_uuid, subset_uuid), it buffers already-canonicalized rows and
// seals them into parts once they reach part_rows or on an explicit flush.
//
// Callers are responsible for running rows through schema.Registry
// (EnsureCompatible / UpdateJaggedMaxShape / PadRows1D / PadRows2D) and
// keys.Normalizer before calling Add — Coordinator's job starts once a row
// batch is already in canonical, padded, columnar form.
type Coordinator struct {
	Catalog    *catalog.Catalog
	Store      *partstore.Store
	Staging    *staging.Queue // nil disables crash-safe mode
	Cfg        config.Config
	ProducerID string

	mu      sync.Mutex
	buffers map[string]*subsetBuffer
}

type subsetBuffer struct {
	batch hashset.Batch
	rows  int
}

// NewCoordinator constructs a Coordinator. staging may be nil to run in
// direct (non-crash-safe) buffering mode.
func NewCoordinator(cat *catalog.Catalog, store *partstore.Store, stagingQueue *staging.Queue, cfg config.Config, producerID string) *Coordinator {
	return &Coordinator{
		Catalog:    cat,
		Store:      store,
		Staging:    stagingQueue,
		Cfg:        cfg,
		ProducerID: producerID,
		buffers:    make(map[string]*subsetBuffer),
	}
}

// Add accepts one already-canonicalized, already-padded row batch for a
// subset (spec §4.7 step 1-2). The subset is created in the Catalog if
// this is its first appearance. In crash-safe mode the batch is durably
// enqueued to StagingQueue and nothing is sealed here — a separate drain
// call (DrainStaged) claims and seals staged rows. In direct mode rows
// accumulate in memory and are sealed automatically once the buffer
// reaches Cfg.PartRows.
func (co *Coordinator) Add(dsUUID string, identity keys.Identity, subsetKeys map[string]any, schemaFingerprint string, batch hashset.Batch) (sealedBID string, err error) {
	if _, err := co.Catalog.GetOrCreateSubset(dsUUID, identity.SubsetUUID, identityJSON(subsetKeys), subsetKeys); err != nil {
		return "", err
	}

	nRows := BatchRowCount(batch)
	if nRows == 0 {
		return "", derrors.New(derrors.InvalidKeyValue, "cannot add an empty row batch")
	}

	if co.Staging != nil {
		payload, err := EncodeStagedBatch(batch)
		if err != nil {
			return "", err
		}
		if err := co.Staging.Enqueue(identity.SubsetUUID, nRows, payload); err != nil {
			return "", err
		}
		return "", nil
	}

	co.mu.Lock()
	buf, ok := co.buffers[identity.SubsetUUID]
	if !ok {
		buf = &subsetBuffer{batch: batch, rows: nRows}
		co.buffers[identity.SubsetUUID] = buf
	} else {
		merged, err := MergeBatches([]hashset.Batch{buf.batch, batch})
		if err != nil {
			co.mu.Unlock()
			return "", err
		}
		buf.batch = merged
		buf.rows += nRows
	}
	shouldSeal := buf.rows >= co.Cfg.PartRows
	var toSeal hashset.Batch
	if shouldSeal {
		toSeal = buf.batch
		delete(co.buffers, identity.SubsetUUID)
	}
	co.mu.Unlock()

	if !shouldSeal {
		return "", nil
	}
	return co.seal(dsUUID, identity.SubsetUUID, schemaFingerprint, toSeal)
}

// Flush forces a seal of whatever is currently buffered in direct mode for
// one subset, regardless of whether it reached part_rows (used at
// shutdown to avoid stranding a partial buffer in memory).
func (co *Coordinator) Flush(dsUUID, subsetUUID, schemaFingerprint string) (bid string, err error) {
	co.mu.Lock()
	buf, ok := co.buffers[subsetUUID]
	if ok {
		delete(co.buffers, subsetUUID)
	}
	co.mu.Unlock()
	if !ok || buf.rows == 0 {
		return "", nil
	}
	return co.seal(dsUUID, subsetUUID, schemaFingerprint, buf.batch)
}

// seal is IngestCoordinator step 3: acquire the subset lease, hash and
// publish the part, then record it in one Catalog transaction.
func (co *Coordinator) seal(dsUUID, subsetUUID, schemaFingerprint string, batch hashset.Batch) (bid string, err error) {
	l, err := lease.AcquireSubset(co.Cfg.LockDir, subsetUUID, co.Cfg.AllowUnlockedLease)
	if err != nil {
		return "", err
	}
	defer l.Release()

	nRows := BatchRowCount(batch)
	result, err := co.Store.Publish(dsUUID, subsetUUID, batch, nRows)
	if err != nil {
		return "", err
	}

	bid = uuid.New().String()
	part := catalog.PartInput{
		PartUUID:      result.PartUUID,
		SubsetUUID:    subsetUUID,
		RelPath:       result.RelPath,
		ContentHash:   result.ContentHash,
		NRows:         result.NRows,
		ProducerID:    co.ProducerID,
		PartStatsJSON: "{}",
	}
	if _, err := co.Catalog.CommitBatch(dsUUID, bid, co.ProducerID, schemaFingerprint, []catalog.PartInput{part}, co.Cfg.TamperChainEnabled); err != nil {
		return "", err
	}
	return bid, nil
}

// DrainStaged claims the oldest prefix of staged rows for subsetUUID that
// reaches Cfg.PartRows and seals it into a part, deleting the staged rows
// only after the Catalog transaction commits (spec §4.7 step 4). Returns
// drained=false when nothing was claimed: either no rows are unclaimed, or
// the unclaimed rows sum to fewer than Cfg.PartRows, in which case they
// stay staged and no part is sealed.
func (co *Coordinator) DrainStaged(dsUUID, subsetUUID, schemaFingerprint string) (bid string, drained bool, err error) {
	if co.Staging == nil {
		return "", false, derrors.New(derrors.InvalidKeyValue, "DrainStaged requires crash-safe mode (Staging != nil)")
	}
	token := uuid.New().String()
	claimed, err := co.Staging.SelectAndClaimPrefix(subsetUUID, co.Cfg.PartRows, token)
	if err != nil {
		return "", false, err
	}
	if len(claimed) == 0 {
		return "", false, nil
	}

	batches := make([]hashset.Batch, len(claimed))
	for i, c := range claimed {
		b, err := DecodeStagedBatch(c.Payload)
		if err != nil {
			co.Staging.Unclaim(token)
			return "", false, err
		}
		batches[i] = b
	}
	merged, err := MergeBatches(batches)
	if err != nil {
		co.Staging.Unclaim(token)
		return "", false, err
	}

	bid, err = co.seal(dsUUID, subsetUUID, schemaFingerprint, merged)
	if err != nil {
		co.Staging.Unclaim(token)
		return "", false, err
	}
	if err := co.Staging.DeleteClaimed(token); err != nil {
		return bid, true, err
	}
	return bid, true, nil
}

// ShutdownDrain runs DrainStaged over the hot subsets, pass after pass,
// until the staging backlog is empty, a pass seals nothing, or deadline
// elapses (spec §4.7 "Shutdown"). A subset whose unclaimed rows sum to
// fewer than Cfg.PartRows is not sealed; its rows remain staged.
// Distinct subsets never share a claim token or a lease, so each hot
// subset's drain runs concurrently via errgroup rather than one at a time
// (spec §5 "thread-parallel computation for row preparation").
func (co *Coordinator) ShutdownDrain(dsUUID, schemaFingerprint string, deadline time.Time) error {
	if co.Staging == nil {
		return nil
	}
	for time.Now().Before(deadline) {
		hot, err := co.Staging.HotSubsets(64)
		if err != nil {
			return err
		}
		if len(hot) == 0 {
			return nil
		}

		var mu sync.Mutex
		progressed := false
		g, _ := errgroup.WithContext(context.Background())
		for _, subsetUUID := range hot {
			subsetUUID := subsetUUID
			g.Go(func() error {
				if time.Now().After(deadline) {
					return nil
				}
				_, drained, err := co.DrainStaged(dsUUID, subsetUUID, schemaFingerprint)
				if err != nil {
					return err
				}
				mu.Lock()
				progressed = progressed || drained
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
	return nil
}

func identityJSON(subsetKeys map[string]any) string {
	// encoding/json sorts map[string]any keys alphabetically, so this is
	// stable across calls with the same key set regardless of map
	// iteration order. GetOrCreateSubset looks subsets up by
	// (dataset_uuid, subset_uuid), not by this string; identity_json is
	// stored beside it (unique per dataset) and is what
	// SubsetIdentitySnapshot reads back when MergeService recreates a subset.
	b, err := json.Marshal(subsetKeys)
	if err != nil {
		return "{}"
	}
	return string(b)
}
