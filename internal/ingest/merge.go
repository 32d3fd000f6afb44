package ingest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/DanJSal/datamgr/internal/catalog"
	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/partstore"
	"github.com/DanJSal/datamgr/internal/schema"
)

// CopyMode selects how MergeService materializes a part file at the
// destination.
type CopyMode string

const (
	// CopyModeHardlink hardlinks the source file (same filesystem only).
	CopyModeHardlink CopyMode = "hardlink"
	// CopyModeReflink attempts a copy-on-write clone; the standard library
	// has no portable reflink syscall, so this falls back to a byte copy
	// (documented divergence — see the project's grounding notes).
	CopyModeReflink CopyMode = "reflink"
	// CopyModeCopy always performs a full byte copy.
	CopyModeCopy CopyMode = "copy"
)

// MergeOptions configures one MergeService run (spec §4.7 MergeService).
type MergeOptions struct {
	SrcDatasetUUID string
	DstDatasetUUID string
	ProducerID     string
	CopyMode       CopyMode
	VerifyHash     bool
	// AllowSchemaMismatch permits merging into a destination whose schema
	// fingerprint differs from the source, by writing into ForkDatasetUUID
	// instead of DstDatasetUUID.
	AllowSchemaMismatch bool
	ForkDatasetUUID     string
	DryRun              bool
}

// MergeService replays a source catalog's unseen batches into a
// destination catalog, skipping duplicates by (subset_uuid, content_hash)
// and hardlinking or copying part files (spec §4.7).
type MergeService struct {
	SrcCatalog *catalog.Catalog
	SrcStore   *partstore.Store
	DstCatalog *catalog.Catalog
	DstStore   *partstore.Store
}

// MergePlan describes what Run would do (or did, in a dry run).
type MergePlan struct {
	TargetDatasetUUID string
	Forked            bool
	Bids              []string
	PartsCopied       int
}

// Run executes one merge pass. The protocol is idempotent: re-running a
// completed merge inserts zero rows (unmerged is recomputed from
// dst.merge_log each time), and it tolerates partial failures — a
// committed batch is durable, an uncommitted one leaves the destination
// unchanged (spec §4.7 closing paragraph).
func (m *MergeService) Run(opts MergeOptions) (MergePlan, error) {
	srcDoc, err := m.SrcCatalog.GetDatasetSchema(opts.SrcDatasetUUID)
	if err != nil {
		return MergePlan{}, err
	}
	targetDatasetUUID := opts.DstDatasetUUID
	forked := false

	dstDoc, err := m.DstCatalog.GetDatasetSchema(opts.DstDatasetUUID)
	if derrors.Is(err, derrors.NotFound) {
		if !opts.DryRun {
			if err := m.DstCatalog.EnsureDataset(opts.DstDatasetUUID, srcDoc); err != nil {
				return MergePlan{}, err
			}
		}
	} else if err != nil {
		return MergePlan{}, err
	} else {
		if err := compareInvariants(srcDoc, dstDoc); err != nil {
			if !opts.AllowSchemaMismatch {
				return MergePlan{}, err
			}
			if opts.ForkDatasetUUID == "" {
				return MergePlan{}, derrors.New(derrors.MergeInvariantViolated, "schema mismatch requires AllowSchemaMismatch with a ForkDatasetUUID")
			}
			targetDatasetUUID = opts.ForkDatasetUUID
			forked = true
			if !opts.DryRun {
				if _, err := m.DstCatalog.GetDatasetSchema(targetDatasetUUID); derrors.Is(err, derrors.NotFound) {
					if err := m.DstCatalog.EnsureDataset(targetDatasetUUID, srcDoc); err != nil {
						return MergePlan{}, err
					}
				} else if err != nil {
					return MergePlan{}, err
				}
			}
		}
	}

	unmerged, err := m.SrcCatalog.UnmergedBatchesAfter(opts.ProducerID, func(bid string) (bool, error) {
		return m.DstCatalog.HasMerged(opts.ProducerID, bid)
	})
	if err != nil {
		return MergePlan{}, err
	}

	plan := MergePlan{TargetDatasetUUID: targetDatasetUUID, Forked: forked}
	if opts.DryRun {
		plan.Bids = unmerged
		return plan, nil
	}

	for _, bid := range unmerged {
		copied, err := m.mergeOneBatch(targetDatasetUUID, bid, opts)
		if err != nil {
			return plan, err
		}
		plan.Bids = append(plan.Bids, bid)
		plan.PartsCopied += copied
		if err := m.DstCatalog.RecordMerge(opts.ProducerID, bid); err != nil {
			return plan, err
		}
	}
	return plan, nil
}

func compareInvariants(src, dst *schema.Document) error {
	srcFP, err := src.Fingerprint()
	if err != nil {
		return err
	}
	dstFP, err := dst.Fingerprint()
	if err != nil {
		return err
	}
	if srcFP != dstFP {
		return derrors.New(derrors.MergeInvariantViolated, "schema_fingerprint mismatch: src=%s dst=%s", srcFP, dstFP)
	}
	return nil
}

func (m *MergeService) mergeOneBatch(targetDatasetUUID, bid string, opts MergeOptions) (int, error) {
	partUUIDs, err := m.SrcCatalog.BatchParts(bid)
	if err != nil {
		return 0, err
	}
	copied := 0
	var toCommit []catalog.PartInput
	for _, partUUID := range partUUIDs {
		src, err := m.SrcCatalog.PartByUUID(partUUID)
		if err != nil {
			return copied, err
		}
		exists, err := m.DstCatalog.HasPart(targetDatasetUUID, src.SubsetUUID, src.ContentHash)
		if err != nil {
			return copied, err
		}
		if exists {
			continue
		}

		identityJSON, keyValues, err := m.SrcCatalog.SubsetIdentitySnapshot(opts.SrcDatasetUUID, src.SubsetUUID)
		if err != nil {
			return copied, err
		}
		if _, err := m.DstCatalog.GetOrCreateSubset(targetDatasetUUID, src.SubsetUUID, identityJSON, keyValues); err != nil {
			return copied, err
		}

		dstRelPath, err := m.DstStore.Scheme.PartRelPath(src.SubsetUUID, src.PartUUID)
		if err != nil {
			return copied, err
		}
		if err := copyPartFile(
			filepath.Join(m.SrcStore.Root, src.RelPath),
			filepath.Join(m.DstStore.Root, dstRelPath),
			opts.CopyMode,
		); err != nil {
			return copied, err
		}

		if opts.VerifyHash {
			same, err := filesByteIdentical(
				filepath.Join(m.SrcStore.Root, src.RelPath),
				filepath.Join(m.DstStore.Root, dstRelPath),
			)
			if err != nil {
				return copied, err
			}
			if !same {
				return copied, derrors.New(derrors.ContentHashMismatch, "copied part %q does not match its source byte-for-byte", src.PartUUID)
			}
		}

		src.RelPath = dstRelPath
		toCommit = append(toCommit, src)
		copied++
	}
	if len(toCommit) == 0 {
		return 0, nil
	}
	srcDoc, err := m.SrcCatalog.GetDatasetSchema(opts.SrcDatasetUUID)
	if err != nil {
		return copied, err
	}
	fp, err := srcDoc.Fingerprint()
	if err != nil {
		return copied, err
	}
	if _, err := m.DstCatalog.CommitBatch(targetDatasetUUID, bid, opts.ProducerID, fp, toCommit, false); err != nil {
		return copied, err
	}
	return copied, nil
}

func copyPartFile(src, dst string, mode CopyMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to create destination directory for %q", dst)
	}
	if mode == CopyModeHardlink {
		if err := os.Link(src, dst); err == nil {
			return nil
		}
		// Cross-filesystem hardlinks fail; fall back to a byte copy rather
		// than failing the merge outright.
	}
	in, err := os.Open(src)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to open source part %q", src)
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to create destination part %q", tmp)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return derrors.Wrap(derrors.IOFault, err, "failed to copy part file to %q", tmp)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return derrors.Wrap(derrors.IOFault, err, "failed to fsync copied part %q", tmp)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return derrors.Wrap(derrors.IOFault, err, "failed to close copied part %q", tmp)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return derrors.Wrap(derrors.IOFault, err, "failed to rename copied part into place at %q", dst)
	}
	return nil
}

// filesByteIdentical hashes both files with blake2b-128 and compares
// digests — the "recompute content hash from the copied file" verify step
// (spec §4.7 step 3), scoped to whole-file integrity rather than
// re-deriving ContentHasher's digest from a re-decoded batch, since a
// byte-identical copy trivially preserves whatever digest the source part
// already carries in its embedded attrs.
func filesByteIdentical(a, b string) (bool, error) {
	ha, err := hashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "failed to open %q for hash verification", path)
	}
	defer f.Close()
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "failed to initialize hash")
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", derrors.Wrap(derrors.IOFault, err, "failed to read %q for hash verification", path)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
