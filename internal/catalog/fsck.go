package catalog

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/partstore"
)

// FsckResult summarizes one fsck_dataset pass (spec C.1).
type FsckResult struct {
	Recovered []string // part_uuids recovered from orphan files
	Orphaned  []string // rel_paths left for manual cleanup (attrs unreadable, another dataset's attrs, or the row insert failed)
}

// FsckDataset walks a dataset's part-file tree looking for files not
// referenced by any parts row of the dataset, live or marked ("orphans"), and recovers them using
// their embedded attributes (spec §4.5/§4.7/C.1, grounded on
// manifest.py's fsck_dataset). Embedded attrs are the source of truth: a
// recovered row uses the file's own subset_uuid/content_hash rather than
// re-deriving them. Files whose attrs cannot be read, name another
// dataset, or whose row cannot be inserted are left untouched and reported
// as orphaned for manual cleanup.
func (c *Catalog) FsckDataset(dsUUID string, store *partstore.Store) (FsckResult, error) {
	known, err := c.knownRelPaths(dsUUID)
	if err != nil {
		return FsckResult{}, err
	}

	var result FsckResult
	root := filepath.Join(store.Root, "subsets")
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if d.IsDir() || !strings.HasSuffix(path, ".part") {
			return nil
		}
		rel, relErr := filepath.Rel(store.Root, path)
		if relErr != nil {
			return nil
		}
		if known[rel] {
			return nil
		}
		attrs, attrErr := store.ReadAttrs(rel)
		if attrErr != nil || attrs.DatasetUUID != dsUUID {
			result.Orphaned = append(result.Orphaned, rel)
			return nil
		}
		if _, err := c.InsertPart(attrs.DatasetUUID, attrs.SubsetUUID, attrs.PartUUID, rel, attrs.ContentHash, attrs.NRows); err != nil {
			result.Orphaned = append(result.Orphaned, rel)
			return nil
		}
		result.Recovered = append(result.Recovered, attrs.PartUUID)
		return nil
	})
	if walkErr != nil {
		return result, derrors.Wrap(derrors.IOFault, walkErr, "fsck walk failed for dataset %q", dsUUID)
	}
	return result, nil
}

func (c *Catalog) knownRelPaths(dsUUID string) (map[string]bool, error) {
	rows, err := c.db.Query(`SELECT rel_path FROM parts WHERE dataset_uuid = ?`, dsUUID)
	if err != nil {
		return nil, derrors.Wrap(derrors.IOFault, err, "failed to list known part paths for dataset %q", dsUUID)
	}
	defer rows.Close()
	known := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, derrors.Wrap(derrors.IOFault, err, "failed to scan rel_path")
		}
		known[p] = true
	}
	return known, rows.Err()
}

