package partstore

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/DanJSal/datamgr/internal/derrors"
	"github.com/DanJSal/datamgr/internal/hashset"
)

// Store is PartFileStore (spec §4.4): atomic, content-addressed part file
// publication rooted at one dataset directory.
type Store struct {
	Root            string
	Scheme          StorageScheme
	Encoder         ColumnarEncoder
	TmpSweepHorizon time.Duration
}

// New constructs a Store with the default scheme and encoder.
func New(root string, opts ...Option) *Store {
	s := &Store{
		Root:            root,
		Scheme:          DefaultScheme(),
		Encoder:         FlatEncoder{},
		TmpSweepHorizon: 24 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Option configures a Store.
type Option func(*Store)

func WithScheme(s StorageScheme) Option       { return func(st *Store) { st.Scheme = s } }
func WithEncoder(e ColumnarEncoder) Option    { return func(st *Store) { st.Encoder = e } }
func WithTmpSweepHorizon(d time.Duration) Option { return func(st *Store) { st.TmpSweepHorizon = d } }

// PublishResult is the outcome of a successful Publish call.
type PublishResult struct {
	PartUUID    string
	RelPath     string
	ContentHash string
	NRows       int
}

// Publish seals a batch into a new content-addressed part file under an
// exclusive subset lease held by the caller (spec §4.4/§5): the batch is
// encoded to a "<part_uuid>.part.tmp" sibling, fsynced, renamed into place,
// and the destination directory is fsynced. Stale .tmp files are swept
// from the destination directory before the new file is written.
func (s *Store) Publish(dsUUID, subsetUUID string, batch hashset.Batch, nRows int) (PublishResult, error) {
	if nRows <= 0 {
		return PublishResult{}, derrors.New(derrors.IOFault, "cannot publish an empty batch")
	}
	contentHash, err := hashset.Hash(batch)
	if err != nil {
		return PublishResult{}, err
	}
	partUUID := uuid.New().String()
	rel, err := s.Scheme.PartRelPath(subsetUUID, partUUID)
	if err != nil {
		return PublishResult{}, err
	}
	absDst := filepath.Join(s.Root, rel)
	absTmp := absDst + ".tmp"
	dir := filepath.Dir(absDst)

	if err := makedirsWithFsync(dir); err != nil {
		return PublishResult{}, err
	}
	cleanupStaleTmps(dir, s.TmpSweepHorizon)

	attrs := Attrs{
		DatasetUUID:    dsUUID,
		SubsetUUID:     subsetUUID,
		PartUUID:       partUUID,
		ContentHash:    contentHash,
		NRows:          nRows,
		CreatedAtEpoch: time.Now().UnixMicro(),
	}

	if err := s.writeTmpAndFsync(absTmp, batch, attrs); err != nil {
		_ = os.Remove(absTmp)
		return PublishResult{}, err
	}
	if err := os.Rename(absTmp, absDst); err != nil {
		_ = os.Remove(absTmp)
		return PublishResult{}, derrors.Wrap(derrors.IOFault, err, "failed to rename part file into place")
	}
	if err := fsyncDir(dir); err != nil {
		return PublishResult{}, derrors.Wrap(derrors.IOFault, err, "failed to fsync destination directory after publish")
	}
	return PublishResult{PartUUID: partUUID, RelPath: rel, ContentHash: contentHash, NRows: nRows}, nil
}

func (s *Store) writeTmpAndFsync(absTmp string, batch hashset.Batch, attrs Attrs) error {
	f, err := os.OpenFile(absTmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to create part tmp file")
	}
	defer f.Close()
	if err := s.Encoder.Encode(f, batch, attrs); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return derrors.Wrap(derrors.IOFault, err, "failed to fsync part tmp file")
	}
	return nil
}

// ReadAttrs opens a part file at its dataset-root-relative path and reads
// back its embedded attributes, without decoding the row payload — used by
// fsck's orphan-recovery path (spec C.1).
func (s *Store) ReadAttrs(relPath string) (Attrs, error) {
	f, err := os.Open(filepath.Join(s.Root, relPath))
	if err != nil {
		return Attrs{}, derrors.Wrap(derrors.IOFault, err, "failed to open part file %q", relPath)
	}
	defer f.Close()
	return s.Encoder.ReadAttrs(f)
}

// Decode opens a part file at its dataset-root-relative path and fully
// decodes its batch payload, including jagged meta, so the content hash can
// be recomputed from the read-back batch (spec §4.3/§8's round-trip
// property).
func (s *Store) Decode(relPath string) (hashset.Batch, Attrs, error) {
	f, err := os.Open(filepath.Join(s.Root, relPath))
	if err != nil {
		return hashset.Batch{}, Attrs{}, derrors.Wrap(derrors.IOFault, err, "failed to open part file %q", relPath)
	}
	defer f.Close()
	return s.Encoder.Decode(f)
}
