// Package partstore implements PartFileStore (spec §4.4): content-addressed,
// hash-sharded part file layout with atomic tmp->fsync->rename->fsync(dir)
// publication and stale-tmp sweeping.
package partstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/DanJSal/datamgr/internal/derrors"
)

// StorageScheme describes how part files are sharded under a dataset root
// (spec §6 external layout, grounded on part_relpath's hash-sharded scheme).
type StorageScheme struct {
	Version int
	Hash    string // "blake2b" or "sha256"
	Depth   int    // number of hash-derived path segments
	SegLen  int    // hex characters per segment
}

// DefaultScheme is the default on-disk layout: no extra sharding beyond
// subset/part, version 1.
func DefaultScheme() StorageScheme {
	return StorageScheme{Version: 1, Hash: "blake2b", Depth: 0, SegLen: 2}
}

func (s StorageScheme) validate() error {
	if s.Hash != "blake2b" && s.Hash != "sha256" {
		return derrors.New(derrors.IOFault, "unsupported storage scheme hash %q", s.Hash)
	}
	if s.Depth < 0 {
		return derrors.New(derrors.IOFault, "storage scheme depth must be >= 0")
	}
	if s.Depth > 0 && s.SegLen <= 0 {
		return derrors.New(derrors.IOFault, "storage scheme seglen must be > 0 when depth > 0")
	}
	maxHex := 64
	if s.Hash == "blake2b" {
		maxHex = 32
	}
	if s.Depth*s.SegLen > maxHex {
		return derrors.New(derrors.IOFault, "storage scheme depth*seglen exceeds available hash hex length")
	}
	return nil
}

// PartRelPath returns the part file's path relative to the dataset root
// (spec: "subsets/<subset_uuid>/parts/v<version>/...[shards]/<part_uuid>.part").
func (s StorageScheme) PartRelPath(subsetUUID, partUUID string) (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	base := fmt.Sprintf("subsets/%s/parts/v%d", subsetUUID, s.Version)
	if s.Depth <= 0 {
		return filepath.Join(base, partUUID+".part"), nil
	}
	var digest []byte
	switch s.Hash {
	case "sha256":
		sum := sha256.Sum256([]byte(subsetUUID + partUUID))
		digest = sum[:]
	default:
		h, err := blake2b.New(16, nil)
		if err != nil {
			return "", derrors.Wrap(derrors.IOFault, err, "blake2b init failed")
		}
		h.Write([]byte(subsetUUID + partUUID))
		digest = h.Sum(nil)
	}
	hexs := hex.EncodeToString(digest)
	parts := []string{base}
	for i := 0; i < s.Depth; i++ {
		start, end := i*s.SegLen, (i+1)*s.SegLen
		if end > len(hexs) {
			return "", derrors.New(derrors.IOFault, "storage scheme depth*seglen exceeds digest length")
		}
		parts = append(parts, hexs[start:end])
	}
	parts = append(parts, partUUID+".part")
	return filepath.Join(parts...), nil
}

// fsyncDir fsyncs a directory's metadata after a rename or mkdir, matching
// fsync_dir's best-effort directory-durability guarantee.
func fsyncDir(path string) error {
	dfd, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}

// makedirsWithFsync creates path and every missing parent, fsyncing each
// newly created directory's parent so the mkdir itself is durable.
func makedirsWithFsync(path string) error {
	var toMake []string
	cur := path
	for {
		info, err := os.Stat(cur)
		if err == nil && info.IsDir() {
			break
		}
		toMake = append(toMake, cur)
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}
	for i := len(toMake) - 1; i >= 0; i-- {
		d := toMake[i]
		if err := os.MkdirAll(d, 0o755); err != nil {
			return derrors.Wrap(derrors.IOFault, err, "failed to create directory %q", d)
		}
		_ = fsyncDir(filepath.Dir(d))
	}
	return nil
}

// cleanupStaleTmps removes *.tmp files in dirPath older than
// olderThan, best-effort, then fsyncs the directory (spec §4.4, C.5).
func cleanupStaleTmps(dirPath string, olderThan time.Duration) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) >= olderThan {
			_ = os.Remove(filepath.Join(dirPath, name))
		}
	}
	_ = fsyncDir(dirPath)
}
