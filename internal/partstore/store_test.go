package partstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DanJSal/datamgr/internal/hashset"
	"github.com/DanJSal/datamgr/internal/schema"
)

func sampleBatch() hashset.Batch {
	return hashset.Batch{
		Fields: []hashset.Column{
			{Name: "temp", Base: schema.KindFloat64, Float64: []float64{1, 2, 3}},
		},
	}
}

func TestPublishIsAtomicAndReadable(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	res, err := s.Publish("ds-1", "subset-1", sampleBatch(), 3)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.PartUUID == "" || res.ContentHash == "" {
		t.Fatal("Publish returned empty identifiers")
	}
	absPath := filepath.Join(root, res.RelPath)
	if _, err := os.Stat(absPath); err != nil {
		t.Fatalf("published part file missing: %v", err)
	}
	if _, err := os.Stat(absPath + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("tmp file should not survive a successful publish")
	}
	attrs, err := s.ReadAttrs(res.RelPath)
	if err != nil {
		t.Fatalf("ReadAttrs: %v", err)
	}
	if attrs.ContentHash != res.ContentHash {
		t.Errorf("embedded content hash %q != returned %q", attrs.ContentHash, res.ContentHash)
	}
	if attrs.SubsetUUID != "subset-1" {
		t.Errorf("embedded subset_uuid = %q, want subset-1", attrs.SubsetUUID)
	}
}

// TestDecodeRoundTripReproducesContentHash publishes a batch with a jagged
// field, reads it back with Decode, and checks the digest reproduces (spec
// §4.3/§8: the hash must be identical whether computed in memory or after a
// read-back-and-decode round trip).
func TestDecodeRoundTripReproducesContentHash(t *testing.T) {
	batch := hashset.Batch{
		Fields: []hashset.Column{
			// "reading" is a 1-D varying field padded to canonical width 2;
			// reading_len below records each row's true pre-padding length.
			{Name: "reading", Base: schema.KindFloat64, Shape: []int{2}, Float64: []float64{1, 2, 3, 4, 5, 6}},
			{Name: "site", Base: schema.KindText, Text: []string{"a", "b", "c"}},
		},
		JaggedLen: map[string][]int64{"reading_len": {2, 1, 2}},
	}
	wantHash, err := hashset.Hash(batch)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	s := New(t.TempDir())
	res, err := s.Publish("ds-1", "subset-1", batch, 3)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.ContentHash != wantHash {
		t.Fatalf("Publish returned content hash %q, want %q", res.ContentHash, wantHash)
	}

	decoded, attrs, err := s.Decode(res.RelPath)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if attrs.ContentHash != wantHash {
		t.Errorf("decoded attrs content hash %q != %q", attrs.ContentHash, wantHash)
	}
	gotHash, err := hashset.Hash(decoded)
	if err != nil {
		t.Fatalf("Hash(decoded): %v", err)
	}
	if gotHash != wantHash {
		t.Errorf("Hash(decoded) = %q, want %q (original)", gotHash, wantHash)
	}
}

func TestPublishRejectsEmptyBatch(t *testing.T) {
	s := New(t.TempDir())
	if _, err := s.Publish("ds-1", "subset-1", sampleBatch(), 0); err == nil {
		t.Fatal("expected error for zero-row publish")
	}
}

func TestCleanupStaleTmpsRemovesOldOnly(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.part.tmp")
	fresh := filepath.Join(dir, "fresh.part.tmp")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	cleanupStaleTmps(dir, 24*time.Hour)
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale tmp file was not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh tmp file should not have been removed")
	}
}

func TestPartRelPathShardsByHashWhenDepthPositive(t *testing.T) {
	scheme := StorageScheme{Version: 1, Hash: "blake2b", Depth: 2, SegLen: 2}
	p1, err := scheme.PartRelPath("subset-a", "part-a")
	if err != nil {
		t.Fatalf("PartRelPath: %v", err)
	}
	p2, err := scheme.PartRelPath("subset-a", "part-a")
	if err != nil {
		t.Fatalf("PartRelPath: %v", err)
	}
	if p1 != p2 {
		t.Error("PartRelPath is not deterministic for the same subset/part pair")
	}
	if filepath.Base(filepath.Dir(p1)) == "v1" {
		t.Error("expected hash-derived shard segments between the version dir and the file")
	}
}
