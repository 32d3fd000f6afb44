package ingest

import (
	"path/filepath"
	"testing"

	"github.com/DanJSal/datamgr/internal/catalog"
	"github.com/DanJSal/datamgr/internal/config"
	"github.com/DanJSal/datamgr/internal/keys"
	"github.com/DanJSal/datamgr/internal/partstore"
	"github.com/DanJSal/datamgr/internal/schema"
	"github.com/DanJSal/datamgr/internal/staging"
)

func setupCoordinator(t *testing.T, crashSafe bool, partRows int) (*Coordinator, *catalog.Catalog, keys.Identity) {
	t.Helper()
	root := t.TempDir()

	cat, err := catalog.Open(filepath.Join(root, "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store := partstore.New(filepath.Join(root, "parts"))

	var stagingQueue *staging.Queue
	if crashSafe {
		stagingQueue, err = staging.Open(filepath.Join(root, "staging.db"), false)
		if err != nil {
			t.Fatalf("staging.Open: %v", err)
		}
		t.Cleanup(func() { stagingQueue.Close() })
	}

	cfg := config.New(root,
		config.WithPartRows(partRows),
		config.WithLockDir(filepath.Join(root, "locks")),
		config.WithAllowUnlockedLease(true),
	)

	co := NewCoordinator(cat, store, stagingQueue, cfg, "producer-a")

	doc := &schema.Document{
		KeySchema: map[string]keys.SQLType{"site": keys.Text},
		KeyOrder:  []string{"site"},
		Fields:    []schema.FieldSpec{{Name: "temp", Base: schema.KindFloat64}},
	}
	if err := cat.EnsureDataset("ds-1", doc); err != nil {
		t.Fatalf("EnsureDataset: %v", err)
	}
	norm, err := keys.NewNormalizer(doc.KeySchema, doc.KeyOrder, nil)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	identity, err := norm.Identity(map[string]any{"site": "north"})
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	return co, cat, identity
}

func TestAddSealsOnceThresholdReached(t *testing.T) {
	co, cat, identity := setupCoordinator(t, false, 2)
	batch := sampleColumnBatch([]float64{1}, []string{"north"})

	bid, err := co.Add("ds-1", identity, map[string]any{"site": "north"}, "fp-1", batch)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if bid != "" {
		t.Fatalf("expected no seal below part_rows threshold, got bid %q", bid)
	}

	bid2, err := co.Add("ds-1", identity, map[string]any{"site": "north"}, "fp-1", batch)
	if err != nil {
		t.Fatalf("Add (second): %v", err)
	}
	if bid2 == "" {
		t.Fatal("expected a seal once buffer reached part_rows")
	}

	total, err := cat.SubsetTotalRows("ds-1", identity.SubsetUUID)
	if err != nil {
		t.Fatalf("SubsetTotalRows: %v", err)
	}
	if total != 2 {
		t.Errorf("total_rows = %d, want 2", total)
	}
}

func TestFlushSealsPartialBuffer(t *testing.T) {
	co, cat, identity := setupCoordinator(t, false, 100)
	batch := sampleColumnBatch([]float64{1, 2, 3}, []string{"north", "north", "north"})

	if _, err := co.Add("ds-1", identity, map[string]any{"site": "north"}, "fp-1", batch); err != nil {
		t.Fatalf("Add: %v", err)
	}
	bid, err := co.Flush("ds-1", identity.SubsetUUID, "fp-1")
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if bid == "" {
		t.Fatal("expected Flush to seal the partial buffer")
	}
	total, err := cat.SubsetTotalRows("ds-1", identity.SubsetUUID)
	if err != nil {
		t.Fatalf("SubsetTotalRows: %v", err)
	}
	if total != 3 {
		t.Errorf("total_rows = %d, want 3", total)
	}
}

func TestCrashSafeAddThenDrainStaged(t *testing.T) {
	co, cat, identity := setupCoordinator(t, true, 2)
	batch := sampleColumnBatch([]float64{1}, []string{"north"})

	for i := 0; i < 2; i++ {
		bid, err := co.Add("ds-1", identity, map[string]any{"site": "north"}, "fp-1", batch)
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if bid != "" {
			t.Fatal("crash-safe Add must never seal directly")
		}
	}

	bid, drained, err := co.DrainStaged("ds-1", identity.SubsetUUID, "fp-1")
	if err != nil {
		t.Fatalf("DrainStaged: %v", err)
	}
	if !drained || bid == "" {
		t.Fatal("expected DrainStaged to claim and seal the staged prefix")
	}

	total, err := cat.SubsetTotalRows("ds-1", identity.SubsetUUID)
	if err != nil {
		t.Fatalf("SubsetTotalRows: %v", err)
	}
	if total != 2 {
		t.Errorf("total_rows = %d, want 2", total)
	}

	_, drained2, err := co.DrainStaged("ds-1", identity.SubsetUUID, "fp-1")
	if err != nil {
		t.Fatalf("DrainStaged (empty): %v", err)
	}
	if drained2 {
		t.Error("expected nothing left to drain")
	}
}
