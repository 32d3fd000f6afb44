package lease

import (
	"path/filepath"
	"testing"
)

func TestAcquireSubsetThenRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireSubset(dir, "subset-1", false)
	if err != nil {
		t.Fatalf("AcquireSubset: %v", err)
	}
	if !l.Locked() {
		t.Fatal("expected an OS-level lock to be held")
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireDatasetPathLayout(t *testing.T) {
	dir := t.TempDir()
	got := DatasetLockPath(dir, "ds-1")
	want := filepath.Join(dir, "datasets", "ds-1.lock")
	if got != want {
		t.Errorf("DatasetLockPath = %q, want %q", got, want)
	}
}

func TestReleaseIsSafeOnNil(t *testing.T) {
	var l *Lease
	if err := l.Release(); err != nil {
		t.Errorf("Release on nil lease should be a no-op: %v", err)
	}
}
