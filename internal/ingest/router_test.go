package ingest

import "testing"

func TestPartitionDeterministic(t *testing.T) {
	a := Partition("subset-1", 8)
	b := Partition("subset-1", 8)
	if a != b {
		t.Errorf("Partition not deterministic: %d != %d", a, b)
	}
	if a < 0 || a >= 8 {
		t.Errorf("Partition out of range: %d", a)
	}
}

func TestPartitionSpreadsAcrossShards(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		su := "subset-" + string(rune('a'+i%26)) + string(rune('A'+i/26))
		seen[Partition(su, 4)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected partitioning to use more than one shard across many subsets, got %v", seen)
	}
}

func TestPartitionZeroShardsIsSafe(t *testing.T) {
	if got := Partition("subset-1", 0); got != 0 {
		t.Errorf("Partition with n=0 = %d, want 0", got)
	}
}
