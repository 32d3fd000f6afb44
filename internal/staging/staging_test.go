package staging

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staging.db")
	q, err := Open(path, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndClaimPrefix(t *testing.T) {
	q := openTestQueue(t)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue("subset-1", 40, []byte("payload")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 100, "token-a")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected all 3 rows claimed to reach 100 rows, got %d", len(claimed))
	}
	total := 0
	for _, c := range claimed {
		total += c.NRows
	}
	if total != 120 {
		t.Errorf("total claimed rows = %d, want 120", total)
	}
}

func TestClaimPrefixLeavesRemainderUnclaimed(t *testing.T) {
	q := openTestQueue(t)
	for i := 0; i < 5; i++ {
		if err := q.Enqueue("subset-1", 20, []byte("payload")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 50, "token-a")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	// 20+20+20 = 60 >= 50, so 3 rows should be claimed, 2 left behind.
	if len(claimed) != 3 {
		t.Fatalf("expected 3 rows claimed, got %d", len(claimed))
	}
	hot, err := q.HotSubsets(10)
	if err != nil {
		t.Fatalf("HotSubsets: %v", err)
	}
	if len(hot) != 1 || hot[0] != "subset-1" {
		t.Errorf("expected subset-1 to remain hot with leftover rows, got %v", hot)
	}
}

func TestClaimPrefixOversizeSingleRow(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("subset-1", 500, []byte("big")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("subset-1", 10, []byte("small")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 100, "token-a")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if len(claimed) != 1 || claimed[0].NRows != 500 {
		t.Fatalf("expected the oversize row claimed alone, got %+v", claimed)
	}
}

func TestClaimPrefixGarbageCollectsZeroRowEntries(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("subset-1", 0, []byte("")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue("subset-1", 0, []byte("")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 100, "token-a")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected nothing claimed when no prefix reaches partRows, got %+v", claimed)
	}
	hot, err := q.HotSubsets(10)
	if err != nil {
		t.Fatalf("HotSubsets: %v", err)
	}
	if len(hot) != 0 {
		t.Errorf("expected zero-row entries to be garbage-collected, leaving no hot subsets, got %v", hot)
	}
}

func TestUnclaimReturnsRowsToPool(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("subset-1", 100, []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 50, "token-a")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 row claimed, got %d", len(claimed))
	}
	if err := q.Unclaim("token-a"); err != nil {
		t.Fatalf("Unclaim: %v", err)
	}
	claimed2, err := q.SelectAndClaimPrefix("subset-1", 50, "token-b")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix (after unclaim): %v", err)
	}
	if len(claimed2) != 1 {
		t.Fatalf("expected unclaimed row to be claimable again, got %d", len(claimed2))
	}
}

func TestDeleteClaimedRemovesRows(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("subset-1", 100, []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 50, "token-a")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 row claimed, got %d", len(claimed))
	}
	if err := q.DeleteClaimed("token-a"); err != nil {
		t.Fatalf("DeleteClaimed: %v", err)
	}
	hot, err := q.HotSubsets(10)
	if err != nil {
		t.Fatalf("HotSubsets: %v", err)
	}
	if len(hot) != 0 {
		t.Errorf("expected no hot subsets after deleting the only rows, got %v", hot)
	}
}

func TestReclaimStaleReturnsOldClaimsToPool(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("subset-1", 100, []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.SelectAndClaimPrefix("subset-1", 50, "token-a"); err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if err := q.ReclaimStale(0); err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 50, "token-b")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix (after reclaim): %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected stale claim reclaimed and re-claimable, got %d", len(claimed))
	}
}

func TestReclaimStaleLeavesFreshClaimsAlone(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Enqueue("subset-1", 100, []byte("payload")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.SelectAndClaimPrefix("subset-1", 50, "token-a"); err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if err := q.ReclaimStale(time.Hour); err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	claimed, err := q.SelectAndClaimPrefix("subset-1", 50, "token-b")
	if err != nil {
		t.Fatalf("SelectAndClaimPrefix: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected the fresh claim to remain held, but got %d rows under a new token", len(claimed))
	}
}

func TestCheckpointDoesNotError(t *testing.T) {
	q := openTestQueue(t)
	if err := q.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}
