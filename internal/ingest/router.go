// Package ingest implements IngestCoordinator and MergeService (spec §4.7):
// the buffer/seal/publish pipeline that turns accepted rows into immutable
// parts, and the cross-catalog replication path that keeps two datasets'
// merge logs in sync.
package ingest

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// Partition picks exactly one of n worker shards for subsetUUID, computed
// locally from the identity string with no catalog round trip (spec §4.7
// "Writer affinity / routing", grounded on ingest_core.py's Router:
// blake2b-64 of the subset UUID, read little-endian, mod n).
//
// This is deliberately not load-aware: a subset always routes to the same
// shard for a fixed n, and rebalancing after n changes is out of scope.
func Partition(subsetUUID string, n int) int {
	if n <= 0 {
		return 0
	}
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(subsetUUID))
	sum := h.Sum(nil)
	v := binary.LittleEndian.Uint64(sum)
	return int(v % uint64(n))
}
