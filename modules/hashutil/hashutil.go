// Package hashutil provides the small hashing helpers used outside the hot
// IO path: a stable fingerprint of a (zone, chunk) location for trace
// attributes (modules/tracing's SetLocation), and a payload checksum the
// profiler samples to spot-check that a chunk round-tripped through the
// cache unmodified (modules/profiler's RecordChecksum).
//
// original_source/src/eviction_policy.c's zn_pair_hash combines a zone and
// chunk offset with boost's hash_combine for use as a GHashTable key; Go's
// map keys don't need that (modules/cachemap and modules/eviction key
// directly on struct{Zone,ChunkOffset uint32}), so here the same
// combination serves tracing and fidelity sampling instead of table lookup.
package hashutil

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// key0/key1 are fixed siphash keys. They only need to be stable within a
// single run (collisions across runs are irrelevant — nothing here is used
// for security), so unlike a MAC they are not meant to be secret.
const (
	key0 = 0x9e3779b97f4a7c15
	key1 = 0xff51afd7ed558ccd
)

// ZoneChunkID returns a stable 64-bit fingerprint of a (zone, chunkOffset)
// location, for use in log lines and trace span attributes where logging
// the full modules.ChunkRef would be noisy.
func ZoneChunkID(zone, chunkOffset uint32) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], zone)
	binary.LittleEndian.PutUint32(buf[4:8], chunkOffset)
	return siphash.Hash(key0, key1, buf[:])
}

// ChunkChecksum returns a checksum of a chunk's payload, used by the
// profiler's data-fidelity sampling to confirm a chunk read back from the
// cache matches what was written for it.
func ChunkChecksum(data []byte) uint64 {
	return siphash.Hash(key0, key1, data)
}
