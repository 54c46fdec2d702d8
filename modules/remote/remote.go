// Package remote simulates fetching a chunk's content from whatever origin
// the cache sits in front of. spec.md §6 describes the payload format: the
// first 4 bytes are the requesting DataId, little-endian; the rest comes
// from "a caller-supplied random buffer of length chunk_size". Real
// deployments would fetch this from a remote store; this module's Non-goal
// list excludes building one, so origin fetches are simulated with random
// bytes, the same way modules/gateway in the teacher fills unpredictable
// fields with fastrand rather than a real network round trip in tests.
package remote

import (
	"encoding/binary"

	"github.com/NebulousLabs/fastrand"
)

// Fill renders a chunk payload for id into buf, which must be exactly
// chunkSize bytes: the first 4 bytes are id (little-endian), the rest is
// freshly generated random data standing in for origin content.
func Fill(buf []byte, id uint32) {
	binary.LittleEndian.PutUint32(buf[:4], id)
	fastrand.Read(buf[4:])
}

// Fetch allocates and renders a chunk payload for id, sized chunkSize.
func Fetch(id uint32, chunkSize uint64) []byte {
	buf := make([]byte, chunkSize)
	Fill(buf, id)
	return buf
}
