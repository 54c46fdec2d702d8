package hashutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZoneChunkIDIsStableAndDistinguishesInputs(t *testing.T) {
	require.Equal(t, ZoneChunkID(1, 2), ZoneChunkID(1, 2))
	require.NotEqual(t, ZoneChunkID(1, 2), ZoneChunkID(2, 1))
}

func TestChunkChecksumDetectsMutation(t *testing.T) {
	a := []byte("chunk payload data")
	b := append([]byte(nil), a...)
	b[0] ^= 0xff
	require.NotEqual(t, ChunkChecksum(a), ChunkChecksum(b))
}
