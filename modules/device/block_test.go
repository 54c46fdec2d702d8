package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NebulousLabs/zncache/build"
	"github.com/NebulousLabs/zncache/modules"
)

func newTestBlockFile(t *testing.T, zoneSize uint64, numZones uint32) string {
	t.Helper()
	dir := build.TempDir("device", t.Name())
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "backing.img")
	require.NoError(t, build.CopyFile("/dev/null", path))
	return path
}

// TestBlockBackendInfo checks that fabricated geometry round-trips.
func TestBlockBackendInfo(t *testing.T) {
	path := newTestBlockFile(t, 1<<20, 4)
	b, err := OpenBlock(path, 1<<20, 4)
	require.NoError(t, err)
	defer b.Close()

	info := b.Info()
	require.Equal(t, uint32(4), info.NumZones)
	require.Equal(t, uint64(1<<20), info.ZoneSize)
	require.Equal(t, uint64(1<<20), info.ZoneCapacity)
	require.Equal(t, modules.BackendBlock, info.Backend)
}

// TestBlockBackendZoneOpsAreNoops checks that Open/Finish never error on a
// backend with no native zone concept.
func TestBlockBackendZoneOpsAreNoops(t *testing.T) {
	path := newTestBlockFile(t, 1<<20, 4)
	b, err := OpenBlock(path, 1<<20, 4)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.OpenZone(0))
	require.NoError(t, b.FinishZone(0))
}

// TestBlockBackendReadWriteRoundTrip checks positional IO correctness.
func TestBlockBackendReadWriteRoundTrip(t *testing.T) {
	path := newTestBlockFile(t, 1<<20, 4)
	b, err := OpenBlock(path, 1<<20, 4)
	require.NoError(t, err)
	defer b.Close()

	want := []byte("zoned namespace cache chunk payload")
	n, err := b.WriteAt(want, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)

	got := make([]byte, len(want))
	n, err = b.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.Equal(t, want, got)
}
