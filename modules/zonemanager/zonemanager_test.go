package zonemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NebulousLabs/zncache/modules"
)

// mockBackend is a minimal in-memory modules.Backend, in the style of
// modules/host/contractmanager's productionDependencies/mock split: real
// I/O is replaced with bookkeeping a test can assert against.
type mockBackend struct {
	info      modules.DeviceInfo
	opened    map[uint32]bool
	finished  map[uint32]bool
	reset     map[uint32]bool
	failOpen  bool
	failReset bool
}

func newMockBackend(numZones uint32, zoneSize uint64, maxActive uint32) *mockBackend {
	return &mockBackend{
		info: modules.DeviceInfo{
			NumZones:       numZones,
			ZoneSize:       zoneSize,
			ZoneCapacity:   zoneSize,
			MaxActiveZones: maxActive,
			Backend:        modules.BackendZNS,
		},
		opened:   make(map[uint32]bool),
		finished: make(map[uint32]bool),
		reset:    make(map[uint32]bool),
	}
}

func (b *mockBackend) Info() modules.DeviceInfo { return b.info }
func (b *mockBackend) OpenZone(zone uint32) error {
	if b.failOpen {
		return modules.ErrDeviceFault
	}
	b.opened[zone] = true
	return nil
}
func (b *mockBackend) FinishZone(zone uint32) error {
	b.finished[zone] = true
	return nil
}
func (b *mockBackend) ResetZone(zone uint32) error {
	if b.failReset {
		return modules.ErrDeviceFault
	}
	b.reset[zone] = true
	return nil
}
func (b *mockBackend) ReadAt(p []byte, off int64) (int, error)  { return len(p), nil }
func (b *mockBackend) WriteAt(p []byte, off int64) (int, error) { return len(p), nil }
func (b *mockBackend) Close() error                             { return nil }

const testChunkSize = 4096

// TestAcquireActiveOpensFreeZone checks that acquiring with an empty active
// queue pulls from the free queue and opens the zone on the device.
func TestAcquireActiveOpensFreeZone(t *testing.T) {
	backend := newMockBackend(4, testChunkSize*4, 2)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	ref, err := m.AcquireActive(1)
	require.NoError(t, err)
	require.Equal(t, uint32(0), ref.ChunkOffset)
	require.True(t, backend.opened[ref.Zone])
	require.Equal(t, uint32(3), m.NumFree())
}

// TestReleaseActiveOkAdvancesCursorAndFinishes checks the cursor-reaches-max
// transition to Full and the device finish call that accompanies it.
func TestReleaseActiveOkAdvancesCursorAndFinishes(t *testing.T) {
	backend := newMockBackend(1, testChunkSize*2, 1)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	ref, err := m.AcquireActive(1)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseActiveOk(ref))
	require.Equal(t, uint32(1), m.NumActive())
	require.Equal(t, uint32(0), m.NumFull())

	ref2, err := m.AcquireActive(2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), ref2.ChunkOffset)
	require.NoError(t, m.ReleaseActiveOk(ref2))
	require.True(t, backend.finished[ref2.Zone])
	require.Equal(t, uint32(1), m.NumFull())
	require.Equal(t, uint32(0), m.NumActive())
}

// TestAcquireActiveRetryWhenBudgetSaturated checks ErrRetry is returned when
// the active-zone budget is exhausted but a free zone theoretically exists.
func TestAcquireActiveRetryWhenBudgetSaturated(t *testing.T) {
	backend := newMockBackend(2, testChunkSize*4, 1)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	_, err = m.AcquireActive(1)
	require.NoError(t, err)

	_, err = m.AcquireActive(2)
	require.ErrorIs(t, err, modules.ErrRetry)
}

// TestAcquireActiveEvictWhenExhausted checks ErrEvict when both queues are
// empty.
func TestAcquireActiveEvictWhenExhausted(t *testing.T) {
	backend := newMockBackend(1, testChunkSize, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	ref, err := m.AcquireActive(1)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseActiveOk(ref)) // fills the only zone

	_, err = m.AcquireActive(2)
	require.ErrorIs(t, err, modules.ErrEvict)
}

// TestEvictResetsAndFrees checks the Full -> Free transition via device
// reset.
func TestEvictResetsAndFrees(t *testing.T) {
	backend := newMockBackend(1, testChunkSize, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	ref, err := m.AcquireActive(1)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseActiveOk(ref))
	require.Equal(t, uint32(1), m.NumFull())

	require.NoError(t, m.Evict(ref.Zone))
	require.True(t, backend.reset[ref.Zone])
	require.Equal(t, uint32(0), m.NumFull())
	require.Equal(t, uint32(1), m.NumFree())
}

// TestReleaseActiveFailReturnsZoneWithoutAdvancing checks that a failed
// write leaves the cursor untouched.
func TestReleaseActiveFailReturnsZoneWithoutAdvancing(t *testing.T) {
	backend := newMockBackend(1, testChunkSize*2, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	ref, err := m.AcquireActive(1)
	require.NoError(t, err)
	require.NoError(t, m.ReleaseActiveFail(ref))

	ref2, err := m.AcquireActive(2)
	require.NoError(t, err)
	require.Equal(t, uint32(0), ref2.ChunkOffset)
}

// TestMarkInvalidAccumulates checks invalid-chunk bookkeeping used by the
// chunk-granularity eviction policy's GC pass.
func TestMarkInvalidAccumulates(t *testing.T) {
	backend := newMockBackend(1, testChunkSize*4, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	m.MarkInvalid(modules.ChunkRef{Zone: 0, ChunkOffset: 0})
	m.MarkInvalid(modules.ChunkRef{Zone: 0, ChunkOffset: 1})
	require.Equal(t, uint32(2), m.NumInvalid(0))
}

// TestMarkInvalidIsIdempotent checks spec.md §8's requirement that
// mark_invalid is idempotent per (zone, chunk): marking the same chunk
// invalid twice must not duplicate its entry.
func TestMarkInvalidIsIdempotent(t *testing.T) {
	backend := newMockBackend(1, testChunkSize*4, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	m.MarkInvalid(modules.ChunkRef{Zone: 0, ChunkOffset: 0})
	m.MarkInvalid(modules.ChunkRef{Zone: 0, ChunkOffset: 0})
	m.MarkInvalid(modules.ChunkRef{Zone: 0, ChunkOffset: 0})
	require.Equal(t, uint32(1), m.NumInvalid(0))
}

// TestCompactBeginAndWriteReopensFullZone checks the GC compaction entry
// point that skips the free-zone queue entirely.
func TestCompactBeginAndWriteReopensFullZone(t *testing.T) {
	backend := newMockBackend(1, testChunkSize*4, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	ref, err := m.AcquireActive(1)
	require.NoError(t, err)
	zone := ref.Zone
	require.NoError(t, m.ReleaseActiveFail(ref)) // hand the zone back unwritten so the loop can fill it
	for i := 0; i < 4; i++ {
		ref, err = m.AcquireActive(modules.DataId(i))
		require.NoError(t, err)
		require.NoError(t, m.ReleaseActiveOk(ref))
	}
	require.Equal(t, uint32(1), m.NumFull())

	require.NoError(t, m.CompactBeginAndWrite(zone, 2))
	require.Equal(t, uint32(0), m.NumFull())
}

// TestByteOffsetComputation checks the write-pointer formula.
func TestByteOffsetComputation(t *testing.T) {
	backend := newMockBackend(4, testChunkSize*4, 4)
	m, err := New(backend, testChunkSize)
	require.NoError(t, err)

	off := m.ByteOffset(modules.ChunkRef{Zone: 2, ChunkOffset: 3})
	require.Equal(t, int64(2*testChunkSize*4+3*testChunkSize), off)
}
