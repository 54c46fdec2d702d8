package cache

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NebulousLabs/zncache/build"
	"github.com/NebulousLabs/zncache/modules"
	"github.com/NebulousLabs/zncache/modules/eviction"
	"github.com/NebulousLabs/zncache/persist"
)

// memBackend mirrors modules/eviction's in-memory backend: a byte slice
// standing in for the device so cache facade tests can exercise the full
// acquire/write/publish/evict cycle without touching the filesystem.
type memBackend struct {
	data []byte
	info modules.DeviceInfo
}

func newMemBackend(numZones uint32, zoneSize uint64) *memBackend {
	return &memBackend{
		data: make([]byte, uint64(numZones)*zoneSize),
		info: modules.DeviceInfo{
			NumZones:     numZones,
			ZoneSize:     zoneSize,
			ZoneCapacity: zoneSize,
			Backend:      modules.BackendBlock,
		},
	}
}

func (b *memBackend) Info() modules.DeviceInfo { return b.info }
func (b *memBackend) OpenZone(uint32) error    { return nil }
func (b *memBackend) FinishZone(uint32) error  { return nil }
func (b *memBackend) ResetZone(zone uint32) error {
	off := uint64(zone) * b.info.ZoneSize
	for i := off; i < off+b.info.ZoneSize; i++ {
		b.data[i] = 0
	}
	return nil
}
func (b *memBackend) Close() error { return nil }
func (b *memBackend) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, b.data[off:]), nil
}
func (b *memBackend) WriteAt(p []byte, off int64) (int, error) {
	return copy(b.data[off:], p), nil
}

const testChunkSize = 16

func newTestLogger(t *testing.T) *persist.Logger {
	t.Helper()
	dir := build.TempDir("cache", t.Name())
	log, err := persist.NewLogger(filepath.Join(dir, "cache.log"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func newTestCache(t *testing.T, numZones, maxZoneChunks uint32, cfg Config) (*Cache, *memBackend) {
	t.Helper()
	zoneSize := uint64(maxZoneChunks) * testChunkSize
	backend := newMemBackend(numZones, zoneSize)
	c, err := New(backend, testChunkSize, func(deps eviction.Deps) eviction.Policy {
		return eviction.NewZonePolicy(deps)
	}, cfg, newTestLogger(t))
	require.NoError(t, err)
	return c, backend
}

func scratchFor(seed byte) []byte {
	buf := make([]byte, testChunkSize)
	for i := range buf {
		buf[i] = seed
	}
	return buf
}

// TestGetMissWritesThenHitReadsBack exercises the full miss path (acquire,
// render, write, release, publish, policy update) and then the hit path,
// confirming the second call returns the same bytes the first call wrote.
func TestGetMissWritesThenHitReadsBack(t *testing.T) {
	c, _ := newTestCache(t, 4, 4, DefaultConfig)
	defer c.Close()

	scratch := scratchFor(0xAB)
	first, _, hit := c.Get(modules.DataId(7), scratch)
	require.NotNil(t, first)
	require.False(t, hit, "the first call is a miss")
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(first[:4]))

	second, _, hit := c.Get(modules.DataId(7), scratch)
	require.NotNil(t, second)
	require.True(t, hit, "the second call should be served from cache")
	require.Equal(t, first, second)
	require.InDelta(t, 0.5, c.HitRatio(), 1e-9)
}

// TestFillOneZoneExactly reproduces spec.md §8 scenario S2: with
// max_zone_chunks = 4, four serial misses should fill zone 0 to Full after
// the fourth publish, leaving exactly one full zone that zone-LRU now
// tracks.
func TestFillOneZoneExactly(t *testing.T) {
	c, _ := newTestCache(t, 4, 4, DefaultConfig)
	defer c.Close()

	scratch := scratchFor(0x11)
	for id := modules.DataId(1); id <= 4; id++ {
		buf, _, _ := c.Get(id, scratch)
		require.NotNil(t, buf)
	}

	require.Equal(t, uint32(1), c.zm.NumFull())
	require.Equal(t, uint32(0), c.zm.NumActive())

	ref, ok := c.cm.Find(modules.DataId(1))
	require.True(t, ok)
	require.Equal(t, uint32(0), ref.Zone)
	atomic.AddInt32(&c.activeReaders[ref.Zone], -1)
}

// TestGetConcurrentMissesSameIdPublishOnce reproduces spec.md §8 scenario
// S1 through the full facade: many goroutines miss on the same id
// concurrently, and exactly one of them should become the writer while the
// rest block in cachemap.Find and observe the published result.
func TestGetConcurrentMissesSameIdPublishOnce(t *testing.T) {
	c, _ := newTestCache(t, 4, 4, DefaultConfig)
	defer c.Close()

	const n = 8
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf, _, _ := c.Get(modules.DataId(42), scratchFor(byte(i)))
			results[i] = buf
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NotNil(t, results[i])
		require.Equal(t, results[0], results[i], "every caller must observe the single published value")
	}
}

// TestForegroundEvictReclaimsOnExhaustion fills every zone so that
// AcquireActive reports modules.ErrEvict, forcing the miss path to run
// foreground eviction before it can complete the write.
func TestForegroundEvictReclaimsOnExhaustion(t *testing.T) {
	cfg := Config{HighThresholdZones: 0, LowThresholdZones: 1}
	c, _ := newTestCache(t, 2, 1, cfg)
	defer c.Close()

	// Fill both zones (1 chunk each) so the free and active queues empty
	// out and the next Get must evict before it can acquire a zone.
	buf1, _, _ := c.Get(modules.DataId(1), scratchFor(1))
	require.NotNil(t, buf1)
	buf2, _, _ := c.Get(modules.DataId(2), scratchFor(2))
	require.NotNil(t, buf2)
	require.Equal(t, uint32(0), c.zm.NumFree())

	buf3, _, _ := c.Get(modules.DataId(3), scratchFor(3))
	require.NotNil(t, buf3)

	_, stillCached := c.cm.Find(modules.DataId(1))
	require.False(t, stillCached, "the oldest full zone should have been evicted to make room for id 3")
	ref, ok := c.cm.Find(modules.DataId(3))
	require.True(t, ok)
	atomic.AddInt32(&c.activeReaders[ref.Zone], -1)
}

// TestBackgroundEvictThreadReclaimsZones starts the background evict
// thread, fills the device below the high threshold, and checks that free
// zones are reclaimed without any foreground Get ever blocking on eviction.
func TestBackgroundEvictThreadReclaimsZones(t *testing.T) {
	cfg := Config{HighThresholdZones: 1, LowThresholdZones: 2}
	c, _ := newTestCache(t, 3, 1, cfg)
	defer c.Close()

	require.NoError(t, c.StartEvictThread())

	buf1, _, _ := c.Get(modules.DataId(1), scratchFor(1))
	require.NotNil(t, buf1)
	buf2, _, _ := c.Get(modules.DataId(2), scratchFor(2))
	require.NotNil(t, buf2)

	require.Eventually(t, func() bool {
		return c.zm.NumFree() >= 2
	}, time.Second, 5*time.Millisecond, "background evict thread should reclaim a full zone above the high threshold")

	require.NoError(t, c.Stop())
}

// TestStopHaltsBackgroundEvictThread checks that Stop returns promptly and
// the thread does not linger.
func TestStopHaltsBackgroundEvictThread(t *testing.T) {
	c, _ := newTestCache(t, 2, 2, DefaultConfig)
	require.NoError(t, c.StartEvictThread())

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
