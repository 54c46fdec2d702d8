// Package cache implements the facade described in spec.md §4.5/§4.6: the
// get(id, scratch) state machine that ties together the zone state manager,
// the cachemap rendezvous, an eviction policy, and the device backend, plus
// the background evict thread that keeps free zones above a low watermark
// between requests.
//
// The state machine and the eviction-thread loop are grounded on
// original_source/src/zncache.c's task_function/evict_task pair: a cache
// hit reads and promotes; a miss becomes the fetching goroutine's
// responsibility to acquire a zone (retrying or evicting as the zone state
// manager demands), render the chunk, write it out, and publish it for
// every other goroutine waiting on the same id.
package cache

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/NebulousLabs/errors"
	"github.com/NebulousLabs/threadgroup"

	"github.com/NebulousLabs/zncache/modules"
	"github.com/NebulousLabs/zncache/modules/cachemap"
	"github.com/NebulousLabs/zncache/modules/eviction"
	"github.com/NebulousLabs/zncache/modules/zonemanager"
	"github.com/NebulousLabs/zncache/persist"
)

// EvictSleep is how long the background evict thread sleeps between polls
// when the free-zone count is comfortably above the high threshold,
// matching original_source/include/eviction_policy.h's EVICT_SLEEP_US used
// at zone granularity (spec.md §4.6).
const EvictSleep = 500 * time.Millisecond

// Config carries the free-zone watermarks the cache facade polls outside of
// whatever GC thresholds a chunk-granularity policy tracks internally.
// Names follow original_source/include/eviction_policy.h's
// EVICT_HIGH_THRESH_ZONES (2) / EVICT_LOW_THRESH_ZONES (4): confusingly,
// "high" is the smaller number — it is the free-zone count above which the
// background thread considers itself caught up and sleeps, while "low" is
// the target the foreground loop evicts up to.
type Config struct {
	HighThresholdZones uint32
	LowThresholdZones  uint32
}

// DefaultConfig reproduces the original implementation's zone-granularity
// watermarks.
var DefaultConfig = Config{HighThresholdZones: 2, LowThresholdZones: 4}

// Cache is the get(id) facade. Construct one with New.
type Cache struct {
	zm      *zonemanager.Manager
	cm      *cachemap.Map
	backend modules.Backend
	policy  eviction.Policy
	log     *persist.Logger

	activeReaders []int32
	chunkSize     uint64
	cfg           Config

	hits   uint64
	misses uint64

	tg threadgroup.ThreadGroup
}

// PolicyFactory builds an eviction.Policy once the facade's zone state
// manager, cachemap, and ActiveReaders array exist, since every Policy
// implementation needs those as its Deps.
type PolicyFactory func(deps eviction.Deps) eviction.Policy

// New builds a Cache over backend, wiring zonemanager and cachemap and
// handing newPolicy the Deps it needs to build whichever eviction policy
// the caller chose (zone- or chunk-granularity).
func New(backend modules.Backend, chunkSize uint64, newPolicy PolicyFactory, cfg Config, log *persist.Logger) (*Cache, error) {
	zm, err := zonemanager.New(backend, chunkSize)
	if err != nil {
		return nil, err
	}

	numZones := backend.Info().NumZones
	activeReaders := make([]int32, numZones)
	cm := cachemap.New(numZones, activeReaders)

	deps := eviction.Deps{
		ZoneManager:   zm,
		CacheMap:      cm,
		Backend:       backend,
		ActiveReaders: activeReaders,
		ChunkSize:     chunkSize,
	}

	return &Cache{
		zm:            zm,
		cm:            cm,
		backend:       backend,
		policy:        newPolicy(deps),
		log:           log,
		activeReaders: activeReaders,
		chunkSize:     chunkSize,
		cfg:           cfg,
	}, nil
}

// HitRatio returns the fraction of Get calls served without a write to the
// backend, for the profiler (spec.md §6's profiler metrics).
func (c *Cache) HitRatio() float64 {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// renderChunk builds the payload for id the way spec.md §6 describes: the
// requesting id in the first 4 bytes, little-endian, followed by the
// caller's thread-local scratch bytes. scratch must be at least chunkSize
// long; the returned buffer is a fresh copy, owned by the caller.
func renderChunk(id modules.DataId, scratch []byte, chunkSize uint64) []byte {
	buf := make([]byte, chunkSize)
	copy(buf, scratch[:chunkSize])
	binary.LittleEndian.PutUint32(buf[:4], uint32(id))
	return buf
}

// Get implements the state machine of spec.md §4.5. On a hit it reads the
// chunk's current contents back from the device; on a miss it renders a
// fresh payload from scratch (the caller's thread-local seed buffer) and
// writes it out before returning it. Get returns a nil buf on failure; the
// underlying error is logged. hit reports whether the call was served
// without writing to the backend, distinct from buf being non-nil (a
// successful miss-fill is not a hit).
func (c *Cache) Get(id modules.DataId, scratch []byte) (buf []byte, ref modules.ChunkRef, hit bool) {
	ref, ok := c.cm.Find(id)
	if ok {
		buf := make([]byte, c.chunkSize)
		_, err := c.backend.ReadAt(buf, c.zm.ByteOffset(ref))
		atomic.AddInt32(&c.activeReaders[ref.Zone], -1)
		if err != nil {
			c.log.Println("get: read failed for id", id, ":", err)
			return nil, modules.ChunkRef{}, false
		}
		c.policy.Update(ref, modules.IORead)
		atomic.AddUint64(&c.hits, 1)
		return buf, ref, true
	}

	atomic.AddUint64(&c.misses, 1)
	buf, ref = c.fill(id, scratch)
	return buf, ref, false
}

// fill is the miss path: the caller already owns id's Pending slot and must
// either publish a location for it or fail_publish so other waiters can
// retry.
func (c *Cache) fill(id modules.DataId, scratch []byte) ([]byte, modules.ChunkRef) {
	var ref modules.ChunkRef
	for {
		var err error
		ref, err = c.zm.AcquireActive(id)
		if err == nil {
			break
		}
		if modules.IsRetry(err) {
			runtime.Gosched()
			continue
		}
		if modules.IsEvict(err) {
			c.foregroundEvict()
			continue
		}
		c.log.Println("get: acquire_active failed for id", id, ":", err)
		c.cm.FailPublish(id)
		return nil, modules.ChunkRef{}
	}

	buf := renderChunk(id, scratch, c.chunkSize)
	if _, err := c.backend.WriteAt(buf, c.zm.ByteOffset(ref)); err != nil {
		c.log.Println("get: write failed for id", id, ":", errors.Compose(modules.ErrWriteFailed, err))
		c.zm.ReleaseActiveFail(ref)
		c.cm.FailPublish(id)
		return nil, modules.ChunkRef{}
	}

	if err := c.zm.ReleaseActiveOk(ref); err != nil {
		c.log.Println("get: release_active_ok failed for id", id, ":", err)
		c.cm.FailPublish(id)
		return nil, modules.ChunkRef{}
	}
	if err := c.cm.Publish(id, ref); err != nil {
		c.log.Println("get: publish failed for id", id, ":", err)
		return nil, modules.ChunkRef{}
	}
	c.policy.Update(ref, modules.IOWrite)
	return buf, ref
}

// foregroundEvict runs the policy's Evict repeatedly until the free-zone
// count reaches the low threshold or the policy reports nothing left to
// reclaim, per spec.md §4.5's foreground-eviction rule.
func (c *Cache) foregroundEvict() {
	for c.zm.NumFree() < c.cfg.LowThresholdZones {
		ok, err := c.policy.Evict()
		if err != nil {
			c.log.Println("foreground evict:", err)
			return
		}
		if !ok {
			return
		}
	}
}

// StartEvictThread launches the background evict thread of spec.md §4.6: it
// polls the free-zone count, sleeping when comfortably above the high
// threshold and otherwise calling the policy's Evict once per iteration. It
// runs until Stop is called.
func (c *Cache) StartEvictThread() error {
	if err := c.tg.Add(); err != nil {
		return err
	}
	go func() {
		defer c.tg.Done()
		for {
			select {
			case <-c.tg.StopChan():
				return
			default:
			}

			if c.zm.NumFree() > c.cfg.HighThresholdZones {
				select {
				case <-time.After(EvictSleep):
				case <-c.tg.StopChan():
					return
				}
				continue
			}

			if _, err := c.policy.Evict(); err != nil {
				c.log.Println("background evict:", err)
			}
		}
	}()
	return nil
}

// Stop halts the background evict thread and waits for it to exit.
func (c *Cache) Stop() error {
	return c.tg.Stop()
}

// Close stops the background evict thread (if any) and closes the backend.
func (c *Cache) Close() error {
	c.tg.Stop()
	return c.backend.Close()
}
