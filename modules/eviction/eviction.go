// Package eviction implements the two cache-eviction policies named in
// spec.md §4.4: a zone-granularity promotional LRU, grounded on
// original_source/include/ze_evict_policy.h's full-zone-only scope, and a
// chunk-granularity LRU with background GC/compaction, grounded on
// original_source/include/eviction_policy_chunk.h. Both implement Policy so
// the cache facade (modules/cache) can be built against either
// interchangeably, the way modules/host/contractmanager is built against an
// interface for its storage folders rather than a concrete type.
package eviction

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/NebulousLabs/zncache/modules"
	"github.com/NebulousLabs/zncache/modules/cachemap"
	"github.com/NebulousLabs/zncache/modules/minheap"
	"github.com/NebulousLabs/zncache/modules/zonemanager"
)

// Policy is the interface the cache facade drives after every IO and
// whenever the zone state manager reports capacity exhaustion.
type Policy interface {
	// Update informs the policy that ref was just accessed with the given
	// IO type, letting it adjust its recency/priority bookkeeping.
	Update(ref modules.ChunkRef, kind modules.IOType)

	// Evict reclaims space according to the policy's own strategy. ok is
	// false if there was nothing eligible to reclaim.
	Evict() (ok bool, err error)
}

// Deps bundles the collaborators every policy needs: the zone state manager
// to reclaim zones from, the cachemap to keep consistent with whatever the
// policy invalidates or relocates, the backend for GC's chunk relocation
// reads/writes, and the externally-owned ActiveReaders array eviction must
// spin-wait on before reclaiming a zone still being read.
type Deps struct {
	ZoneManager   *zonemanager.Manager
	CacheMap      *cachemap.Map
	Backend       modules.Backend
	ActiveReaders []int32
	ChunkSize     uint64
}

func (d Deps) spinUntilNoReaders(zone uint32) {
	for atomic.LoadInt32(&d.ActiveReaders[zone]) > 0 {
		// Busy-wait per spec.md §5: this is the only spin point besides
		// ZSM's Retry, and it is expected to resolve quickly since reads
		// never block on device IO for long.
	}
}

// ZonePolicy is the zone-granularity promotional LRU of spec.md §4.4.1. It
// only tracks full zones; promotion moves a zone to the LRU tail on read,
// and eviction always reclaims the globally oldest full zone.
type ZonePolicy struct {
	deps  Deps
	mu    sync.Mutex
	order *list.List // elements are zone ids (uint32), oldest at Front
	nodes map[uint32]*list.Element
}

// NewZonePolicy builds an empty zone-granularity LRU.
func NewZonePolicy(deps Deps) *ZonePolicy {
	return &ZonePolicy{
		deps:  deps,
		order: list.New(),
		nodes: make(map[uint32]*list.Element),
	}
}

// Update appends a zone to the LRU when a write completes it, or promotes
// it to the tail on read; reads of a zone that isn't tracked (not yet full,
// or already evicted) are a no-op.
func (p *ZonePolicy) Update(ref modules.ChunkRef, kind modules.IOType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch kind {
	case modules.IOWrite:
		if ref.ChunkOffset == p.deps.ZoneManager.MaxZoneChunks()-1 {
			p.nodes[ref.Zone] = p.order.PushBack(ref.Zone)
		}
	case modules.IORead:
		if elem, ok := p.nodes[ref.Zone]; ok {
			p.order.MoveToBack(elem)
		}
	}
}

// Evict reclaims the globally oldest full zone: clears it from the
// cachemap, spin-waits for outstanding readers, then resets it on the
// device and returns it to Free.
func (p *ZonePolicy) Evict() (bool, error) {
	p.mu.Lock()
	elem := p.order.Front()
	if elem == nil {
		p.mu.Unlock()
		return false, nil
	}
	zone := elem.Value.(uint32)
	p.order.Remove(elem)
	delete(p.nodes, zone)
	p.mu.Unlock()

	p.deps.CacheMap.ClearZone(zone)
	p.deps.spinUntilNoReaders(zone)
	if err := p.deps.ZoneManager.Evict(zone); err != nil {
		return false, err
	}
	return true, nil
}

// chunkKey identifies a chunk slot independent of which id currently
// occupies it, since a slot's occupant changes across GC/compaction.
type chunkKey struct {
	zone   uint32
	offset uint32
}

// ChunkPolicy is the chunk-granularity LRU with GC of spec.md §4.4.2. It
// tracks every live chunk individually, runs ordinary LRU eviction at
// chunk granularity, and compacts or relocates the resulting
// increasingly-invalid zones to recover free zones.
type ChunkPolicy struct {
	deps Deps
	mu   sync.Mutex

	lru      *list.List // elements are modules.ChunkRef, oldest at Front
	lruNodes map[chunkKey]*list.Element

	chunksInUse map[uint32]uint32 // zone -> count of still-live chunks
	heap        minheap.Heap[uint32, uint32]
	heapHandles map[uint32]*minheap.Handle[uint32, uint32]

	totalInUse    uint32
	totalCapacity uint32

	lowThresholdChunks, highThresholdChunks uint32
	lowThresholdZones                       uint32
}

// ChunkPolicyConfig carries the GC thresholds; defaults from the original
// implementation are zone-thresholds (2,4) and chunk-thresholds (6,12), per
// spec.md §4.4.2.
type ChunkPolicyConfig struct {
	LowThresholdChunks, HighThresholdChunks uint32
	LowThresholdZones                       uint32
	NumZones                                uint32
	MaxZoneChunks                           uint32
}

// NewChunkPolicy builds an empty chunk-granularity LRU with GC.
func NewChunkPolicy(deps Deps, cfg ChunkPolicyConfig) *ChunkPolicy {
	return &ChunkPolicy{
		deps:                deps,
		lru:                 list.New(),
		lruNodes:            make(map[chunkKey]*list.Element),
		chunksInUse:         make(map[uint32]uint32),
		heapHandles:         make(map[uint32]*minheap.Handle[uint32, uint32]),
		totalCapacity:       cfg.NumZones * cfg.MaxZoneChunks,
		lowThresholdChunks:  cfg.LowThresholdChunks,
		highThresholdChunks: cfg.HighThresholdChunks,
		lowThresholdZones:   cfg.LowThresholdZones,
	}
}

// Update marks ref as freshly written or read, moving it to the LRU tail;
// a write that completes a zone inserts that zone into the GC heap.
func (p *ChunkPolicy) Update(ref modules.ChunkRef, kind modules.IOType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := chunkKey{ref.Zone, ref.ChunkOffset}
	if elem, ok := p.lruNodes[key]; ok {
		p.lru.MoveToBack(elem)
	} else if kind == modules.IOWrite {
		p.lruNodes[key] = p.lru.PushBack(ref)
		p.chunksInUse[ref.Zone]++
		p.totalInUse++
		if ref.ChunkOffset == p.deps.ZoneManager.MaxZoneChunks()-1 {
			p.heapHandles[ref.Zone] = p.heap.Insert(ref.Zone, p.chunksInUse[ref.Zone])
		}
	}
}

func (p *ChunkPolicy) freeChunks() uint32 {
	return p.totalCapacity - p.totalInUse
}

// Evict runs one full reclaim pass: dropping chunk-LRU entries down to the
// low chunk threshold if the high threshold is breached, then compacting or
// relocating increasingly-invalid zones until the free-zone low threshold
// is met or nothing remains to reclaim.
func (p *ChunkPolicy) Evict() (bool, error) {
	p.mu.Lock()
	if p.freeChunks() > p.highThresholdChunks {
		p.mu.Unlock()
		return false, nil
	}
	did := false
	for p.freeChunks() < p.lowThresholdChunks {
		elem := p.lru.Front()
		if elem == nil {
			break
		}
		ref := elem.Value.(modules.ChunkRef)
		p.lru.Remove(elem)
		delete(p.lruNodes, chunkKey{ref.Zone, ref.ChunkOffset})
		p.chunksInUse[ref.Zone]--
		p.totalInUse--
		did = true
		if handle, ok := p.heapHandles[ref.Zone]; ok {
			p.heap.Update(handle, p.chunksInUse[ref.Zone])
		}
		p.mu.Unlock()
		p.deps.ZoneManager.MarkInvalid(ref)
		p.deps.CacheMap.ClearChunk(ref)
		p.mu.Lock()
	}
	p.mu.Unlock()

	for p.deps.ZoneManager.NumFree() < p.lowThresholdZones {
		ok, err := p.gcOneZone()
		if err != nil {
			return did, err
		}
		if !ok {
			break
		}
		did = true
	}
	return did, nil
}

// gcOneZone extracts the most-invalidated filled zone from the heap and
// either relocates its surviving chunks to fresh zones, or — if the zone
// state manager can't supply fresh zones — compacts them in place.
func (p *ChunkPolicy) gcOneZone() (bool, error) {
	p.mu.Lock()
	zone, _, ok := p.heap.ExtractMin()
	if !ok {
		p.mu.Unlock()
		return false, nil
	}
	delete(p.heapHandles, zone)
	delete(p.chunksInUse, zone)
	p.mu.Unlock()

	ids, locations := p.deps.CacheMap.CompactBegin(zone)
	if len(ids) == 0 {
		return true, p.deps.ZoneManager.Evict(zone)
	}

	newLocations := make([]modules.ChunkRef, len(ids))
	relocated := true
	for i, oldRef := range locations {
		newRef, err := p.deps.ZoneManager.AcquireActive(ids[i])
		if err != nil {
			relocated = false
			break
		}
		buf := make([]byte, p.deps.ChunkSize)
		if _, err := p.deps.Backend.ReadAt(buf, p.deps.ZoneManager.ByteOffset(oldRef)); err != nil {
			p.deps.ZoneManager.ReleaseActiveFail(newRef)
			return false, err
		}
		if _, err := p.deps.Backend.WriteAt(buf, p.deps.ZoneManager.ByteOffset(newRef)); err != nil {
			p.deps.ZoneManager.ReleaseActiveFail(newRef)
			return false, err
		}
		if err := p.deps.ZoneManager.ReleaseActiveOk(newRef); err != nil {
			return false, err
		}
		newLocations[i] = newRef
		p.Update(newRef, modules.IOWrite)
	}

	if relocated {
		p.deps.CacheMap.CompactEnd(zone, ids, newLocations)
		p.deps.spinUntilNoReaders(zone)
		return true, p.deps.ZoneManager.Evict(zone)
	}

	return p.compactInPlace(zone, ids, locations)
}

// compactInPlace rewrites every surviving chunk of zone at the start of the
// same zone, used when the zone state manager has no fresh zone to offer a
// relocation. The zone is never evicted afterward: it has simply been
// shrunk to its first len(ids) chunk slots in place.
func (p *ChunkPolicy) compactInPlace(zone uint32, ids []modules.DataId, locations []modules.ChunkRef) (bool, error) {
	buf := make([]byte, p.deps.ChunkSize*uint64(len(ids)))
	for i, ref := range locations {
		chunk := buf[uint64(i)*p.deps.ChunkSize : uint64(i+1)*p.deps.ChunkSize]
		if _, err := p.deps.Backend.ReadAt(chunk, p.deps.ZoneManager.ByteOffset(ref)); err != nil {
			return false, err
		}
	}

	// These chunks are about to move to new offsets within the same zone;
	// drop their old LRU entries so Update re-adds them fresh below instead
	// of double-counting chunksInUse.
	p.mu.Lock()
	for _, ref := range locations {
		key := chunkKey{ref.Zone, ref.ChunkOffset}
		if elem, ok := p.lruNodes[key]; ok {
			p.lru.Remove(elem)
			delete(p.lruNodes, key)
		}
	}
	p.chunksInUse[zone] = 0
	p.totalInUse -= uint32(len(ids))
	p.mu.Unlock()

	p.deps.spinUntilNoReaders(zone)
	if err := p.deps.ZoneManager.CompactBeginAndWrite(zone, uint32(len(ids))); err != nil {
		return false, err
	}

	newLocations := make([]modules.ChunkRef, len(ids))
	for i, id := range ids {
		ref := modules.ChunkRef{Zone: zone, ChunkOffset: uint32(i), ID: id, InUse: true}
		chunk := buf[uint64(i)*p.deps.ChunkSize : uint64(i+1)*p.deps.ChunkSize]
		if _, err := p.deps.Backend.WriteAt(chunk, p.deps.ZoneManager.ByteOffset(ref)); err != nil {
			return false, err
		}
		newLocations[i] = ref
	}
	last := newLocations[len(newLocations)-1]
	if err := p.deps.ZoneManager.ReleaseActiveOk(last); err != nil {
		return false, err
	}

	p.deps.CacheMap.CompactEnd(zone, ids, newLocations)

	for _, ref := range newLocations {
		p.Update(ref, modules.IOWrite)
	}
	return true, nil
}
