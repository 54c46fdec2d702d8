// Package cachemap implements the identifier-to-location index described in
// spec.md §4.3: a concurrent map from a DataId to either a Location (it has
// been written) or a Pending slot (some goroutine is writing it now, and
// everyone else should wait for that goroutine to publish or fail).
//
// The rendezvous mirrors original_source/include/cachemap.h's zone_map_result
// union of "location" or "condition variable to wait on", generalized from a
// single shared GMutex/GCond pair to one condition variable per pending
// entry so that waiters for different ids don't wake each other spuriously.
package cachemap

import (
	"sync"
	"sync/atomic"

	"github.com/NebulousLabs/demotemutex"

	"github.com/NebulousLabs/zncache/modules"
)

type pendingSlot struct {
	cond     *sync.Cond
	refcount int
}

type slot struct {
	location modules.ChunkRef
	pending  *pendingSlot
}

// Map is the concurrent id -> location index. The zero value is not usable;
// construct one with New, passing the cache facade's ActiveReaders array.
//
// The internal lock is a demotemutex.DemoteMutex rather than a plain
// sync.RWMutex: Find's overwhelmingly common case (the id is already
// published) only reads the map, so it takes a read lock; Publish,
// FailPublish, and the compaction entry points mutate the map and take the
// write lock. Per-entry condition variables are still built on the same
// lock, matched the way sync.Cond requires (Wait only ever calls the
// embedded Locker's Lock/Unlock, so the fast RLock path is unaffected).
type Map struct {
	mu            demotemutex.DemoteMutex
	index         map[modules.DataId]*slot
	zoneContents  map[uint32]map[uint32]modules.DataId
	activeReaders []int32
}

// New builds an empty Map over a device with the given number of zones.
// activeReaders is owned by the caller (the cache facade); Find increments
// activeReaders[zone] on every hit, and the caller is responsible for
// decrementing it once the corresponding read completes.
func New(numZones uint32, activeReaders []int32) *Map {
	return &Map{
		index:         make(map[modules.DataId]*slot),
		zoneContents:  make(map[uint32]map[uint32]modules.DataId),
		activeReaders: activeReaders,
	}
}

// Find looks up id. If it is already published, ok is true, ref is its
// location, and activeReaders[ref.Zone] has been incremented on the
// caller's behalf — the caller must decrement it once its read completes.
// If ok is false, Find has installed a fresh Pending slot for id and the
// caller is now responsible for writing it and calling Publish or
// FailPublish; Find never returns false while another goroutine already
// owns the write.
func (m *Map) Find(id modules.DataId) (ref modules.ChunkRef, ok bool) {
	m.mu.RLock()
	if s, present := m.index[id]; present && s.pending == nil {
		ref = s.location
		atomic.AddInt32(&m.activeReaders[ref.Zone], 1)
		m.mu.RUnlock()
		return ref, true
	}
	m.mu.RUnlock()

	m.mu.Lock()
	for {
		s, present := m.index[id]
		if !present {
			cond := sync.NewCond(&m.mu)
			m.index[id] = &slot{pending: &pendingSlot{cond: cond, refcount: 1}}
			m.mu.Unlock()
			return modules.ChunkRef{}, false
		}
		if s.pending != nil {
			s.pending.refcount++
			s.pending.cond.Wait()
			s.pending.refcount--
			continue
		}
		ref = s.location
		atomic.AddInt32(&m.activeReaders[ref.Zone], 1)
		m.mu.Unlock()
		return ref, true
	}
}

// Publish records id's location, wakes every goroutine waiting on it, and
// adds the (chunk offset -> id) entry used by ClearZone/CompactBegin.
// Publish returns modules.ErrNoSuchId if no Pending slot exists for id.
func (m *Map) Publish(id modules.DataId, ref modules.ChunkRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, present := m.index[id]
	if !present || s.pending == nil {
		return modules.ErrNoSuchId
	}
	cond := s.pending.cond
	s.pending = nil
	s.location = ref

	zc := m.zoneContents[ref.Zone]
	if zc == nil {
		zc = make(map[uint32]modules.DataId)
		m.zoneContents[ref.Zone] = zc
	}
	zc[ref.ChunkOffset] = id

	cond.Broadcast()
	return nil
}

// FailPublish tears down id's Pending slot after a failed write, waking
// every waiter so they re-enter Find and become the new writer.
func (m *Map) FailPublish(id modules.DataId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, present := m.index[id]
	if !present || s.pending == nil {
		return modules.ErrNoSuchId
	}
	cond := s.pending.cond
	delete(m.index, id)
	cond.Broadcast()
	return nil
}

// ClearZone removes every id published in zone, used when a zone is fully
// evicted.
func (m *Map) ClearZone(zone uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.zoneContents[zone] {
		delete(m.index, id)
	}
	delete(m.zoneContents, zone)
}

// ClearChunk removes the single id occupying ref, used by chunk-granularity
// GC after a chunk has been relocated or found already invalid.
func (m *Map) ClearChunk(ref modules.ChunkRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zc, present := m.zoneContents[ref.Zone]
	if !present {
		return
	}
	if id, present := zc[ref.ChunkOffset]; present {
		delete(m.index, id)
		delete(zc, ref.ChunkOffset)
	}
}

// CompactBegin snapshots zone's live contents and turns every entry back
// into a fresh Pending slot, so that readers block until CompactEnd
// re-publishes them. It returns the ids and their pre-compaction locations,
// in no particular order.
func (m *Map) CompactBegin(zone uint32) (ids []modules.DataId, locations []modules.ChunkRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zc := m.zoneContents[zone]
	ids = make([]modules.DataId, 0, len(zc))
	locations = make([]modules.ChunkRef, 0, len(zc))
	for _, id := range zc {
		s := m.index[id]
		ids = append(ids, id)
		locations = append(locations, s.location)
		s.pending = &pendingSlot{cond: sync.NewCond(&m.mu)}
	}
	return ids, locations
}

// CompactEnd re-publishes every id from a prior CompactBegin at its new
// location, waking any readers that blocked in the meantime.
func (m *Map) CompactEnd(zone uint32, ids []modules.DataId, newLocations []modules.ChunkRef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.zoneContents, zone)
	for i, id := range ids {
		s, present := m.index[id]
		if !present || s.pending == nil {
			continue
		}
		cond := s.pending.cond
		ref := newLocations[i]
		s.pending = nil
		s.location = ref

		zc := m.zoneContents[ref.Zone]
		if zc == nil {
			zc = make(map[uint32]modules.DataId)
			m.zoneContents[ref.Zone] = zc
		}
		zc[ref.ChunkOffset] = id
		cond.Broadcast()
	}
}
