// Package zonemanager implements the zone state manager (ZSM): the
// authority on every zone's lifecycle, the only component that issues
// zone-management commands to the device, and the gatekeeper for the
// active-zone budget a ZNS device enforces.
//
// Zones move Free -> Active -> Writing -> Active (...) -> Full -> Free.
// State transitions and the active/free queues are guarded by a single
// mutex that is never held across a device call; callers that need to open
// or reset a zone see the mutex released for the duration of that call, the
// same discipline modules/host/contractmanager uses around its storage
// folder locks.
package zonemanager

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/NebulousLabs/errors"

	"github.com/NebulousLabs/zncache/modules"
)

// DefaultMaxActiveZones is used when the device reports no active-zone
// limit (MaxActiveZones == 0 in modules.DeviceInfo).
const DefaultMaxActiveZones = 14

type zoneState struct {
	condition   modules.ZoneCondition
	chunkOffset uint32
	invalid     []uint32
	elem        *list.Element // this zone's node in activeQueue or freeQueue, nil otherwise
}

// Manager is the zone state manager described above. The zero value is not
// usable; construct one with New.
type Manager struct {
	mu sync.Mutex

	zones       []zoneState
	activeQueue *list.List // elements are zone ids (uint32)
	freeQueue   *list.List // elements are zone ids (uint32)

	writesInProgress uint32
	numFull          uint32

	backend        modules.Backend
	info           modules.DeviceInfo
	maxActiveZones uint32
	maxZoneChunks  uint32
	chunkSize      uint64
}

// New builds a zone state manager over backend, with every zone initially
// Free. chunkSize must evenly divide the backend's reported zone capacity.
func New(backend modules.Backend, chunkSize uint64) (*Manager, error) {
	info := backend.Info()
	if chunkSize == 0 || info.ZoneCapacity%chunkSize != 0 {
		return nil, fmt.Errorf("zonemanager: chunk size %d does not evenly divide zone capacity %d", chunkSize, info.ZoneCapacity)
	}

	maxActive := info.MaxActiveZones
	if maxActive == 0 {
		maxActive = DefaultMaxActiveZones
	}

	m := &Manager{
		zones:          make([]zoneState, info.NumZones),
		activeQueue:    list.New(),
		freeQueue:      list.New(),
		backend:        backend,
		info:           info,
		maxActiveZones: maxActive,
		maxZoneChunks:  uint32(info.ZoneCapacity / chunkSize),
		chunkSize:      chunkSize,
	}
	for z := uint32(0); z < info.NumZones; z++ {
		m.zones[z].condition = modules.ZoneFree
		m.zones[z].elem = m.freeQueue.PushBack(z)
	}
	return m, nil
}

// AcquireActive hands the caller a chunk slot to write to. It returns
// modules.ErrRetry if the active queue is momentarily empty and the
// active-zone budget is exhausted, and modules.ErrEvict if no zone is available by
// any means; callers on ErrEvict must run eviction and try again.
func (m *Manager) AcquireActive(id modules.DataId) (modules.ChunkRef, error) {
	m.mu.Lock()

	if elem := m.activeQueue.Front(); elem != nil {
		zone := elem.Value.(uint32)
		m.activeQueue.Remove(elem)
		m.zones[zone].elem = nil
		m.zones[zone].condition = modules.ZoneWriting
		m.writesInProgress++
		offset := m.zones[zone].chunkOffset
		m.mu.Unlock()
		return modules.ChunkRef{Zone: zone, ChunkOffset: offset, ID: id, InUse: true}, nil
	}

	if m.writesInProgress+uint32(m.activeQueue.Len()) >= m.maxActiveZones {
		m.mu.Unlock()
		return modules.ChunkRef{}, modules.ErrRetry
	}

	elem := m.freeQueue.Front()
	if elem == nil {
		m.mu.Unlock()
		return modules.ChunkRef{}, modules.ErrEvict
	}
	zone := elem.Value.(uint32)
	m.freeQueue.Remove(elem)
	m.zones[zone].elem = nil
	m.zones[zone].condition = modules.ZoneWriting
	m.zones[zone].chunkOffset = 0
	m.writesInProgress++
	m.mu.Unlock()

	if err := m.backend.OpenZone(zone); err != nil {
		m.mu.Lock()
		m.zones[zone].condition = modules.ZoneFree
		m.zones[zone].elem = m.freeQueue.PushBack(zone)
		m.writesInProgress--
		m.mu.Unlock()
		return modules.ChunkRef{}, errors.Compose(modules.ErrDeviceFault, err)
	}

	return modules.ChunkRef{Zone: zone, ChunkOffset: 0, ID: id, InUse: true}, nil
}

// ReleaseActiveOk returns a zone written to successfully. If the zone's
// chunk cursor has reached capacity the zone is finished and moved to Full;
// otherwise it is returned to the active queue.
func (m *Manager) ReleaseActiveOk(ref modules.ChunkRef) error {
	m.mu.Lock()
	z := &m.zones[ref.Zone]
	if z.condition != modules.ZoneWriting {
		m.mu.Unlock()
		return fmt.Errorf("zonemanager: release_active_ok on zone %d not in Writing (state %s)", ref.Zone, z.condition)
	}
	newOffset := ref.ChunkOffset + 1
	z.chunkOffset = newOffset
	full := newOffset >= m.maxZoneChunks
	m.writesInProgress--
	if full {
		z.condition = modules.ZoneFull
		m.numFull++
	} else {
		z.condition = modules.ZoneActive
		z.elem = m.activeQueue.PushBack(ref.Zone)
	}
	m.mu.Unlock()

	if full {
		if err := m.backend.FinishZone(ref.Zone); err != nil {
			return errors.Compose(modules.ErrDeviceFault, err)
		}
	}
	return nil
}

// ReleaseActiveFail returns a zone to Active without advancing its cursor,
// used after a failed write.
func (m *Manager) ReleaseActiveFail(ref modules.ChunkRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := &m.zones[ref.Zone]
	if z.condition != modules.ZoneWriting {
		return fmt.Errorf("zonemanager: release_active_fail on zone %d not in Writing (state %s)", ref.Zone, z.condition)
	}
	z.condition = modules.ZoneActive
	z.elem = m.activeQueue.PushBack(ref.Zone)
	m.writesInProgress--
	return nil
}

// Evict resets a Full zone on the device and returns it to Free.
func (m *Manager) Evict(zone uint32) error {
	m.mu.Lock()
	z := &m.zones[zone]
	if z.condition != modules.ZoneFull {
		m.mu.Unlock()
		return fmt.Errorf("zonemanager: evict on zone %d not Full (state %s)", zone, z.condition)
	}
	m.mu.Unlock()

	if err := m.backend.ResetZone(zone); err != nil {
		return errors.Compose(modules.ErrDeviceFault, err)
	}

	m.mu.Lock()
	z.condition = modules.ZoneFree
	z.chunkOffset = 0
	z.invalid = nil
	z.elem = m.freeQueue.PushBack(zone)
	m.numFull--
	m.mu.Unlock()
	return nil
}

// CompactBeginAndWrite treats a Full zone as reset-in-state-only: the caller
// rewrites n valid chunks at the start of the zone in place (modules/eviction
// does so right after this call) and may append further chunks to it
// sequentially via AcquireActive-style writes. The zone is transitioned
// straight to Writing with its cursor at n.
func (m *Manager) CompactBeginAndWrite(zone uint32, n uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := &m.zones[zone]
	if z.condition != modules.ZoneFull {
		return fmt.Errorf("zonemanager: compact_begin_and_write on zone %d not Full (state %s)", zone, z.condition)
	}
	z.condition = modules.ZoneWriting
	z.chunkOffset = n
	z.invalid = nil
	m.numFull--
	m.writesInProgress++
	return nil
}

// MarkInvalid records that the chunk at ref is no longer live, for the
// chunk-granularity eviction policy's GC pass. Idempotent per (zone, chunk):
// marking the same chunk invalid twice does not duplicate its entry.
func (m *Manager) MarkInvalid(ref modules.ChunkRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, off := range m.zones[ref.Zone].invalid {
		if off == ref.ChunkOffset {
			return
		}
	}
	m.zones[ref.Zone].invalid = append(m.zones[ref.Zone].invalid, ref.ChunkOffset)
}

// NumInvalid returns the number of chunks marked invalid in zone.
func (m *Manager) NumInvalid(zone uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(len(m.zones[zone].invalid))
}

// NumActive returns the number of zones currently Active.
func (m *Manager) NumActive() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.activeQueue.Len())
}

// NumFree returns the number of zones currently Free.
func (m *Manager) NumFree() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint32(m.freeQueue.Len())
}

// NumFull returns the number of zones currently Full.
func (m *Manager) NumFull() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.numFull
}

// MaxZoneChunks returns the number of chunk slots per zone.
func (m *Manager) MaxZoneChunks() uint32 {
	return m.maxZoneChunks
}

// ByteOffset computes the write-pointer byte offset for a chunk location,
// per spec: zone_size * zone_index + chunk_size * chunk_offset.
func (m *Manager) ByteOffset(ref modules.ChunkRef) int64 {
	return int64(m.info.ZoneSize)*int64(ref.Zone) + int64(m.chunkSize)*int64(ref.ChunkOffset)
}
