// Package modules declares the shared vocabulary used across every zncache
// package: the data and location identifiers, the IO-type tag consumed by
// eviction policies, and the device capability interface that
// modules/zonemanager depends on. Keeping these in one leaf package (the way
// Sia's own modules package anchors shared financial and network types for
// modules/host, modules/renter, and friends) avoids import cycles between
// modules/zonemanager, modules/cachemap, modules/eviction, and modules/cache.
package modules

import "fmt"

// DataId is the opaque, caller-chosen key identifying a cached chunk.
type DataId uint32

// ChunkRef locates a chunk on disk: which zone it lives in, its offset
// within that zone, and the id it is supposed to hold. InUse distinguishes
// a live entry from a zeroed-out pool slot in eviction policies that keep a
// stable backing array of ChunkRefs (see modules/eviction).
type ChunkRef struct {
	Zone        uint32
	ChunkOffset uint32
	ID          DataId
	InUse       bool
}

// String renders a ChunkRef for logs without exposing the struct's field
// order as an implicit format.
func (c ChunkRef) String() string {
	return fmt.Sprintf("zone=%d chunk=%d id=%d", c.Zone, c.ChunkOffset, uint32(c.ID))
}

// IOType tags an eviction-policy update with the kind of access that
// triggered it. A Write may complete a zone or chunk; a Read may promote one.
type IOType int

// The two IO types an eviction policy distinguishes between.
const (
	IORead IOType = iota
	IOWrite
)

func (t IOType) String() string {
	if t == IORead {
		return "read"
	}
	return "write"
}

// ZoneCondition is the lifecycle state of a single zone, per spec.md §3.
type ZoneCondition int

// The four zone lifecycle states.
const (
	ZoneFree ZoneCondition = iota
	ZoneActive
	ZoneWriting
	ZoneFull
)

func (c ZoneCondition) String() string {
	switch c {
	case ZoneFree:
		return "free"
	case ZoneActive:
		return "active"
	case ZoneWriting:
		return "writing"
	case ZoneFull:
		return "full"
	default:
		return "unknown"
	}
}

// BackendType distinguishes a real ZNS device from a conventional block
// device pretending to be zoned.
type BackendType int

// The two supported backend types.
const (
	BackendZNS BackendType = iota
	BackendBlock
)

// DeviceInfo describes the fixed geometry of an opened device, reported once
// at open time and never mutated afterward.
type DeviceInfo struct {
	NumZones         uint32
	ZoneSize         uint64 // bytes per zone, including any inaccessible tail
	ZoneCapacity     uint64 // writable bytes per zone
	MaxActiveZones   uint32 // 0 means "no limit reported"; modules/zonemanager then uses its DefaultMaxActiveZones
	Backend          BackendType
}

// Backend is the capability set the core depends on to interact with the
// underlying storage device (spec.md §6). ZNSBackend and BlockBackend are
// the two concrete implementations, in modules/device.
type Backend interface {
	// Info returns the device's fixed geometry.
	Info() DeviceInfo

	// OpenZone prepares a zone for sequential writes. For a ZNS device this
	// issues a real zone-open command; for a block device it is a no-op.
	OpenZone(zone uint32) error

	// FinishZone marks a zone as full, preventing further writes until it is
	// reset. No-op on a block device.
	FinishZone(zone uint32) error

	// ResetZone reclaims a full zone, returning it to the writable state. A
	// successful reset returns nil, matching the "return 0 is success"
	// convention from the original implementation (spec.md §9).
	ResetZone(zone uint32) error

	// ReadAt and WriteAt perform positional IO, matching pread/pwrite
	// semantics: no shared file cursor, safe to call concurrently from
	// multiple goroutines on disjoint or even overlapping ranges.
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Close releases the underlying file descriptor.
	Close() error
}
