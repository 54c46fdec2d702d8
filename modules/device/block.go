package device

import (
	"os"

	"github.com/NebulousLabs/errors"
	"golang.org/x/sys/unix"

	"github.com/NebulousLabs/zncache/modules"
)

// BlockBackend treats a conventional block device (or a regular file, for
// testing) as if it were zoned: capacity and zone count are supplied by the
// caller rather than queried, and OpenZone/FinishZone/ResetZone are no-ops
// except for ResetZone, which must still zero the zone's stored data so that
// a reused zone cannot leak a previous occupant's bytes.
type BlockBackend struct {
	f    *os.File
	info modules.DeviceInfo
}

// OpenBlock opens path as a plain file or block device and fabricates zone
// geometry from zoneSize/numZones, matching the original's BLOCK_ZONE_CAPACITY
// configuration knob for backends with no native zone concept.
func OpenBlock(path string, zoneSize uint64, numZones uint32) (*BlockBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Compose(modules.ErrDeviceFault, err)
	}
	info := modules.DeviceInfo{
		NumZones:       numZones,
		ZoneSize:       zoneSize,
		ZoneCapacity:   zoneSize,
		MaxActiveZones: 0,
		Backend:        modules.BackendBlock,
	}
	return &BlockBackend{f: f, info: info}, nil
}

// Info returns the device's fixed geometry.
func (b *BlockBackend) Info() modules.DeviceInfo {
	return b.info
}

// OpenZone is a no-op: a block device has no zone-open command.
func (b *BlockBackend) OpenZone(zone uint32) error { return nil }

// FinishZone is a no-op: a block device has no zone-finish command.
func (b *BlockBackend) FinishZone(zone uint32) error { return nil }

// ResetZone punches a hole over the zone's extent with FALLOC_FL_PUNCH_HOLE,
// simulating the "reset returns the zone to an unwritten state" guarantee a
// real ZNS reset provides, so that a stale read past a new write pointer
// can't observe a previous occupant's bytes.
func (b *BlockBackend) ResetZone(zone uint32) error {
	off := int64(zone) * int64(b.info.ZoneSize)
	err := unix.Fallocate(int(b.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, int64(b.info.ZoneSize))
	if err != nil {
		return errors.Compose(modules.ErrDeviceFault, err)
	}
	return nil
}

// ReadAt performs a positional pread; see modules.Backend.
func (b *BlockBackend) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.Pread(int(b.f.Fd()), p, off)
	if err != nil {
		return n, errors.Compose(modules.ErrDeviceFault, err)
	}
	return n, nil
}

// WriteAt performs a positional pwrite in writeGranularity-byte sub-writes,
// fsyncing after each, per spec.md §6; see modules.Backend.
func (b *BlockBackend) WriteAt(p []byte, off int64) (int, error) {
	n, err := writeChunked(int(b.f.Fd()), p, off)
	if err != nil {
		return n, errors.Compose(modules.ErrDeviceFault, err)
	}
	return n, nil
}

// Close releases the underlying file descriptor.
func (b *BlockBackend) Close() error {
	return b.f.Close()
}
