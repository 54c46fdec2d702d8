// Package device implements modules.Backend against real storage: a zoned
// block device (ZNSBackend) driven with the Linux zoned-block-device ioctls,
// and a conventional block device (BlockBackend) that simulates zones with a
// configured capacity and performs no zone management commands.
//
// The split mirrors znbackend.h's zn_backend enum: callers pick a backend by
// opening the device with OpenZNS or OpenBlock (cmd/zncached tries OpenZNS
// first and falls back to OpenBlock when zone geometry flags are given).
package device

// Linux zoned-block-device ioctl numbers, from <linux/blkzoned.h>. These are
// not exposed by golang.org/x/sys/unix, so they are reproduced here the way
// zfs's ioctl-wrappers.go reproduces ZFS_IOC_* constants it needs but the
// library doesn't export.
const (
	blkResetZone  = 0x40101283 // BLKRESETZONE
	blkOpenZone   = 0x40101286 // BLKOPENZONE (newer kernels only; an unsupported ioctl is returned as an error)
	blkFinishZone = 0x40101288 // BLKFINISHZONE
	blkGetZoneSz  = 0x80041284 // BLKGETZONESZ
	blkGetNrZones = 0x80041285 // BLKGETNRZONES
)

// blkZoneRange mirrors struct blk_zone_range from <linux/blkzoned.h>: a
// sector offset and sector count naming the zone(s) an ioctl applies to.
type blkZoneRange struct {
	Sector uint64
	Length uint64
}

const sectorSize = 512

// writeGranularity is WRITE_GRANULARITY from the original zn_write_out: writes
// are broken into this many bytes per pwrite, each followed by an fsync,
// rather than issued as one large write.
const writeGranularity = 4096
