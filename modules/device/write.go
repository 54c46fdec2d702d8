package device

import (
	"golang.org/x/sys/unix"
)

// writeChunked reproduces zn_write_out from original_source/src/cache.c: p is
// written in writeGranularity-byte sub-writes, each followed by an fsync,
// until the whole buffer has landed. A real ZNS device still sees one
// contiguous sequential write; the fsync per sub-write is what the original
// relies on to bound how much unflushed data a crash can lose.
func writeChunked(fd int, p []byte, off int64) (int, error) {
	var written int
	for written < len(p) {
		end := written + writeGranularity
		if end > len(p) {
			end = len(p)
		}
		n, err := unix.Pwrite(fd, p[written:end], off+int64(written))
		if err != nil {
			return written, err
		}
		if ferr := unix.Fsync(fd); ferr != nil {
			return written, ferr
		}
		written += n
	}
	return written, nil
}
