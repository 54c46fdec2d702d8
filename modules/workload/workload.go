// Package workload loads the fixed-format request trace described in
// spec.md §6: a raw array of little-endian uint32 DataIds that drives the
// worker pool's sequence of Get calls, instead of the built-in
// simple_workload[] array original_source/src/zncache.c falls back to when
// no file is given.
package workload

import (
	"encoding/binary"
	"os"

	"github.com/NebulousLabs/errors"

	"github.com/NebulousLabs/zncache/modules"
)

// ErrTruncated is returned when a workload file's length is not a multiple
// of 4 bytes.
var ErrTruncated = errors.New("workload: file length is not a multiple of 4 bytes")

// ErrRead is composed with the underlying os error when a workload file
// cannot be read.
var ErrRead = errors.New("workload: could not read file")

// ErrInsufficientWorkload is returned by Cap when more iterations were
// requested than the workload contains, matching
// original_source/src/zncache.c's read_workload: it reads exactly
// iterations*4 bytes and hard-fails ("Couldn't read the file fully") rather
// than padding or clamping the request.
var ErrInsufficientWorkload = errors.New("workload: fewer entries than the requested iteration count")

// simpleWorkload mirrors original_source/src/zncache.c's built-in
// simple_workload[] array, used when the caller has no workload file.
var simpleWorkload = []uint32{
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20,
	21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32, 33, 34, 35, 36, 37, 38, 39, 40,
	21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32, 33, 34, 35, 36, 37, 38, 39, 40,
}

// Load reads path as a raw array of little-endian uint32 DataIds.
func Load(path string) ([]modules.DataId, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Compose(ErrRead, err)
	}
	if len(data)%4 != 0 {
		return nil, ErrTruncated
	}
	ids := make([]modules.DataId, len(data)/4)
	for i := range ids {
		ids[i] = modules.DataId(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return ids, nil
}

// Default returns the built-in fallback workload.
func Default() []modules.DataId {
	ids := make([]modules.DataId, len(simpleWorkload))
	for i, v := range simpleWorkload {
		ids[i] = modules.DataId(v)
	}
	return ids
}

// Cap bounds ids to exactly iterations entries. iterations == 0 means "use
// ids as given, unbounded". If iterations exceeds len(ids), Cap fails with
// ErrInsufficientWorkload instead of padding or wrapping the sequence,
// matching the original's read_workload hard-failing when a short file
// can't satisfy the requested iteration count.
func Cap(ids []modules.DataId, iterations int) ([]modules.DataId, error) {
	if iterations <= 0 {
		return ids, nil
	}
	if iterations > len(ids) {
		return nil, ErrInsufficientWorkload
	}
	return ids[:iterations], nil
}
