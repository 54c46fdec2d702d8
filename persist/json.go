// Package persist provides small, dependency-free helpers for saving and
// loading the handful of files the cache needs to survive a clean restart:
// JSON-encoded structures with a tamper-evident checksum and a single
// backup copy, and a timestamped file logger.
//
// Nothing in this package is used to make the cache's *index* durable across
// restarts — that is an explicit non-goal of the cache itself. It exists for
// ancillary state such as operator-facing settings.
package persist

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/ioutil"
)

const (
	// tempSuffix is appended to a persisted file's name to produce the name
	// of its backup copy.
	tempSuffix = "_temp"

	// checksumManual is a sentinel checksum value that disables corruption
	// checking for a file that was hand-edited by an operator.
	checksumManual = "MANUAL"
)

// ErrBadFilenameSuffix is returned by LoadJSON when asked to load a filename
// that already carries the backup suffix — callers should load the
// non-suffixed name and let LoadJSON fall back to the backup internally.
var ErrBadFilenameSuffix = errors.New("cannot directly load a file with the backup suffix")

// Metadata is a small header written alongside persisted JSON data so that
// LoadJSON can confirm it is decoding the file it expects.
type Metadata struct {
	Header  string
	Version string
}

type persistFile struct {
	Header   string
	Version  string
	Checksum string
	Data     json.RawMessage
}

// checksum hashes the compacted form of data, so that the re-indentation
// json.MarshalIndent applies to the embedded Data field does not change it.
func checksum(data []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		data = compact.Bytes()
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func marshalPersistFile(meta Metadata, object interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(object, "", "\t")
	if err != nil {
		return nil, err
	}
	pf := persistFile{
		Header:   meta.Header,
		Version:  meta.Version,
		Checksum: checksum(data),
		Data:     data,
	}
	return json.MarshalIndent(pf, "", "\t")
}

func readAndVerify(meta Metadata, filename string) ([]byte, error) {
	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var pf persistFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, err
	}
	if pf.Header != meta.Header || pf.Version != meta.Version {
		return nil, errors.New("persist: metadata mismatch for " + filename)
	}
	if pf.Checksum != "" && pf.Checksum != checksumManual && pf.Checksum != checksum(pf.Data) {
		return nil, errors.New("persist: checksum mismatch for " + filename)
	}
	return pf.Data, nil
}

// SaveJSON saves a JSON-encoded object to filename, preceded by a Metadata
// header and a checksum of the encoded data. Before overwriting filename, if
// the existing copy at filename is intact, it is copied to filename+_temp so
// that a failed or torn write still leaves a recoverable backup. A corrupted
// existing main file is left alone (its backup, if any, is the last known
// good copy and must not be clobbered).
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	if good, err := readAndVerify(meta, filename); err == nil {
		if writeErr := ioutil.WriteFile(filename+tempSuffix, rewrap(meta, good), 0600); writeErr != nil {
			return writeErr
		}
	}
	full, err := marshalPersistFile(meta, object)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filename, full, 0600)
}

// rewrap re-serializes already-verified data bytes back into a persistFile
// envelope so the backup copy carries its own valid checksum.
func rewrap(meta Metadata, data json.RawMessage) []byte {
	pf := persistFile{
		Header:   meta.Header,
		Version:  meta.Version,
		Checksum: checksum(data),
		Data:     data,
	}
	b, _ := json.MarshalIndent(pf, "", "\t")
	return b
}

// LoadJSON loads a JSON-encoded object previously written by SaveJSON. If the
// main file is missing or fails its checksum, LoadJSON falls back to the
// filename+_temp backup.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	if len(filename) >= len(tempSuffix) && filename[len(filename)-len(tempSuffix):] == tempSuffix {
		return ErrBadFilenameSuffix
	}
	data, err := readAndVerify(meta, filename)
	if err != nil {
		data, err = readAndVerify(meta, filename+tempSuffix)
		if err != nil {
			return err
		}
	}
	return json.Unmarshal(data, object)
}
