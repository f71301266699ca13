// Package encoding provides serialization for the durable records written by
// the storage engines (views, checkpoints, streaming fragments).
//
// Thread Safety: all functions are safe for concurrent use.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrChecksumMismatch is returned by Open when a sealed record is corrupt.
var ErrChecksumMismatch = errors.New("encoding: record checksum mismatch")

const checksumSize = 8

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Seal encodes v and prefixes the payload with its xxhash64 checksum.
func Seal(v interface{}) ([]byte, error) {
	payload, err := Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, checksumSize+len(payload))
	binary.BigEndian.PutUint64(out, xxhash.Sum64(payload))
	copy(out[checksumSize:], payload)
	return out, nil
}

// Open verifies a record produced by Seal and decodes it into v.
func Open(data []byte, v interface{}) error {
	if len(data) < checksumSize {
		return ErrChecksumMismatch
	}
	payload := data[checksumSize:]
	if binary.BigEndian.Uint64(data) != xxhash.Sum64(payload) {
		return ErrChecksumMismatch
	}
	return Unmarshal(payload, v)
}
