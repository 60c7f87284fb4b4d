package plansync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// Provider blob format: a fixed magic header, a version byte, and a flags
// byte, followed by the (optionally compressed, optionally encrypted)
// JSON-encoded snapshot. Blobs without the magic are treated as plain JSON
// so snapshots written by earlier builds still load.

var codecMagic = []byte("PSYN")

const (
	codecVersion = 1

	codecFlagCompressed = 1 << 0
	codecFlagEncrypted  = 1 << 1
)

// ErrBlobCorrupt is returned when a provider blob fails to decode.
var ErrBlobCorrupt = errors.New("snapshot blob corrupt")

// SnapshotCodec serializes snapshots for provider storage. Compression is
// snappy block format; encryption, when configured, is applied after
// compression.
type SnapshotCodec struct {
	compress  bool
	encryptor *Encryptor
}

// NewSnapshotCodec creates a codec. A nil encryptor disables encryption.
func NewSnapshotCodec(compress bool, enc *Encryptor) *SnapshotCodec {
	return &SnapshotCodec{compress: compress, encryptor: enc}
}

// Encode serializes a snapshot into a self-describing blob.
func (c *SnapshotCodec) Encode(snap Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	var flags byte
	if c.compress {
		payload = snappy.Encode(nil, payload)
		flags |= codecFlagCompressed
	}
	if c.encryptor != nil {
		payload, err = c.encryptor.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt snapshot: %w", err)
		}
		flags |= codecFlagEncrypted
	}

	buf := make([]byte, 0, len(codecMagic)+2+len(payload))
	buf = append(buf, codecMagic...)
	buf = append(buf, codecVersion, flags)
	return append(buf, payload...), nil
}

// Decode parses a blob produced by Encode. Input without the magic header is
// decoded as plain JSON.
func (c *SnapshotCodec) Decode(data []byte) (Snapshot, error) {
	if !bytes.HasPrefix(data, codecMagic) {
		return decodeJSONSnapshot(data)
	}
	if len(data) < len(codecMagic)+2 {
		return nil, ErrBlobCorrupt
	}
	version := data[len(codecMagic)]
	flags := data[len(codecMagic)+1]
	payload := data[len(codecMagic)+2:]

	if version != codecVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrBlobCorrupt, version)
	}

	if flags&codecFlagEncrypted != 0 {
		if c.encryptor == nil {
			return nil, fmt.Errorf("%w: blob is encrypted but no key configured", ErrBlobCorrupt)
		}
		var err error
		payload, err = c.encryptor.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt snapshot: %w", err)
		}
	}
	if flags&codecFlagCompressed != 0 {
		var err error
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBlobCorrupt, err)
		}
	}
	return decodeJSONSnapshot(payload)
}

func decodeJSONSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlobCorrupt, err)
	}
	if snap == nil {
		snap = make(Snapshot)
	}
	return snap, nil
}
