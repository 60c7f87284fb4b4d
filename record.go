package plansync

import (
	"encoding/json"
	"time"
)

// ChangeRecord represents one timestamped mutation to a single logical key.
// Timestamps are produced client-side at the point of mutation, in
// milliseconds since the Unix epoch. A record is immutable once created.
type ChangeRecord struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
	UpdatedBy string          `json:"updatedBy"`
}

// NewChangeRecord stamps a value with the current wall clock and the
// originating device id.
func NewChangeRecord(key string, value json.RawMessage, deviceID string) ChangeRecord {
	return ChangeRecord{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Timestamp: time.Now().UnixMilli(),
		UpdatedBy: deviceID,
	}
}

// Clone returns a deep copy of the record.
func (r ChangeRecord) Clone() ChangeRecord {
	r.Value = append(json.RawMessage(nil), r.Value...)
	return r
}

// Supersedes reports whether this record wins over other under the
// last-write-wins rule. The record with the greater timestamp wins. Equal
// timestamps are broken deterministically: the record from the
// lexicographically smaller device id wins, so every replica resolves the
// same way regardless of arrival order. A record never supersedes an
// identical (timestamp, origin) pair, which makes merge idempotent.
func (r ChangeRecord) Supersedes(other ChangeRecord) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp > other.Timestamp
	}
	return r.UpdatedBy < other.UpdatedBy
}

// Snapshot is the full key-to-record state known to one replica, either a
// device's local store or a server room cache. Keys are unique; insertion
// order is irrelevant.
type Snapshot map[string]ChangeRecord

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, r := range s {
		out[k] = r.Clone()
	}
	return out
}

// Records returns the snapshot contents as a flat slice.
func (s Snapshot) Records() []ChangeRecord {
	out := make([]ChangeRecord, 0, len(s))
	for _, r := range s {
		out = append(out, r.Clone())
	}
	return out
}

// DeviceInfo describes the device behind a connection. Opaque to the sync
// path; carried through registration and device listings.
type DeviceInfo struct {
	Type     string `json:"type,omitempty"`
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
}
