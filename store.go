package plansync

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// SnapshotStoreConfig configures the local key-value store.
type SnapshotStoreConfig struct {
	// DeviceID stamps every local mutation as its origin.
	DeviceID string `json:"device_id" yaml:"device_id"`

	// SyncPrefixes limits which keys participate in sync. A key is synced
	// when it starts with any listed prefix; an empty list syncs every key.
	// Unsynced keys stay readable locally but never leave the device.
	SyncPrefixes []string `json:"sync_prefixes" yaml:"sync_prefixes"`
}

// SnapshotStore is the device-local replica: a mutex-guarded key-to-record
// map plus change subscriptions. Local writes stamp a fresh record and notify
// subscribers; remote writes merge under last-write-wins and stay silent, so
// inbound sync traffic can never feed back into an outbound push.
type SnapshotStore struct {
	config SnapshotStoreConfig

	mu          sync.Mutex
	data        Snapshot
	subscribers []func(ChangeRecord)
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore(config SnapshotStoreConfig) *SnapshotStore {
	return &SnapshotStore{
		config: config,
		data:   make(Snapshot),
	}
}

// Subscribe registers a callback invoked for every synced local mutation.
// Callbacks run synchronously under the store lock and must not call back
// into the store.
func (s *SnapshotStore) Subscribe(fn func(ChangeRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Set records a local mutation and returns the stamped record. The stamp is
// the current wall clock, bumped past the existing record's timestamp when
// the clock would not move it forward; a local edit therefore always wins
// over an earlier remote write, even one from a peer with a skewed clock.
func (s *SnapshotStore) Set(key string, value json.RawMessage) ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := ChangeRecord{
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		Timestamp: time.Now().UnixMilli(),
		UpdatedBy: s.config.DeviceID,
	}
	if existing, ok := s.data[key]; ok && rec.Timestamp <= existing.Timestamp {
		rec.Timestamp = existing.Timestamp + 1
	}
	s.data[key] = rec

	if s.synced(key) {
		for _, fn := range s.subscribers {
			fn(rec.Clone())
		}
	}
	return rec.Clone()
}

// Get returns the record stored under key.
func (s *SnapshotStore) Get(key string) (ChangeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[key]
	if !ok {
		return ChangeRecord{}, false
	}
	return rec.Clone(), true
}

// ApplyRemote merges one record received from a remote channel and reports
// whether it was accepted. Subscribers are not notified.
func (s *SnapshotStore) ApplyRemote(rec ChangeRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MergeRecord(s.data, rec)
}

// ApplySnapshot merges a full remote snapshot and returns the number of
// accepted records. Subscribers are not notified.
func (s *SnapshotStore) ApplySnapshot(snap Snapshot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MergeSnapshot(s.data, snap)
}

// Snapshot returns a deep copy of the synced portion of the store, suitable
// for a durable push or a full-sync reply.
func (s *SnapshotStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Snapshot, len(s.data))
	for key, rec := range s.data {
		if s.synced(key) {
			out[key] = rec.Clone()
		}
	}
	return out
}

// Len returns the number of stored keys, synced or not.
func (s *SnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *SnapshotStore) synced(key string) bool {
	if len(s.config.SyncPrefixes) == 0 {
		return true
	}
	for _, prefix := range s.config.SyncPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
