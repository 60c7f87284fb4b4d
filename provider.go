package plansync

import (
	"context"
	"errors"
	"sync"
)

// Provider is a pluggable remote persistence endpoint storing one snapshot
// blob per user identity. The engine treats every back-end uniformly: a
// local directory, SQLite, S3, or an in-memory map all satisfy the same
// contract.
type Provider interface {
	// Name identifies the provider in logs and status output.
	Name() string

	// Probe performs the provider's own handshake (opening a local store,
	// an anonymous remote auth exchange). Probing may write a placeholder
	// object; it must be idempotent, so probing twice never creates
	// duplicate remote state.
	Probe(ctx context.Context) error

	// Save stores the full snapshot for a user, replacing any previous one.
	Save(ctx context.Context, userID string, snap Snapshot) error

	// Load returns the stored snapshot for a user, or ErrSnapshotNotFound
	// when the user has never saved.
	Load(ctx context.Context, userID string) (Snapshot, error)

	// Close releases any resources.
	Close() error
}

// ErrSnapshotNotFound is returned by Provider.Load when no snapshot has been
// stored for the user.
var ErrSnapshotNotFound = errors.New("no snapshot stored for user")

// ErrAllProvidersFailed is returned by the selector when every descriptor's
// probe failed. The engine keeps operating local-only and reprobes.
var ErrAllProvidersFailed = errors.New("all providers failed to initialize")

// probeKey is the fixed placeholder identity written during probes.
// Overwriting the same key keeps probing idempotent.
const probeKey = "_probe"

// MemoryProvider implements Provider using an in-memory map. Useful for
// tests and for WASM builds with no durable storage.
type MemoryProvider struct {
	mu    sync.RWMutex
	blobs map[string]Snapshot

	// FailProbe makes Probe return an error; lets tests drive the selector
	// fallback chain.
	FailProbe bool
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{blobs: make(map[string]Snapshot)}
}

func (m *MemoryProvider) Name() string { return "memory" }

func (m *MemoryProvider) Probe(ctx context.Context) error {
	if m.FailProbe {
		return errors.New("memory provider probe disabled")
	}
	return m.Save(ctx, probeKey, Snapshot{})
}

func (m *MemoryProvider) Save(ctx context.Context, userID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[userID] = snap.Clone()
	return nil
}

func (m *MemoryProvider) Load(ctx context.Context, userID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.blobs[userID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap.Clone(), nil
}

func (m *MemoryProvider) Close() error { return nil }

// Users returns the number of stored user snapshots, probe state included.
func (m *MemoryProvider) Users() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

var _ Provider = (*MemoryProvider)(nil)
