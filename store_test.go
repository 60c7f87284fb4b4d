package plansync

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestSnapshotStore_SetNotifiesSubscribers(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{DeviceID: "dev-1"})

	var got []ChangeRecord
	store.Subscribe(func(r ChangeRecord) { got = append(got, r) })

	store.Set("goals", json.RawMessage(`"exercise"`))

	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if got[0].Key != "goals" || got[0].UpdatedBy != "dev-1" {
		t.Errorf("unexpected record: %+v", got[0])
	}
	if got[0].Timestamp == 0 {
		t.Error("expected record to be stamped")
	}
}

func TestSnapshotStore_ApplyRemoteDoesNotNotify(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{DeviceID: "dev-1"})

	notified := 0
	store.Subscribe(func(ChangeRecord) { notified++ })

	if !store.ApplyRemote(rec("goals", "remote", 100, "dev-2")) {
		t.Fatal("expected remote record to be accepted")
	}
	if notified != 0 {
		t.Errorf("remote merge produced %d notifications, want 0", notified)
	}

	r, ok := store.Get("goals")
	if !ok || string(r.Value) != `"remote"` {
		t.Errorf("remote record not stored: %+v", r)
	}
}

func TestSnapshotStore_ApplyRemoteRejectsStale(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{DeviceID: "dev-1"})
	store.ApplyRemote(rec("goals", "newer", 200, "dev-2"))

	if store.ApplyRemote(rec("goals", "older", 100, "dev-3")) {
		t.Error("stale record should be rejected")
	}
	r, _ := store.Get("goals")
	if string(r.Value) != `"newer"` {
		t.Errorf("stale record overwrote value: %s", r.Value)
	}
}

func TestSnapshotStore_PrefixFiltering(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{
		DeviceID:     "dev-1",
		SyncPrefixes: []string{"plan.", "goals."},
	})

	var notified []string
	store.Subscribe(func(r ChangeRecord) { notified = append(notified, r.Key) })

	store.Set("plan.monday", json.RawMessage(`1`))
	store.Set("ui.theme", json.RawMessage(`"dark"`))
	store.Set("goals.q3", json.RawMessage(`2`))

	if len(notified) != 2 {
		t.Fatalf("expected 2 notifications, got %v", notified)
	}

	// Unsynced keys are still readable locally but excluded from snapshots.
	if _, ok := store.Get("ui.theme"); !ok {
		t.Error("unsynced key should still be stored")
	}
	snap := store.Snapshot()
	if _, ok := snap["ui.theme"]; ok {
		t.Error("unsynced key leaked into snapshot")
	}
	if len(snap) != 2 {
		t.Errorf("expected snapshot of 2 keys, got %d", len(snap))
	}
}

func TestSnapshotStore_LocalEditWinsOverFutureTimestamp(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{DeviceID: "dev-1"})

	// A peer with a skewed clock wrote far in the future.
	future := rec("goals", "remote", 1<<60, "dev-2")
	store.ApplyRemote(future)

	local := store.Set("goals", json.RawMessage(`"local"`))

	if local.Timestamp <= future.Timestamp {
		t.Errorf("local edit stamped %d, not past remote %d", local.Timestamp, future.Timestamp)
	}
	r, _ := store.Get("goals")
	if string(r.Value) != `"local"` {
		t.Error("local edit lost to skewed remote clock")
	}
}

func TestSnapshotStore_ConcurrentSetAndMerge(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{DeviceID: "dev-1"})
	store.Subscribe(func(ChangeRecord) {})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Set("shared", json.RawMessage(`1`))
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.ApplyRemote(rec("shared", "r", int64(j), "dev-2"))
			}
		}(i)
	}
	wg.Wait()

	if _, ok := store.Get("shared"); !ok {
		t.Fatal("key lost under concurrent writes")
	}
}

func TestSnapshotStore_SnapshotIsDeepCopy(t *testing.T) {
	store := NewSnapshotStore(SnapshotStoreConfig{DeviceID: "dev-1"})
	store.Set("k", json.RawMessage(`"abc"`))

	snap := store.Snapshot()
	r := snap["k"]
	r.Value[1] = 'X'

	stored, _ := store.Get("k")
	if string(stored.Value) != `"abc"` {
		t.Error("snapshot shares buffers with the store")
	}
}
