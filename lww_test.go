package plansync

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
)

func rec(key, value string, ts int64, device string) ChangeRecord {
	return ChangeRecord{
		Key:       key,
		Value:     json.RawMessage(fmt.Sprintf("%q", value)),
		Timestamp: ts,
		UpdatedBy: device,
	}
}

func TestSupersedes(t *testing.T) {
	tests := []struct {
		name     string
		a, b     ChangeRecord
		expected bool
	}{
		{"newer timestamp wins", rec("k", "x", 200, "a"), rec("k", "y", 100, "b"), true},
		{"older timestamp loses", rec("k", "x", 100, "a"), rec("k", "y", 200, "b"), false},
		{"tie broken by smaller device id", rec("k", "x", 100, "alpha"), rec("k", "y", 100, "beta"), true},
		{"tie lost by larger device id", rec("k", "x", 100, "beta"), rec("k", "y", 100, "alpha"), false},
		{"identical record never supersedes itself", rec("k", "x", 100, "alpha"), rec("k", "x", 100, "alpha"), false},
	}

	for _, tt := range tests {
		if got := tt.a.Supersedes(tt.b); got != tt.expected {
			t.Errorf("%s: Supersedes() = %v, want %v", tt.name, got, tt.expected)
		}
	}
}

func TestMergeRecord_AcceptAndReject(t *testing.T) {
	snap := make(Snapshot)

	if !MergeRecord(snap, rec("goals", "A", 100, "x")) {
		t.Fatal("expected record for absent key to be accepted")
	}
	if MergeRecord(snap, rec("goals", "B", 50, "y")) {
		t.Error("expected stale record to be rejected")
	}
	if got := string(snap["goals"].Value); got != `"A"` {
		t.Errorf("expected local value to survive, got %s", got)
	}
	if !MergeRecord(snap, rec("goals", "C", 150, "y")) {
		t.Error("expected newer record to be accepted")
	}
	if snap["goals"].Timestamp != 150 {
		t.Errorf("expected timestamp 150, got %d", snap["goals"].Timestamp)
	}
}

func TestMergeRecord_Idempotent(t *testing.T) {
	snap := make(Snapshot)
	r := rec("goals", "A", 100, "x")

	MergeRecord(snap, r)
	once := snap.Clone()
	if MergeRecord(snap, r) {
		t.Error("re-applying the same record should be a no-op")
	}
	if !reflect.DeepEqual(snap, once) {
		t.Error("snapshot changed after re-applying an identical record")
	}
}

func TestMergeRecord_TimestampNeverRegresses(t *testing.T) {
	snap := make(Snapshot)
	MergeRecord(snap, rec("k", "v1", 500, "a"))

	for _, r := range []ChangeRecord{
		rec("k", "v2", 100, "b"),
		rec("k", "v3", 499, "c"),
		rec("k", "v4", 500, "zzz"),
	} {
		MergeRecord(snap, r)
		if snap["k"].Timestamp < 500 {
			t.Fatalf("timestamp regressed to %d after merging ts=%d", snap["k"].Timestamp, r.Timestamp)
		}
	}

	MergeRecord(snap, rec("k", "v5", 600, "b"))
	if snap["k"].Timestamp != 600 {
		t.Errorf("expected newer record to advance timestamp to 600, got %d", snap["k"].Timestamp)
	}
}

func TestMergeSnapshot_KeywiseUnion(t *testing.T) {
	dst := Snapshot{"a": rec("a", "1", 100, "x")}
	src := Snapshot{
		"a": rec("a", "2", 50, "y"), // stale, dropped
		"b": rec("b", "3", 10, "y"), // new key, retained
	}

	accepted := MergeSnapshot(dst, src)
	if accepted != 1 {
		t.Errorf("expected 1 accepted record, got %d", accepted)
	}
	if len(dst) != 2 {
		t.Errorf("expected union of 2 keys, got %d", len(dst))
	}
	if string(dst["a"].Value) != `"1"` {
		t.Error("stale record overwrote local value")
	}
}

// TestMergeConvergence feeds the same record set into two replicas in
// random orders and requires identical final snapshots.
func TestMergeConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		var records []ChangeRecord
		for i := 0; i < 30; i++ {
			ts := int64(rng.Intn(10))
			device := fmt.Sprintf("device-%d", rng.Intn(3))
			// Value is derived from (timestamp, device) so records that tie
			// on both carry the same payload, as real replicas would.
			records = append(records, rec(
				fmt.Sprintf("key-%d", rng.Intn(5)),
				fmt.Sprintf("value-%d-%s", ts, device),
				ts,
				device,
			))
		}

		replicaA := make(Snapshot)
		replicaB := make(Snapshot)

		orderA := rng.Perm(len(records))
		orderB := rng.Perm(len(records))
		for _, i := range orderA {
			MergeRecord(replicaA, records[i])
		}
		for _, i := range orderB {
			MergeRecord(replicaB, records[i])
		}

		if !reflect.DeepEqual(replicaA, replicaB) {
			t.Fatalf("trial %d: replicas diverged\nA: %v\nB: %v", trial, replicaA, replicaB)
		}
	}
}

func TestMergeRecords_ReturnsAcceptedSubset(t *testing.T) {
	dst := Snapshot{"a": rec("a", "old", 100, "x")}

	accepted := MergeRecords(dst, []ChangeRecord{
		rec("a", "stale", 50, "y"),
		rec("a", "fresh", 200, "y"),
		rec("b", "new", 10, "y"),
	})

	if len(accepted) != 2 {
		t.Fatalf("expected 2 accepted records, got %d", len(accepted))
	}
	if accepted[0].Key != "a" || string(accepted[0].Value) != `"fresh"` {
		t.Errorf("unexpected first accepted record: %+v", accepted[0])
	}
	if accepted[1].Key != "b" {
		t.Errorf("unexpected second accepted record: %+v", accepted[1])
	}
}

func TestChangeRecordClone_DeepCopies(t *testing.T) {
	original := rec("k", "abc", 1, "d")
	clone := original.Clone()
	clone.Value[1] = 'X'
	if string(original.Value) == string(clone.Value) {
		t.Error("clone shares value buffer with original")
	}
}
