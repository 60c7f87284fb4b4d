package plansync

// Last-write-wins merge. This is the single conflict resolution rule for the
// whole system: device stores, the relay server's room caches, and snapshots
// loaded from a provider all converge through the same function, so the
// server is one more replica rather than a privileged source of truth.

// MergeRecord applies rec to snap under the last-write-wins rule and reports
// whether the record was accepted. A record for an absent key is always
// accepted. A stale record (older timestamp, or equal timestamp losing the
// device-id tie-break) leaves the snapshot untouched; rejection is an
// expected outcome, not an error.
func MergeRecord(snap Snapshot, rec ChangeRecord) bool {
	existing, ok := snap[rec.Key]
	if ok && !rec.Supersedes(existing) {
		return false
	}
	snap[rec.Key] = rec.Clone()
	return true
}

// MergeSnapshot merges every record of src into dst and returns the number
// of accepted records. Keys present only in src are retained; the result is
// a key-wise union resolved per key by MergeRecord. The operation is
// commutative and idempotent, which gives the convergence property: two
// replicas that have observed the same record set hold equal snapshots no
// matter the arrival order.
func MergeSnapshot(dst Snapshot, src Snapshot) int {
	accepted := 0
	for _, rec := range src {
		if MergeRecord(dst, rec) {
			accepted++
		}
	}
	return accepted
}

// MergeRecords merges a flat batch into dst and returns the accepted subset
// in batch order. The relay server uses the returned slice to broadcast only
// the records that actually changed the room cache.
func MergeRecords(dst Snapshot, recs []ChangeRecord) []ChangeRecord {
	accepted := make([]ChangeRecord, 0, len(recs))
	for _, rec := range recs {
		if MergeRecord(dst, rec) {
			accepted = append(accepted, rec)
		}
	}
	return accepted
}
