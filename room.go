package plansync

import (
	"sync"
	"time"
)

// UserRoom groups every connected device belonging to one user identity and
// holds the server's best-known merged snapshot for that user. The cache is
// merged by the same last-write-wins rule as client snapshots, making the
// server one more replica rather than a privileged source of truth.
//
// All mutations to a room (join, leave, submit) are serialized by the room's
// own mutex; different rooms never contend with each other.
type UserRoom struct {
	userID string

	mu         sync.Mutex
	members    map[string]*relayConn
	cache      Snapshot
	emptySince time.Time
	evicted    bool
}

func newUserRoom(userID string) *UserRoom {
	return &UserRoom{
		userID:  userID,
		members: make(map[string]*relayConn),
		cache:   make(Snapshot),
	}
}

// join adds a connection and returns the member count after joining. It
// fails on a room the janitor has already evicted; the caller must fetch a
// fresh room and retry, or two devices of one user end up in different
// rooms.
func (r *UserRoom) join(c *relayConn) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted {
		return 0, false
	}
	r.members[c.id] = c
	r.emptySince = time.Time{}
	return len(r.members), true
}

// leave removes a connection and returns the remaining member count.
func (r *UserRoom) leave(c *relayConn) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, c.id)
	if len(r.members) == 0 {
		r.emptySince = time.Now()
	}
	return len(r.members)
}

// submit merges a batch into the room cache and returns the accepted subset.
// Stale records are dropped here exactly as a client replica would drop
// them.
func (r *UserRoom) submit(recs []ChangeRecord) []ChangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return MergeRecords(r.cache, recs)
}

// snapshot returns a deep copy of the room cache.
func (r *UserRoom) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Clone()
}

// memberCount returns the number of connected devices.
func (r *UserRoom) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// devices lists the room's current members.
func (r *UserRoom) devices() []DeviceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceSummary, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, DeviceSummary{
			ConnectionID: c.id,
			DeviceID:     c.deviceID,
			DeviceInfo:   c.deviceInfo,
			ConnectedAt:  c.connectedAt.UnixMilli(),
		})
	}
	return out
}

// broadcast queues a message to every member except the sender. A full send
// buffer marks the member for disconnection rather than blocking the room.
func (r *UserRoom) broadcast(sender *relayConn, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.members {
		if sender != nil && id == sender.id {
			continue
		}
		c.enqueue(msg)
	}
}

// expire marks the room evicted when it has been empty longer than ttl and
// reports whether it did. Marking and the membership check happen under one
// lock, so a registration racing the janitor either lands before eviction or
// is refused by join.
func (r *UserRoom) expire(ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) == 0 && !r.emptySince.IsZero() && time.Since(r.emptySince) > ttl {
		r.evicted = true
	}
	return r.evicted
}
