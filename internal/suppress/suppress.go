// Package suppress prevents the bridge from treating its own writes as
// fresh user activity. After the bridge pushes a position to a client, the
// client will report that same position back on its next poll; without a
// suppression window the bridge would bounce the position between services
// forever.
package suppress

import (
	"time"

	"github.com/shelfsync/shelfsync-server/internal/domain"
	"github.com/shelfsync/shelfsync-server/internal/util"
)

type key struct {
	BookID string
	Client domain.ClientName
}

// Tracker remembers recent bridge-originated writes per (book, client).
type Tracker struct {
	ttl     time.Duration
	entries *util.SyncMap[key, time.Time]
	now     func() time.Time
}

// NewTracker creates a tracker whose records expire after ttl.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		ttl:     ttl,
		entries: util.NewSyncMap[key, time.Time](),
		now:     time.Now,
	}
}

// MarkWrite records that the bridge just wrote a position to the client
// for this book. Any activity the client reports within the TTL is an
// echo of that write.
func (t *Tracker) MarkWrite(bookID string, client domain.ClientName) {
	t.entries.Store(key{bookID, client}, t.now())
}

// IsEcho reports whether the client's activity on this book falls inside
// the suppression window of a recent bridge write. Expired records are
// dropped as a side effect.
func (t *Tracker) IsEcho(bookID string, client domain.ClientName) bool {
	k := key{bookID, client}
	at, ok := t.entries.Load(k)
	if !ok {
		return false
	}
	if t.now().Sub(at) > t.ttl {
		t.entries.Delete(k)
		return false
	}
	return true
}

// Clear drops any suppression record for one (book, client) pair.
func (t *Tracker) Clear(bookID string, client domain.ClientName) {
	t.entries.Delete(key{bookID, client})
}

// Sweep removes expired records and returns how many were dropped.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.ttl)
	return t.entries.DeleteFunc(func(_ key, at time.Time) bool {
		return at.Before(cutoff)
	})
}
