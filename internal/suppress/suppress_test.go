package suppress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/shelfsync/shelfsync-server/internal/domain"
)

func newTestTracker(ttl time.Duration) (*Tracker, *time.Time) {
	tr := NewTracker(ttl)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestIsEchoMatchesRecentWrite(t *testing.T) {
	tr, _ := newTestTracker(60 * time.Second)

	tr.MarkWrite("book-1", domain.ClientKoSync)

	assert.True(t, tr.IsEcho("book-1", domain.ClientKoSync))
	assert.False(t, tr.IsEcho("book-1", domain.ClientABS), "different client")
	assert.False(t, tr.IsEcho("book-2", domain.ClientKoSync), "different book")
}

func TestIsEchoExpires(t *testing.T) {
	tr, now := newTestTracker(60 * time.Second)

	tr.MarkWrite("book-1", domain.ClientABS)

	*now = now.Add(59 * time.Second)
	assert.True(t, tr.IsEcho("book-1", domain.ClientABS))

	*now = now.Add(2 * time.Second)
	assert.False(t, tr.IsEcho("book-1", domain.ClientABS), "past TTL")

	// The expired entry was dropped on read.
	assert.Equal(t, 0, tr.entries.Len())
}

func TestNewerWriteExtendsWindow(t *testing.T) {
	tr, now := newTestTracker(60 * time.Second)

	tr.MarkWrite("book-1", domain.ClientHardcover)
	*now = now.Add(45 * time.Second)
	tr.MarkWrite("book-1", domain.ClientHardcover)
	*now = now.Add(45 * time.Second)

	assert.True(t, tr.IsEcho("book-1", domain.ClientHardcover), "window restarts on rewrite")
}

func TestSweep(t *testing.T) {
	tr, now := newTestTracker(60 * time.Second)

	tr.MarkWrite("book-1", domain.ClientABS)
	*now = now.Add(30 * time.Second)
	tr.MarkWrite("book-2", domain.ClientABS)
	*now = now.Add(45 * time.Second)

	removed := tr.Sweep()
	assert.Equal(t, 1, removed, "only the older entry expired")
	assert.Equal(t, 1, tr.entries.Len())
	assert.True(t, tr.IsEcho("book-2", domain.ClientABS))
}

func TestClear(t *testing.T) {
	tr, _ := newTestTracker(60 * time.Second)

	tr.MarkWrite("book-1", domain.ClientBooklore)
	tr.Clear("book-1", domain.ClientBooklore)

	assert.False(t, tr.IsEcho("book-1", domain.ClientBooklore))
}
