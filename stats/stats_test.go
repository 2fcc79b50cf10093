package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerStampsStreamStart(t *testing.T) {
	tr := NewTracker()

	prev := tr.Update(Snapshot{Online: true, Viewers: 10})
	assert.False(t, prev.Online)

	first := tr.Current()
	assert.False(t, first.StreamStart.IsZero())

	tr.Update(Snapshot{Online: true, Viewers: 12})
	assert.Equal(t, first.StreamStart, tr.Current().StreamStart, "start time survives updates")

	prev = tr.Update(Snapshot{Online: false})
	assert.True(t, prev.Online)
	assert.True(t, tr.Current().StreamStart.IsZero())
}

func TestSnapshotUptime(t *testing.T) {
	now := time.Now()
	s := Snapshot{Online: true, StreamStart: now.Add(-90 * time.Minute)}
	assert.Equal(t, 90*time.Minute, s.Uptime(now))

	s.Online = false
	assert.Zero(t, s.Uptime(now))
}
