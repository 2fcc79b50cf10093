// Package stats keeps the latest live channel metrics reported by the
// platform poller.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a read-only view of the channel at one point in time.
type Snapshot struct {
	Viewers         int       `json:"viewers"`
	Views           int       `json:"views"`
	Followers       int       `json:"followers"`
	Subscribers     int       `json:"subscribers"`
	Game            string    `json:"game"`
	Title           string    `json:"title"`
	Online          bool      `json:"online"`
	StreamStart     time.Time `json:"streamStart"`
	IsBotSubscriber bool      `json:"isBotSubscriber"`
}

// Uptime is the time since the stream went online, or zero when offline.
func (s Snapshot) Uptime(now time.Time) time.Duration {
	if !s.Online || s.StreamStart.IsZero() {
		return 0
	}
	return now.Sub(s.StreamStart)
}

// Provider exposes the current snapshot.
type Provider interface {
	Current() Snapshot
}

// Tracker is a concurrency-safe Provider updated by the event bus.
type Tracker struct {
	mu      sync.RWMutex
	current Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) Current() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Update replaces the snapshot and returns the previous one. A stream that
// comes online without a start time is stamped with now.
func (t *Tracker) Update(s Snapshot) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.current
	if s.Online && s.StreamStart.IsZero() {
		if previous.Online && !previous.StreamStart.IsZero() {
			s.StreamStart = previous.StreamStart
		} else {
			s.StreamStart = time.Now()
		}
	}
	if !s.Online {
		s.StreamStart = time.Time{}
	}
	t.current = s
	return previous
}
