package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/botevents/engine"
	"github.com/liamcoop/botevents/stats"
)

type recordingFirer struct {
	mu     sync.Mutex
	fired  []string
	resets []string
	counts []any
	err    error
}

func (f *recordingFirer) Fire(_ context.Context, eventName string, attrs engine.Attributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, eventName)
	if c, ok := attrs["count"]; ok {
		f.counts = append(f.counts, c)
	}
	return f.err
}

func (f *recordingFirer) Reset(_ context.Context, eventName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, eventName)
	return nil
}

func (f *recordingFirer) Fired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

type countingClearer struct{ calls int }

func (c *countingClearer) ClearExcluded() { c.calls++ }

func TestTickOnlineRaisesStreamEvents(t *testing.T) {
	tracker := stats.NewTracker()
	tracker.Update(stats.Snapshot{Online: true, Viewers: 42})
	firer := &recordingFirer{}
	clearer := &countingClearer{}

	ticker := NewStreamTicker(firer, tracker, clearer, time.Hour)
	require.NoError(t, ticker.Tick(context.Background()))

	assert.Equal(t, []string{
		engine.EventEveryXMinutesOfStream,
		engine.EventStreamIsRunningXMinutes,
		engine.EventViewersAtLeast,
	}, firer.fired)
	assert.Equal(t, []any{42}, firer.counts)
	assert.Empty(t, firer.resets)
	assert.Zero(t, clearer.calls)
}

func TestTickOfflineTransitionResets(t *testing.T) {
	tracker := stats.NewTracker()
	firer := &recordingFirer{}
	clearer := &countingClearer{}
	ticker := NewStreamTicker(firer, tracker, clearer, time.Hour)
	ctx := context.Background()

	// offline from the start: nothing to reset
	require.NoError(t, ticker.Tick(ctx))
	assert.Empty(t, firer.resets)

	tracker.Update(stats.Snapshot{Online: true})
	require.NoError(t, ticker.Tick(ctx))

	tracker.Update(stats.Snapshot{Online: false})
	require.NoError(t, ticker.Tick(ctx))
	require.NoError(t, ticker.Tick(ctx))

	assert.ElementsMatch(t, []string{
		engine.EventEveryXMinutesOfStream,
		engine.EventStreamIsRunningXMinutes,
		engine.EventViewersAtLeast,
	}, firer.resets, "reset once on the transition only")
	assert.Equal(t, 1, clearer.calls)
}

func TestTickJoinsFireErrors(t *testing.T) {
	tracker := stats.NewTracker()
	tracker.Update(stats.Snapshot{Online: true})
	firer := &recordingFirer{err: errors.New("store down")}

	err := NewStreamTicker(firer, tracker, nil, time.Hour).Tick(context.Background())
	require.Error(t, err)
	assert.Len(t, firer.fired, 3, "every event is attempted")
}

func TestStreamTickerStartStop(t *testing.T) {
	tracker := stats.NewTracker()
	tracker.Update(stats.Snapshot{Online: true})
	firer := &recordingFirer{}

	ticker := NewStreamTicker(firer, tracker, nil, 5*time.Millisecond)
	ticker.Start()
	ticker.Start()

	assert.Eventually(t, func() bool { return len(firer.Fired()) >= 3 }, time.Second, 5*time.Millisecond)

	ticker.Stop()
	ticker.Stop()
}
