// Package schedule raises the time-driven events of a live stream.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/liamcoop/botevents/engine"
	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/stats"
)

// DefaultInterval matches the granularity of the minute-based checkers.
const DefaultInterval = 30 * time.Second

// Firer is the part of the engine the ticker drives.
type Firer interface {
	Fire(ctx context.Context, eventName string, attrs engine.Attributes) error
	Reset(ctx context.Context, eventName string) error
}

// ExclusionClearer forgets unresolvable usernames when a stream ends.
type ExclusionClearer interface {
	ClearExcluded()
}

// streamEvents are raised on every tick while the stream is online.
var streamEvents = []string{
	engine.EventEveryXMinutesOfStream,
	engine.EventStreamIsRunningXMinutes,
	engine.EventViewersAtLeast,
}

// StreamTicker polls the channel stats and raises periodic stream events.
// When the stream goes offline the state of those events is reset so the
// next stream starts fresh. That includes the viewer threshold, which
// without a runInterval fires once until reset.
type StreamTicker struct {
	firer    Firer
	stats    stats.Provider
	excluded ExclusionClearer
	interval time.Duration

	mu        sync.Mutex
	running   bool
	wasOnline bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewStreamTicker(firer Firer, provider stats.Provider, excluded ExclusionClearer, interval time.Duration) *StreamTicker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &StreamTicker{
		firer:    firer,
		stats:    provider,
		excluded: excluded,
		interval: interval,
	}
}

// Start launches the tick loop. It is a no-op when already running.
func (t *StreamTicker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})

	logger.Info("stream ticker started", "interval", t.interval)
	t.wg.Add(1)
	go t.loop()
}

// Stop ends the loop and waits for an in-flight tick.
func (t *StreamTicker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stopChan)
	t.mu.Unlock()

	t.wg.Wait()
	logger.Info("stream ticker stopped")
}

func (t *StreamTicker) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Tick(context.Background()); err != nil {
				logger.Warn("stream tick failed", "error", err)
			}
		case <-t.stopChan:
			return
		}
	}
}

// Tick runs one poll. Online streams raise the periodic events; the first
// tick after the stream went offline resets them.
func (t *StreamTicker) Tick(ctx context.Context) error {
	snap := t.stats.Current()

	t.mu.Lock()
	wasOnline := t.wasOnline
	t.wasOnline = snap.Online
	t.mu.Unlock()

	var errs []error
	switch {
	case snap.Online:
		for _, name := range streamEvents {
			attrs := engine.Attributes{}
			if name == engine.EventViewersAtLeast {
				attrs["count"] = snap.Viewers
			}
			if err := t.firer.Fire(ctx, name, attrs); err != nil {
				errs = append(errs, err)
			}
		}
	case wasOnline:
		logger.Info("stream went offline, resetting stream events")
		for _, name := range streamEvents {
			if err := t.firer.Reset(ctx, name); err != nil {
				errs = append(errs, err)
			}
		}
		if t.excluded != nil {
			t.excluded.ClearExcluded()
		}
	}
	return errors.Join(errs...)
}
