package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
	"github.com/liamcoop/botevents/rules"
)

// DefaultSweepInterval is how often frequency counters are decayed.
const DefaultSweepInterval = time.Second

// fadeTarget names the counter and fade amount of one frequency event.
type fadeTarget struct {
	event      string
	counterKey string
	amountKey  string
}

var fadeTargets = []fadeTarget{
	{event: EventCommandSendXTimes, counterKey: stateCommandCount, amountKey: "fadeOutXCommands"},
	{event: EventKeywordSendXTimes, counterKey: stateKeywordCount, amountKey: "fadeOutXKeywords"},
}

// Sweeper periodically decays the counters of frequency rules so they do
// not stay almost triggered forever.
type Sweeper struct {
	store    rules.RuleStore
	events   *EventCatalog
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewSweeper(store rules.RuleStore, events *EventCatalog, interval time.Duration, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if events == nil {
		events = DefaultEventCatalog()
	}
	return &Sweeper{
		store:    store,
		events:   events,
		interval: interval,
		now:      time.Now,
		metrics:  m,
	}
}

// Start waits until the store answers, then sweeps every interval until Stop.
// It returns an error only when ctx ends before the store became ready.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ready := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(10*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(0),
	), ctx)
	err := backoff.RetryNotify(func() error {
		return s.store.Ping(ctx)
	}, ready, func(err error, wait time.Duration) {
		logger.Debug("rule store not ready, deferring sweep", "error", err, "retry_in", wait)
	})
	if err != nil {
		return fmt.Errorf("sweeper: store not ready: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopChan = make(chan struct{})

	logger.Info("fade-out sweeper started", "interval", s.interval)
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("fade-out sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := s.SweepOnce(context.Background()); err != nil {
				logger.Error("fade-out sweep failed", "error", err)
			}
			timer.Reset(s.interval)
		case <-s.stopChan:
			return
		}
	}
}

// SweepOnce runs a single decay pass over every frequency rule.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	start := s.now()
	defer func() {
		s.metrics.SweepObserved(s.now().Sub(start).Seconds())
	}()

	for _, target := range fadeTargets {
		candidates, err := s.store.ListByEvent(ctx, target.event)
		if err != nil {
			return fmt.Errorf("list %s rules: %w", target.event, err)
		}

		var defaults rules.Definitions
		if spec, ok := s.events.Lookup(target.event); ok {
			defaults = spec.Definitions
		}

		for _, rule := range candidates {
			if err := s.fade(ctx, target, rule, defaults); err != nil {
				logger.Warn("fade-out failed", "rule_id", rule.ID, "error", err)
			}
		}
	}
	return nil
}

func (s *Sweeper) fade(ctx context.Context, target fadeTarget, rule *rules.EventRule, defaults rules.Definitions) error {
	ensureTriggered(rule)
	defs := rule.Definitions.WithDefaults(defaults)
	now := float64(s.now().UnixMilli())

	stamp, ok := rule.Triggered.Number(stateFadeOut)
	if !ok {
		rule.Triggered[stateFadeOut] = now
		return s.store.SaveTriggered(ctx, rule.ID, rule.Triggered)
	}
	if now-stamp < defs.Number("fadeOutInterval")*1000 {
		return nil
	}

	counter, ok := rule.Triggered.Number(target.counterKey)
	amount := defs.Number(target.amountKey)
	if !ok || counter <= 0 || amount <= 0 || counter-amount < 0 {
		return nil
	}

	rule.Triggered[target.counterKey] = counter - amount
	rule.Triggered[stateFadeOut] = now
	if err := s.store.SaveTriggered(ctx, rule.ID, rule.Triggered); err != nil {
		return err
	}
	s.metrics.FadeOut(target.event)
	return nil
}
