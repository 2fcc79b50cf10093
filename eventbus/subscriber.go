package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/liamcoop/botevents/engine"
	"github.com/liamcoop/botevents/identity"
	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/stats"
)

// DefaultFireTimeout bounds the evaluation of one inbound event.
const DefaultFireTimeout = 30 * time.Second

// Firer is the engine entry point fed by the bus.
type Firer interface {
	Fire(ctx context.Context, eventName string, attrs engine.Attributes) error
}

// StatsUpdater receives live channel snapshots.
type StatsUpdater interface {
	Update(s stats.Snapshot) stats.Snapshot
}

// Ack is the reply sent to publishers that asked for one.
type Ack struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Subscriber feeds inbound CloudEvents to the engine and keeps the stats
// tracker current. Stream transitions and game changes seen in the stats
// feed are raised as events.
type Subscriber struct {
	conn    Conn
	firer   Firer
	stats   StatsUpdater
	queue   string
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber. Instances sharing queue split the
// event load between them.
func NewSubscriber(conn Conn, firer Firer, tracker StatsUpdater, queue string) *Subscriber {
	return &Subscriber{
		conn:    conn,
		firer:   firer,
		stats:   tracker,
		queue:   queue,
		timeout: DefaultFireTimeout,
	}
}

func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) > 0 {
		return nil
	}

	events, err := s.conn.QueueSubscribe(SubjectFire, s.queue, s.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectFire, err)
	}
	s.subs = append(s.subs, events)

	if s.stats != nil {
		feed, err := s.conn.Subscribe(SubjectStreamStats, s.HandleStats)
		if err != nil {
			_ = events.Unsubscribe()
			s.subs = nil
			return fmt.Errorf("subscribe %s: %w", SubjectStreamStats, err)
		}
		s.subs = append(s.subs, feed)
	}

	logger.Info("event bus subscribed", "events", SubjectFire, "stats", SubjectStreamStats, "queue", s.queue)
	return nil
}

// Stop drains the subscriptions so in-flight events finish.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}

// HandleEvent fires one inbound event. When the publisher set a reply
// subject it receives an Ack.
func (s *Subscriber) HandleEvent(msg *nats.Msg) {
	ce, err := DecodeCloudEvent(msg.Data)
	if err != nil {
		logger.Warn("dropping malformed event", "subject", msg.Subject, "error", err)
		s.ack(msg, Ack{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err = s.firer.Fire(ctx, ce.Type, engine.Attributes(ce.Data))
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrUnresolvableUser):
		logger.Debug("event skipped for unresolvable user", "event", ce.Type, "id", ce.ID)
	default:
		logger.Warn("event failed", "event", ce.Type, "id", ce.ID, "error", err)
	}

	a := Ack{ID: ce.ID, OK: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	s.ack(msg, a)
}

func (s *Subscriber) ack(msg *nats.Msg, a Ack) {
	if msg.Reply == "" {
		return
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := s.conn.Publish(msg.Reply, raw); err != nil {
		logger.Debug("failed to ack event", "reply", msg.Reply, "error", err)
	}
}

// HandleStats applies a stream snapshot and raises the events its changes
// imply.
func (s *Subscriber) HandleStats(msg *nats.Msg) {
	ce, err := DecodeCloudEvent(msg.Data)
	if err != nil {
		logger.Warn("dropping malformed stats", "error", err)
		return
	}

	var snap stats.Snapshot
	if err := decodeData(ce.Data, &snap); err != nil {
		logger.Warn("dropping malformed stats", "id", ce.ID, "error", err)
		return
	}
	previous := s.stats.Update(snap)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	for _, ev := range transitions(previous, snap) {
		if err := s.firer.Fire(ctx, ev.name, ev.attrs); err != nil {
			logger.Warn("stats event failed", "event", ev.name, "error", err)
		}
	}
}

type transition struct {
	name  string
	attrs engine.Attributes
}

// transitions derives the events implied by two consecutive snapshots.
func transitions(previous, current stats.Snapshot) []transition {
	var out []transition
	switch {
	case current.Online && !previous.Online:
		out = append(out, transition{name: "stream-started", attrs: engine.Attributes{}})
	case !current.Online && previous.Online:
		out = append(out, transition{name: "stream-stopped", attrs: engine.Attributes{}})
	}
	if previous.Game != "" && current.Game != "" && previous.Game != current.Game {
		out = append(out, transition{
			name:  "game-changed",
			attrs: engine.Attributes{"oldGame": previous.Game, "game": current.Game},
		})
	}
	return out
}
