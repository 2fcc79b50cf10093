package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/liamcoop/botevents/engine"
)

// DefaultRequestTimeout bounds request/reply round trips such as clip
// creation.
const DefaultRequestTimeout = 10 * time.Second

// Conn is the subset of *nats.Conn the bus uses.
type Conn interface {
	Publish(subject string, data []byte) error
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Publisher turns engine side effects into command messages for the chat
// and channel services. It also raises follow-up events on the bus.
type Publisher struct {
	conn    Conn
	timeout time.Duration
}

func NewPublisher(conn Conn, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Publisher{conn: conn, timeout: timeout}
}

func (p *Publisher) encode(subject, typ string, payload any) ([]byte, error) {
	data, err := encodeData(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	ce := NewCloudEvent(Source, typ, data)
	ce.Subject = subject
	return json.Marshal(ce)
}

func (p *Publisher) publish(subject, typ string, payload any) error {
	raw, err := p.encode(subject, typ, payload)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(subject, raw); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *Publisher) SendChat(_ context.Context, msg engine.ChatMessage) error {
	typ := "chat.message"
	if msg.Whisper {
		typ = "chat.whisper"
	}
	return p.publish(SubjectChat, typ, msg)
}

func (p *Publisher) RunCommand(_ context.Context, req engine.CommandRequest) error {
	return p.publish(SubjectCommand, "chat.command", req)
}

func (p *Publisher) StartCommercial(_ context.Context, seconds int) error {
	return p.publish(SubjectCommercial, "channel.commercial", map[string]any{"duration": seconds})
}

func (p *Publisher) JoinChannel(context.Context) error {
	return p.publish(SubjectJoin, "channel.join", map[string]any{})
}

func (p *Publisher) LeaveChannel(context.Context) error {
	return p.publish(SubjectLeave, "channel.leave", map[string]any{})
}

// CreateClip asks the channel service for a clip and waits for its id. An
// empty id means the platform declined.
func (p *Publisher) CreateClip(ctx context.Context, hasDelay bool) (string, error) {
	raw, err := p.encode(SubjectClip, "channel.clip", map[string]any{"hasDelay": hasDelay})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	reply, err := p.conn.RequestWithContext(ctx, SubjectClip, raw)
	if err != nil {
		return "", fmt.Errorf("request clip: %w", err)
	}

	ce, err := DecodeCloudEvent(reply.Data)
	if err != nil {
		return "", fmt.Errorf("clip reply: %w", err)
	}
	if msg, ok := ce.Data["error"].(string); ok && msg != "" {
		return "", fmt.Errorf("clip reply: %s", msg)
	}
	id, _ := ce.Data["id"].(string)
	return id, nil
}

// Raise publishes an event for the engine subscribers, itself included.
func (p *Publisher) Raise(_ context.Context, eventName string, attrs engine.Attributes) error {
	raw, err := json.Marshal(NewCloudEvent(Source, eventName, attrs))
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventName, err)
	}
	if err := p.conn.Publish(SubjectFire, raw); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectFire, err)
	}
	return nil
}
