//go:build integration

package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/botevents/stats"
)

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start nats container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestSubscriberRoundTrip(t *testing.T) {
	nc := startNATS(t)
	firer := &fakeFirer{}
	tracker := stats.NewTracker()

	sub := NewSubscriber(nc, firer, tracker, "engine")
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Stop() })
	require.NoError(t, nc.Flush())

	raw := encodeEvent(t, "follow", map[string]any{"username": "alice"})
	reply, err := nc.Request(SubjectFire, raw, 5*time.Second)
	require.NoError(t, err)

	var ack Ack
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.True(t, ack.OK)

	require.NoError(t, nc.Publish(SubjectStreamStats, encodeEvent(t, "stream.stats", map[string]any{"online": true, "viewers": 7})))
	require.Eventually(t, func() bool { return tracker.Current().Viewers == 7 }, 5*time.Second, 50*time.Millisecond)

	firer.mu.Lock()
	defer firer.mu.Unlock()
	assert.Equal(t, []string{"follow", "stream-started"}, firer.names)
}

func TestPublisherRaiseReachesSubscriber(t *testing.T) {
	nc := startNATS(t)
	firer := &fakeFirer{}

	sub := NewSubscriber(nc, firer, nil, "engine")
	require.NoError(t, sub.Start())
	t.Cleanup(func() { _ = sub.Stop() })
	require.NoError(t, nc.Flush())

	pub := NewPublisher(nc, time.Second)
	require.NoError(t, pub.Raise(context.Background(), "commercial", map[string]any{"duration": 60}))

	require.Eventually(t, func() bool {
		firer.mu.Lock()
		defer firer.mu.Unlock()
		return len(firer.names) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.EqualValues(t, 60, firer.attrs[0]["duration"])
}

func TestPublisherCreateClipOverNATS(t *testing.T) {
	nc := startNATS(t)

	_, err := nc.Subscribe(SubjectClip, func(msg *nats.Msg) {
		out, _ := json.Marshal(NewCloudEvent("channel", "channel.clip.created", map[string]any{"id": "Clip42"}))
		_ = msg.Respond(out)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	id, err := NewPublisher(nc, 2*time.Second).CreateClip(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "Clip42", id)
}
