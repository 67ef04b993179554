//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATSContainer(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--js", "--http_port", "8222"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	url := startNATSContainer(ctx, t)
	c, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close(ctx)

	status := c.GetStatus()
	assert.Equal(t, StatusConnected, status.Status)
	assert.Greater(t, status.RTT, time.Duration(0))

	reader, err := nats.Connect(url)
	require.NoError(t, err)
	defer reader.Close()
	got := make(chan []byte, 1)
	_, err = reader.Subscribe("telemetry.*", func(msg *nats.Msg) { got <- msg.Data })
	require.NoError(t, err)
	require.NoError(t, reader.Flush())

	require.NoError(t, c.Publish(ctx, "telemetry.t1", []byte(`{"device_id":"d1"}`)))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"device_id":"d1"}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_StreamPublish(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(startNATSContainer(ctx, t))
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close(ctx)

	stream, err := c.EnsureStream(ctx, "TELEMETRY", []string{"telemetry.>"})
	require.NoError(t, err)

	pub := c.StreamPublisher()
	for i := 0; i < 3; i++ {
		require.NoError(t, pub.Publish(ctx, "telemetry.t1", []byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}

	info, err := stream.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.State.Msgs)

	_, err = c.EnsureStream(ctx, "TELEMETRY", []string{"telemetry.>", "shadow.>"})
	require.NoError(t, err, "existing stream is updated in place")
}

func TestIntegration_CloseDrains(t *testing.T) {
	ctx := context.Background()
	c, err := NewClient(startNATSContainer(ctx, t), WithDrainTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Publish(ctx, "commands.t1", []byte("x")))
	require.NoError(t, c.Close(ctx))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.ErrorIs(t, c.Publish(ctx, "commands.t1", []byte("x")), ErrNotConnected)
}
