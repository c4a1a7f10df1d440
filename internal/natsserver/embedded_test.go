package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/signsync/internal/bus"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedServerRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.True(t, client.Healthy())

	received := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe("captions.room.r1", received)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON("captions.room.r1", map[string]string{"text": "hi"}))

	select {
	case msg := <-received:
		require.JSONEq(t, `{"text":"hi"}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Nil(t, srv)
	require.Empty(t, srv.ClientURL())
	srv.Shutdown()
}
