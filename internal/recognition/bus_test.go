package recognition

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/loqalabs/signsync/internal/natsserver"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func connectEmbedded(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, testLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestBusCapabilityRoundTrip(t *testing.T) {
	conn := connectEmbedded(t)

	worker := CapabilityFunc(func(_ context.Context, p Payload) (Outcome, error) {
		return Outcome{Success: true, Text: "vanakkam " + p.UserID, Confidence: 0.8}, nil
	})
	sub, err := Serve(conn, caption.Voice, "ta", worker, time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := NewBusCapability(caption.Voice, conn).Recognize(ctx, Payload{Data: []byte{1, 2}, Language: "ta", UserID: "alice"})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, "vanakkam alice", out.Text)
	require.InDelta(t, 0.8, out.Confidence, 1e-9)
}

func TestBusCapabilityPropagatesWorkerError(t *testing.T) {
	conn := connectEmbedded(t)

	sub, err := Serve(conn, caption.Sign, "en", CapabilityFunc(func(context.Context, Payload) (Outcome, error) {
		return Outcome{}, errors.New("model crashed")
	}), time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewBusCapability(caption.Sign, conn).Recognize(ctx, Payload{Data: []byte{1}, Language: "en"})
	require.EqualError(t, err, "model crashed")
}

func TestBusCapabilityWithoutWorker(t *testing.T) {
	conn := connectEmbedded(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewBusCapability(caption.Voice, conn).Recognize(ctx, Payload{Data: []byte{1}, Language: "ml"})
	require.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestServeDoesNotBlockBehindSlowRequest(t *testing.T) {
	conn := connectEmbedded(t)

	var calls atomic.Int32
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	worker := CapabilityFunc(func(ctx context.Context, p Payload) (Outcome, error) {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			}
		}
		return Outcome{Success: true, Text: "fast"}, nil
	})
	sub, err := Serve(conn, caption.Voice, "en", worker, 5*time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	engine := NewBusCapability(caption.Voice, conn)
	slowCtx, cancelSlow := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelSlow()
	_, err = engine.Recognize(slowCtx, Payload{Data: []byte{1}, Language: "en"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := engine.Recognize(ctx, Payload{Data: []byte{2}, Language: "en"})
	require.NoError(t, err)
	require.Equal(t, "fast", out.Text)
}

func TestServeAppliesDeadline(t *testing.T) {
	conn := connectEmbedded(t)

	sub, err := Serve(conn, caption.Sign, "ta", CapabilityFunc(func(ctx context.Context, _ Payload) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}), 100*time.Millisecond, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, conn.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewBusCapability(caption.Sign, conn).Recognize(ctx, Payload{Data: []byte{1}, Language: "ta"})
	require.EqualError(t, err, context.DeadlineExceeded.Error())
}

func TestServeSharesLoadAcrossWorkers(t *testing.T) {
	conn := connectEmbedded(t)

	var first, second atomic.Int32
	for _, counter := range []*atomic.Int32{&first, &second} {
		counter := counter
		sub, err := Serve(conn, caption.Voice, "te", CapabilityFunc(func(context.Context, Payload) (Outcome, error) {
			counter.Add(1)
			return Outcome{Success: true, Text: "ok"}, nil
		}), time.Second, testLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}
	require.NoError(t, conn.Flush())

	engine := NewBusCapability(caption.Voice, conn)
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := engine.Recognize(ctx, Payload{Data: []byte{1}, Language: "te"})
		cancel()
		require.NoError(t, err)
	}
	require.Equal(t, int32(20), first.Load()+second.Load())
}
