package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/signsync/internal/bus"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/loqalabs/signsync/internal/natsserver"
	"github.com/stretchr/testify/require"
)

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func announceWorker(t *testing.T, client *bus.Client, id string, caps ...Capability) {
	t.Helper()
	payload, err := json.Marshal(announceMessage{NodeID: id, Role: "worker", Capabilities: caps, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, client.Conn().Publish(SubjectAnnounce, payload))
	require.NoError(t, client.Conn().Flush())
}

func TestRegistryTracksRecognitionProviders(t *testing.T) {
	client := startBus(t)
	reg, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                "gateway-1",
		Role:              "gateway",
		HeartbeatInterval: 100,
		HeartbeatTimeout:  5000,
		Capabilities:      []config.NodeCapability{{Name: "captions.gateway"}},
	}, client, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	announceWorker(t, client, "worker-a", Capability{
		Name:       RecognizeVoice,
		Attributes: map[string]string{AttributeLanguages: "en, TA"},
	})
	announceWorker(t, client, "worker-b",
		Capability{Name: RecognizeVoice, Attributes: map[string]string{AttributeLanguages: "en,te"}},
		Capability{Name: RecognizeSign, Attributes: map[string]string{AttributeLanguages: "en"}},
	)

	require.Eventually(t, func() bool {
		return len(reg.Providers(RecognizeVoice)) == 2
	}, 2*time.Second, 20*time.Millisecond)

	require.Equal(t, []string{"en", "ta", "te"}, reg.Languages(RecognizeVoice))
	require.Equal(t, []string{"en"}, reg.Languages(RecognizeSign))
	require.Equal(t, "worker-a", reg.Providers(RecognizeVoice)[0].ID)
	require.True(t, reg.Healthy())
	require.Len(t, reg.LocalCapabilities(), 1)
}

func TestRegistryExpiresSilentNodes(t *testing.T) {
	client := startBus(t)
	reg, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                "gateway-1",
		Role:              "gateway",
		HeartbeatInterval: 50,
		HeartbeatTimeout:  200,
	}, client, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	announceWorker(t, client, "worker-a", Capability{
		Name:       RecognizeSign,
		Attributes: map[string]string{AttributeLanguages: "en"},
	})
	require.Eventually(t, func() bool {
		return len(reg.Languages(RecognizeSign)) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(reg.Languages(RecognizeSign)) == 0
	}, 3*time.Second, 50*time.Millisecond)
	require.True(t, reg.Healthy())
}

func TestCapabilityLanguages(t *testing.T) {
	c := Capability{Name: RecognizeVoice, Attributes: map[string]string{AttributeLanguages: " en, ,ML "}}
	require.Equal(t, []string{"en", "ml"}, c.Languages())
	require.Empty(t, Capability{Name: RecognizeVoice}.Languages())
}

func TestRegistryLearnsNodesAnnouncedBeforeStart(t *testing.T) {
	client := startBus(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	worker, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                "worker-1",
		Role:              "worker",
		HeartbeatInterval: 100,
		HeartbeatTimeout:  5000,
		Capabilities: []config.NodeCapability{
			{Name: RecognizeSign, Attributes: map[string]string{AttributeLanguages: "en,ml"}},
		},
	}, client, logger)
	require.NoError(t, err)
	t.Cleanup(worker.Close)

	gateway, err := NewRegistry(context.Background(), config.NodeConfig{
		ID:                "gateway-1",
		Role:              "gateway",
		HeartbeatInterval: 100,
		HeartbeatTimeout:  5000,
	}, client, logger)
	require.NoError(t, err)
	t.Cleanup(gateway.Close)

	require.Eventually(t, func() bool {
		return len(gateway.Languages(RecognizeSign)) == 2
	}, 2*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"en", "ml"}, gateway.Languages(RecognizeSign))
	require.Equal(t, "worker-1", gateway.Providers(RecognizeSign)[0].ID)
}
