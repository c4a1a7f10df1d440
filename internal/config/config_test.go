package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Session.OutboundQueueDepth != 50 {
		t.Fatalf("expected default queue depth 50, got %d", cfg.Session.OutboundQueueDepth)
	}
	if cfg.Rooms.HistoryCapacity != 10 {
		t.Fatalf("expected default history capacity 10, got %d", cfg.Rooms.HistoryCapacity)
	}
	if cfg.Recognition.Deadline != 5000 {
		t.Fatalf("expected default deadline 5000ms, got %d", cfg.Recognition.Deadline)
	}
	codes := cfg.Recognition.LanguageCodes()
	if len(codes) != 4 || codes[0] != "en" {
		t.Fatalf("unexpected default languages %v", codes)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signsync.yaml")
	data := []byte(`
http:
  port: 9000
session:
  heartbeat_timeout_ms: 1500
recognition:
  default_language: ta
  languages:
    - code: ta
      name: Tamil
  voice:
    mode: exec
    command: "/usr/bin/vosk-cli --json"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.Session.HeartbeatTimeout != 1500 {
		t.Fatalf("expected heartbeat timeout 1500, got %d", cfg.Session.HeartbeatTimeout)
	}
	if cfg.Recognition.Voice.Mode != ModeExec || cfg.Recognition.Voice.SampleRate != 16000 {
		t.Fatalf("expected exec voice engine keeping default sample rate, got %+v", cfg.Recognition.Voice)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIGNSYNC_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SIGNSYNC_BUS_USERNAME", "alice")
	t.Setenv("SIGNSYNC_BUS_PASSWORD", "secret")
	t.Setenv("SIGNSYNC_BUS_TLS_INSECURE", "true")
	t.Setenv("SIGNSYNC_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SIGNSYNC_NODE_ID", "test-node")
	t.Setenv("SIGNSYNC_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("SIGNSYNC_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("SIGNSYNC_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SIGNSYNC_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SIGNSYNC_SESSION_OUTBOUND_QUEUE_DEPTH", "8")
	t.Setenv("SIGNSYNC_SESSION_PROTOCOL_ERROR_THRESHOLD", "2")
	t.Setenv("SIGNSYNC_RECOGNITION_LANGUAGES", "en:English, te")
	t.Setenv("SIGNSYNC_RECOGNITION_SIGN_MODE", "bus")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat overrides")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides")
	}
	if cfg.Session.OutboundQueueDepth != 8 || cfg.Session.ProtocolErrorThreshold != 2 {
		t.Fatalf("expected session overrides, got %+v", cfg.Session)
	}
	if len(cfg.Recognition.Languages) != 2 || cfg.Recognition.Languages[1].Name != "te" {
		t.Fatalf("expected language override, got %+v", cfg.Recognition.Languages)
	}
	if cfg.Recognition.Sign.Mode != ModeBus {
		t.Fatalf("expected sign mode override")
	}
}

func TestValidateRejectsBusModeWithoutBus(t *testing.T) {
	t.Setenv("SIGNSYNC_BUS_ENABLED", "false")
	t.Setenv("SIGNSYNC_RECOGNITION_VOICE_MODE", "bus")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for bus engine without bus")
	}
}

func TestValidateRejectsUnknownDefaultLanguage(t *testing.T) {
	t.Setenv("SIGNSYNC_RECOGNITION_DEFAULT_LANGUAGE", "fr")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for default language outside the supported set")
	}
}
