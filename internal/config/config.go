package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ModeMock = "mock"
	ModeExec = "exec"
	ModeBus  = "bus"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	LogMaxAgeDays  int    `yaml:"log_max_age_days"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Session     SessionConfig     `yaml:"session"`
	Rooms       RoomsConfig       `yaml:"rooms"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Models      ModelsConfig      `yaml:"models"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
	BufferSize    int    `yaml:"buffer_size"`
}

// SessionConfig bounds a single participant connection.
type SessionConfig struct {
	OutboundQueueDepth     int `yaml:"outbound_queue_depth"`
	HeartbeatTimeout       int `yaml:"heartbeat_timeout_ms"`
	MaxPayloadBytes        int `yaml:"max_payload_bytes"`
	ProtocolErrorThreshold int `yaml:"protocol_error_threshold"`
	WriteTimeout           int `yaml:"write_timeout_ms"`
}

type RoomsConfig struct {
	HistoryCapacity int `yaml:"history_capacity"`
}

type EngineConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, bus
	Command    string `yaml:"command"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type Language struct {
	Code string `yaml:"code" json:"code"`
	Name string `yaml:"name" json:"name"`
}

type RecognitionConfig struct {
	Deadline        int          `yaml:"deadline_ms"`
	DefaultLanguage string       `yaml:"default_language"`
	Languages       []Language   `yaml:"languages"`
	Voice           EngineConfig `yaml:"voice"`
	Sign            EngineConfig `yaml:"sign"`
}

// LanguageCodes returns the configured language codes in declaration order.
func (c RecognitionConfig) LanguageCodes() []string {
	codes := make([]string, 0, len(c.Languages))
	for _, l := range c.Languages {
		codes = append(codes, l.Code)
	}
	return codes
}

type ModelsConfig struct {
	Directory       string `yaml:"directory"`
	RefreshInterval int    `yaml:"refresh_interval_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "signsync",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogMaxSizeMB:   10,
			LogMaxBackups:  3,
			LogMaxAgeDays:  28,
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "signsync-node-1",
			Role:              "gateway",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "captions.gateway", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/signsync-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
			BufferSize:    256,
		},
		Session: SessionConfig{
			OutboundQueueDepth:     50,
			HeartbeatTimeout:       30000,
			MaxPayloadBytes:        5 << 20,
			ProtocolErrorThreshold: 5,
			WriteTimeout:           10000,
		},
		Rooms: RoomsConfig{
			HistoryCapacity: 10,
		},
		Recognition: RecognitionConfig{
			Deadline:        5000,
			DefaultLanguage: "en",
			Languages: []Language{
				{Code: "en", Name: "English"},
				{Code: "ta", Name: "Tamil"},
				{Code: "ml", Name: "Malayalam"},
				{Code: "te", Name: "Telugu"},
			},
			Voice: EngineConfig{
				Mode:       ModeMock,
				SampleRate: 16000,
				Channels:   1,
			},
			Sign: EngineConfig{
				Mode: ModeMock,
			},
		},
		Models: ModelsConfig{
			Directory:       "./models",
			RefreshInterval: 30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SIGNSYNC_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SIGNSYNC_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SIGNSYNC_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SIGNSYNC_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SIGNSYNC_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "SIGNSYNC_TELEMETRY_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SIGNSYNC_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SIGNSYNC_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SIGNSYNC_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "SIGNSYNC_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SIGNSYNC_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SIGNSYNC_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SIGNSYNC_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SIGNSYNC_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SIGNSYNC_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SIGNSYNC_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SIGNSYNC_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SIGNSYNC_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SIGNSYNC_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SIGNSYNC_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SIGNSYNC_NODE_ID")
	overrideString(&cfg.Node.Role, "SIGNSYNC_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "SIGNSYNC_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SIGNSYNC_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SIGNSYNC_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SIGNSYNC_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SIGNSYNC_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SIGNSYNC_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SIGNSYNC_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Session.OutboundQueueDepth, "SIGNSYNC_SESSION_OUTBOUND_QUEUE_DEPTH")
	overrideInt(&cfg.Session.HeartbeatTimeout, "SIGNSYNC_SESSION_HEARTBEAT_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxPayloadBytes, "SIGNSYNC_SESSION_MAX_PAYLOAD_BYTES")
	overrideInt(&cfg.Session.ProtocolErrorThreshold, "SIGNSYNC_SESSION_PROTOCOL_ERROR_THRESHOLD")
	overrideInt(&cfg.Session.WriteTimeout, "SIGNSYNC_SESSION_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Rooms.HistoryCapacity, "SIGNSYNC_ROOMS_HISTORY_CAPACITY")
	overrideInt(&cfg.Recognition.Deadline, "SIGNSYNC_RECOGNITION_DEADLINE_MS")
	overrideString(&cfg.Recognition.DefaultLanguage, "SIGNSYNC_RECOGNITION_DEFAULT_LANGUAGE")
	overrideLanguages(&cfg.Recognition.Languages, "SIGNSYNC_RECOGNITION_LANGUAGES")
	overrideString(&cfg.Recognition.Voice.Mode, "SIGNSYNC_RECOGNITION_VOICE_MODE")
	overrideString(&cfg.Recognition.Voice.Command, "SIGNSYNC_RECOGNITION_VOICE_COMMAND")
	overrideInt(&cfg.Recognition.Voice.SampleRate, "SIGNSYNC_RECOGNITION_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Voice.Channels, "SIGNSYNC_RECOGNITION_VOICE_CHANNELS")
	overrideString(&cfg.Recognition.Sign.Mode, "SIGNSYNC_RECOGNITION_SIGN_MODE")
	overrideString(&cfg.Recognition.Sign.Command, "SIGNSYNC_RECOGNITION_SIGN_COMMAND")
	overrideString(&cfg.Models.Directory, "SIGNSYNC_MODELS_DIRECTORY")
	overrideInt(&cfg.Models.RefreshInterval, "SIGNSYNC_MODELS_REFRESH_INTERVAL_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if trimmed := splitList(value); len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// overrideLanguages accepts "en:English,ta:Tamil"; a bare code uses itself as the name.
func overrideLanguages(target *[]Language, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	var langs []Language
	for _, item := range splitList(value) {
		code, name, found := strings.Cut(item, ":")
		code = strings.TrimSpace(code)
		if !found || strings.TrimSpace(name) == "" {
			name = code
		}
		langs = append(langs, Language{Code: code, Name: strings.TrimSpace(name)})
	}
	if len(langs) > 0 {
		*target = langs
	}
}

func splitList(value string) []string {
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Session.OutboundQueueDepth <= 0 {
		return errors.New("session.outbound_queue_depth must be positive")
	}
	if cfg.Session.HeartbeatTimeout <= 0 {
		return errors.New("session.heartbeat_timeout_ms must be positive")
	}
	if cfg.Session.MaxPayloadBytes <= 0 {
		return errors.New("session.max_payload_bytes must be positive")
	}
	if cfg.Session.ProtocolErrorThreshold <= 0 {
		return errors.New("session.protocol_error_threshold must be >= 1")
	}
	if cfg.Rooms.HistoryCapacity <= 0 {
		return errors.New("rooms.history_capacity must be positive")
	}
	if cfg.Recognition.Deadline <= 0 {
		return errors.New("recognition.deadline_ms must be positive")
	}
	if len(cfg.Recognition.Languages) == 0 {
		return errors.New("recognition.languages must not be empty")
	}
	known := false
	for _, l := range cfg.Recognition.Languages {
		if l.Code == "" {
			return errors.New("recognition.languages entries must have a code")
		}
		if l.Code == cfg.Recognition.DefaultLanguage {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("recognition.default_language %q is not in recognition.languages", cfg.Recognition.DefaultLanguage)
	}
	if err := validateEngine("voice", cfg.Recognition.Voice, cfg.Bus.Enabled); err != nil {
		return err
	}
	if err := validateEngine("sign", cfg.Recognition.Sign, cfg.Bus.Enabled); err != nil {
		return err
	}
	if cfg.Recognition.Voice.Mode == ModeExec {
		if cfg.Recognition.Voice.SampleRate <= 0 {
			return errors.New("recognition.voice.sample_rate must be positive")
		}
		if cfg.Recognition.Voice.Channels <= 0 {
			return errors.New("recognition.voice.channels must be positive")
		}
	}
	if cfg.Models.RefreshInterval <= 0 {
		return errors.New("models.refresh_interval_ms must be positive")
	}
	return nil
}

func validateEngine(name string, cfg EngineConfig, busEnabled bool) error {
	switch cfg.Mode {
	case ModeMock:
	case ModeExec:
		if cfg.Command == "" {
			return fmt.Errorf("recognition.%s.command must be set when mode=exec", name)
		}
	case ModeBus:
		if !busEnabled {
			return fmt.Errorf("recognition.%s.mode=bus requires bus.enabled", name)
		}
	default:
		return fmt.Errorf("recognition.%s.mode must be one of mock|exec|bus", name)
	}
	return nil
}
