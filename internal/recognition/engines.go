package recognition

import (
	"fmt"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/nats-io/nats.go"
)

// NewEngines builds one capability per modality from configuration. conn may
// be nil when no engine runs in bus mode.
func NewEngines(cfg config.RecognitionConfig, conn *nats.Conn) (map[caption.Modality]Capability, error) {
	engines := make(map[caption.Modality]Capability, 2)
	for modality, engineCfg := range map[caption.Modality]config.EngineConfig{
		caption.Voice: cfg.Voice,
		caption.Sign:  cfg.Sign,
	} {
		engine, err := newEngine(modality, engineCfg, conn)
		if err != nil {
			return nil, err
		}
		engines[modality] = engine
	}
	return engines, nil
}

func newEngine(modality caption.Modality, cfg config.EngineConfig, conn *nats.Conn) (Capability, error) {
	switch cfg.Mode {
	case config.ModeMock, "":
		return NewMockCapability(modality), nil
	case config.ModeExec:
		return NewExecCapability(modality, cfg)
	case config.ModeBus:
		if conn == nil {
			return nil, fmt.Errorf("%s engine in bus mode requires a bus connection", modality)
		}
		return NewBusCapability(modality, conn), nil
	default:
		return nil, fmt.Errorf("unknown %s engine mode %q", modality, cfg.Mode)
	}
}
