package recognition

import (
	"context"
)

// Payload is what a capability is asked to recognize.
type Payload struct {
	Data     []byte
	Language string
	UserID   string
}

// Outcome captures capability output. Success=false means the engine ran but found nothing.
type Outcome struct {
	Success    bool
	Text       string
	Confidence float64
}

// Capability abstracts voice and sign recognition backends.
type Capability interface {
	Recognize(ctx context.Context, payload Payload) (Outcome, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, payload Payload) (Outcome, error)

func (f CapabilityFunc) Recognize(ctx context.Context, payload Payload) (Outcome, error) {
	return f(ctx, payload)
}
