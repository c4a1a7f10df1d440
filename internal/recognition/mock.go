package recognition

import (
	"context"
	"fmt"

	"github.com/loqalabs/signsync/internal/caption"
)

type mockCapability struct {
	modality caption.Modality
}

func NewMockCapability(modality caption.Modality) Capability {
	return &mockCapability{modality: modality}
}

func (m *mockCapability) Recognize(_ context.Context, payload Payload) (Outcome, error) {
	return Outcome{
		Success:    true,
		Text:       fmt.Sprintf("[%s %s transcript length=%d]", m.modality, payload.Language, len(payload.Data)),
		Confidence: 0.95,
	}, nil
}
