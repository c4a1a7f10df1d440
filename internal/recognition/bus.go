package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/protocol"
	"github.com/nats-io/nats.go"
)

// busCapability forwards recognition to a worker node answering on
// recognize.<modality>.<language>.
type busCapability struct {
	conn     *nats.Conn
	modality caption.Modality
}

func NewBusCapability(modality caption.Modality, conn *nats.Conn) Capability {
	return &busCapability{conn: conn, modality: modality}
}

func (b *busCapability) Recognize(ctx context.Context, payload Payload) (Outcome, error) {
	data, err := json.Marshal(protocol.RecognitionRequest{
		Payload:  payload.Data,
		Language: payload.Language,
		UserID:   payload.UserID,
	})
	if err != nil {
		return Outcome{}, err
	}
	msg, err := b.conn.RequestWithContext(ctx, protocol.RecognizeSubject(b.modality, payload.Language), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Outcome{}, fmt.Errorf("no %s worker for %q: %w", b.modality, payload.Language, err)
		}
		return Outcome{}, err
	}
	var resp protocol.RecognitionResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return Outcome{}, fmt.Errorf("decode %s reply: %w", b.modality, err)
	}
	if resp.Error != "" {
		return Outcome{}, errors.New(resp.Error)
	}
	return Outcome{Success: resp.Success, Text: resp.Text, Confidence: resp.Confidence}, nil
}

// WorkerQueue is the queue group recognition workers join, so each request is
// answered by exactly one worker serving the subject.
const WorkerQueue = "signsync.recognition"

// Serve answers recognition requests for modality and language on the bus
// with the given capability. It is how a worker node exposes a local engine.
// Every request runs in its own goroutine bounded by deadline.
func Serve(conn *nats.Conn, modality caption.Modality, language string, capability Capability, deadline time.Duration, logger *slog.Logger) (*nats.Subscription, error) {
	log := logger.With(
		slog.String("component", "recognition-worker"),
		slog.String("modality", string(modality)),
		slog.String("language", language))
	return conn.QueueSubscribe(protocol.RecognizeSubject(modality, language), WorkerQueue, func(msg *nats.Msg) {
		go answer(msg, capability, deadline, log)
	})
}

func answer(msg *nats.Msg, capability Capability, deadline time.Duration, log *slog.Logger) {
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
	}
	defer cancel()

	var resp protocol.RecognitionResponse
	var req protocol.RecognitionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = fmt.Sprintf("decode request: %v", err)
	} else {
		out, err := capability.Recognize(ctx, Payload{Data: req.Payload, Language: req.Language, UserID: req.UserID})
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp = protocol.RecognitionResponse{Success: out.Success, Text: out.Text, Confidence: out.Confidence}
		}
	}
	if resp.Error != "" {
		log.Warn("recognition request failed", slog.String("error", resp.Error))
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("encode recognition reply failed", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Warn("recognition reply failed", slog.String("error", err.Error()))
	}
}
