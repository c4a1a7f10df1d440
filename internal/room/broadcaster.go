package room

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Observer is told about every completed broadcast.
type Observer interface {
	CaptionBroadcast(roomID string, c caption.Caption, d Delivery)
}

// Broadcaster fans a caption out to the membership snapshot of a room.
type Broadcaster struct {
	logger    *slog.Logger
	observers []Observer
	captions  metric.Int64Counter
	evictions metric.Int64Counter
}

func NewBroadcaster(logger *slog.Logger, observers ...Observer) *Broadcaster {
	b := &Broadcaster{
		logger:    logger.With(slog.String("component", "broadcaster")),
		observers: observers,
	}
	meter := otel.Meter("github.com/loqalabs/signsync/room")
	var err error
	if b.captions, err = meter.Int64Counter("signsync.captions.broadcast", metric.WithDescription("Captions broadcast to rooms")); err != nil {
		b.logger.Warn("failed to create caption counter", slog.String("error", err.Error()))
	}
	if b.evictions, err = meter.Int64Counter("signsync.outbound.dropped", metric.WithDescription("Queued frames evicted by newer ones")); err != nil {
		b.logger.Warn("failed to create eviction counter", slog.String("error", err.Error()))
	}
	return b
}

// Broadcast encodes c once, appends it to r's history and enqueues it on
// every member present at that moment.
func (b *Broadcaster) Broadcast(ctx context.Context, r *Room, c caption.Caption) (Delivery, error) {
	frame, err := protocol.EncodeCaption(c)
	if err != nil {
		return Delivery{}, fmt.Errorf("encode caption: %w", err)
	}
	d := r.publish(c, frame)

	attrs := metric.WithAttributes(attribute.String("modality", string(c.Modality)))
	if b.captions != nil {
		b.captions.Add(ctx, 1, attrs)
	}
	if b.evictions != nil && d.Evictions > 0 {
		b.evictions.Add(ctx, int64(d.Evictions), attrs)
	}
	b.logger.Debug("caption broadcast",
		slog.String("room_id", r.ID()),
		slog.String("caption_id", c.ID),
		slog.Int("recipients", d.Recipients),
		slog.Int("evictions", d.Evictions))

	for _, o := range b.observers {
		o.CaptionBroadcast(r.ID(), c, d)
	}
	return d, nil
}
