package gateway

import (
	"log/slog"

	"github.com/loqalabs/signsync/internal/bus"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/protocol"
	"github.com/loqalabs/signsync/internal/room"
)

// CaptionMirror republishes broadcast captions on captions.room.<id> so
// other services on the bus can follow a room. Publishing is best effort.
type CaptionMirror struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewCaptionMirror(client *bus.Client, logger *slog.Logger) *CaptionMirror {
	return &CaptionMirror{bus: client, logger: logger.With(slog.String("component", "caption-mirror"))}
}

func (m *CaptionMirror) CaptionBroadcast(roomID string, c caption.Caption, _ room.Delivery) {
	if !m.bus.Healthy() {
		return
	}
	subject, err := protocol.CaptionRoomSubject(roomID)
	if err != nil {
		m.logger.Debug("caption mirror skipped", slog.String("room_id", roomID), slog.String("error", err.Error()))
		return
	}
	if err := m.bus.PublishJSON(subject, protocol.NewCaptionData(c)); err != nil {
		m.logger.Warn("caption mirror publish failed", slog.String("room_id", roomID), slog.String("error", err.Error()))
	}
}
