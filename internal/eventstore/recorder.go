package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/room"
)

type write func(ctx context.Context, s *Store) error

// Recorder journals events off the request path. When its buffer is full,
// new events are dropped instead of blocking the caller.
type Recorder struct {
	store *Store
	log   *slog.Logger
	clock func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan write
	done    chan struct{}
	dropped atomic.Uint64
}

func NewRecorder(store *Store, bufferSize int, log *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	r := &Recorder{
		store: store,
		log:   log.With(slog.String("component", "event-recorder")),
		clock: time.Now,
		queue: make(chan write, bufferSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for w := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w(ctx, r.store); err != nil {
			r.log.Warn("journal write failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
	if n := r.dropped.Load(); n > 0 {
		r.log.Warn("journal dropped events", slog.Uint64("count", n))
	}
}

// Dropped counts events discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) submit(w write) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- w:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) append(evt Event) {
	evt.CreatedAt = r.clock().UTC()
	r.submit(func(ctx context.Context, s *Store) error {
		return s.AppendEvent(ctx, evt)
	})
}

func (r *Recorder) SessionOpened(sessionID, roomID, userID string) {
	opened := r.clock().UTC()
	r.submit(func(ctx context.Context, s *Store) error {
		return s.OpenSession(ctx, Session{SessionID: sessionID, RoomID: roomID, UserID: userID, OpenedAt: opened})
	})
	r.append(Event{SessionID: sessionID, RoomID: roomID, UserID: userID, Type: EventSessionOpened})
}

func (r *Recorder) SessionClosed(sessionID, roomID, userID, reason string) {
	r.submit(func(ctx context.Context, s *Store) error {
		return s.CloseSession(ctx, sessionID, reason)
	})
	r.append(Event{SessionID: sessionID, RoomID: roomID, UserID: userID, Type: EventSessionClosed, Detail: reason})
}

func (r *Recorder) SessionSuperseded(sessionID, roomID, userID string) {
	r.append(Event{SessionID: sessionID, RoomID: roomID, UserID: userID, Type: EventSessionSuperseded})
}

func (r *Recorder) RecognitionFailed(sessionID, roomID, userID string, modality caption.Modality, language, kind string) {
	r.append(Event{
		SessionID: sessionID,
		RoomID:    roomID,
		UserID:    userID,
		Type:      EventRecognitionFailed,
		Modality:  string(modality),
		Language:  language,
		Detail:    kind,
	})
}

// CaptionBroadcast implements room.Observer.
func (r *Recorder) CaptionBroadcast(roomID string, c caption.Caption, d room.Delivery) {
	r.append(Event{
		RoomID:     roomID,
		UserID:     c.UserID,
		Type:       EventCaptionBroadcast,
		CaptionID:  c.ID,
		Modality:   string(c.Modality),
		Language:   c.Language,
		Recipients: d.Recipients,
		Evictions:  d.Evictions,
	})
}
