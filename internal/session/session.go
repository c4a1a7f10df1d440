package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/loqalabs/signsync/internal/protocol"
	"github.com/loqalabs/signsync/internal/room"
)

var (
	ErrProtocol         = errors.New("protocol error")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrClosed           = errors.New("session closed")
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn is the subset of *websocket.Conn a session uses.
type Conn interface {
	NextReader() (messageType int, r io.Reader, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dispatcher receives captures decoded by a session. Dispatch must not block
// the session's read loop.
type Dispatcher interface {
	Dispatch(s *Session, capture protocol.Capture)
}

// Options tunes a session.
type Options struct {
	QueueDepth       int
	HeartbeatTimeout time.Duration
	MaxPayloadBytes  int
	ErrorThreshold   int
	WriteTimeout     time.Duration
}

func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		QueueDepth:       cfg.OutboundQueueDepth,
		HeartbeatTimeout: time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		ErrorThreshold:   cfg.ProtocolErrorThreshold,
		WriteTimeout:     time.Duration(cfg.WriteTimeout) * time.Millisecond,
	}
}

// Session is one participant connection in a room. It owns a read loop and
// a drain loop; frames reach the connection only through its outbox.
type Session struct {
	id     string
	sender caption.Sender
	conn   Conn
	opts   Options
	logger *slog.Logger
	clock  func() time.Time

	state          atomic.Int32
	degraded       atomic.Bool
	lastSeen       atomic.Int64
	protocolErrors int

	out       *outbox
	done      chan struct{}
	closeOnce sync.Once
	flush     atomic.Bool
}

func New(conn Conn, sender caption.Sender, opts Options, logger *slog.Logger) *Session {
	if sender.Name == "" {
		sender.Name = caption.DefaultUserName
	}
	if sender.Photo == "" {
		sender.Photo = caption.DefaultUserPhoto
	}
	id := uuid.NewString()
	s := &Session{
		id:     id,
		sender: sender,
		conn:   conn,
		opts:   opts,
		logger: logger.With(slog.String("component", "session"), slog.String("session_id", id), slog.String("user_id", sender.ID)),
		clock:  time.Now,
		out:    newOutbox(opts.QueueDepth),
		done:   make(chan struct{}),
	}
	s.lastSeen.Store(s.clock().UnixNano())
	return s
}

// ID is the participant id; it keys the session inside its room.
func (s *Session) ID() string { return s.sender.ID }

// SessionID uniquely identifies this connection.
func (s *Session) SessionID() string { return s.id }

func (s *Session) Sender() caption.Sender { return s.sender }

func (s *Session) Participant() room.Participant {
	return room.Participant{
		ID:       s.sender.ID,
		Name:     s.sender.Name,
		Photo:    s.sender.Photo,
		Degraded: s.degraded.Load(),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) IsOpen() bool { return s.State() == StateOpen }

func (s *Session) Degraded() bool { return s.degraded.Load() }

func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// Enqueue queues frame for delivery. Frames for a session that is shutting
// down are discarded. It reports whether an older frame was evicted.
func (s *Session) Enqueue(frame []byte) bool {
	switch s.State() {
	case StateConnecting, StateOpen:
	default:
		return false
	}
	evicted := s.out.push(frame)
	if evicted && !s.degraded.Swap(true) {
		s.logger.Warn("outbound queue saturated, dropping oldest frames")
	}
	return evicted
}

// Reply queues frame only while the session is open.
func (s *Session) Reply(frame []byte) bool {
	if !s.IsOpen() {
		return false
	}
	s.Enqueue(frame)
	return true
}

// Close stops the session. It is safe to call more than once and from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for {
			cur := s.State()
			if cur == StateClosing || cur == StateClosed {
				break
			}
			if s.state.CompareAndSwap(int32(cur), int32(StateClosing)) {
				break
			}
		}
		close(s.done)
		if !s.flush.Load() {
			_ = s.conn.Close()
		}
	})
}

// Run serves the connection until it closes. It returns nil for a clean
// close and ErrProtocol, ErrHeartbeatTimeout or the transport error otherwise.
func (s *Session) Run(ctx context.Context, d Dispatcher) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		s.Close()
		_ = s.conn.Close()
		s.state.Store(int32(StateClosed))
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		s.drain()
	}()

	err := s.readLoop(d)
	if errors.Is(err, ErrProtocol) {
		s.state.Store(int32(StateError))
		s.flush.Store(true)
	}
	s.Close()
	<-drained
	_ = s.conn.Close()
	s.state.Store(int32(StateClosed))

	switch {
	case err == nil:
		s.logger.Info("session closed")
	case errors.Is(err, ErrHeartbeatTimeout), errors.Is(err, ErrProtocol):
		s.logger.Warn("session terminated", slog.String("reason", err.Error()))
	default:
		s.logger.Info("session disconnected", slog.String("error", err.Error()))
	}
	return err
}

func (s *Session) readLoop(d Dispatcher) error {
	for {
		if err := s.conn.SetReadDeadline(s.clock().Add(s.opts.HeartbeatTimeout)); err != nil {
			return err
		}
		_, reader, err := s.conn.NextReader()
		if err != nil {
			return s.readFailed(err)
		}
		raw, oversized, err := readFrame(reader, s.opts.MaxPayloadBytes)
		if err != nil {
			return s.readFailed(err)
		}
		s.lastSeen.Store(s.clock().UnixNano())

		if oversized {
			if err := s.protocolError(fmt.Sprintf("message exceeds %d bytes", s.opts.MaxPayloadBytes)); err != nil {
				return err
			}
			continue
		}

		msg, err := protocol.Decode(raw)
		if err != nil {
			if err := s.protocolError(err.Error()); err != nil {
				return err
			}
			continue
		}

		switch m := msg.(type) {
		case protocol.Ping:
			s.Enqueue(protocol.EncodePong())
		case protocol.Capture:
			if m.UserID != "" && m.UserID != s.sender.ID {
				if err := s.protocolError("user_id does not match session"); err != nil {
					return err
				}
				continue
			}
			d.Dispatch(s, m)
		}
	}
}

func (s *Session) readFailed(err error) error {
	if s.State() != StateOpen {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrHeartbeatTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

// readFrame reads one frame of at most limit bytes. A longer frame is drained
// and reported as oversized so the connection stays usable.
func readFrame(r io.Reader, limit int) ([]byte, bool, error) {
	if limit <= 0 {
		raw, err := io.ReadAll(r)
		return raw, false, err
	}
	raw, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, false, err
	}
	if len(raw) <= limit {
		return raw, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

// protocolError replies with an error frame and returns ErrProtocol once the
// number of violations exceeds the configured threshold.
func (s *Session) protocolError(detail string) error {
	s.protocolErrors++
	s.Enqueue(protocol.EncodeError(detail))
	s.logger.Debug("protocol error", slog.String("detail", detail), slog.Int("count", s.protocolErrors))
	if s.opts.ErrorThreshold > 0 && s.protocolErrors > s.opts.ErrorThreshold {
		return fmt.Errorf("%w: %d violations, last: %s", ErrProtocol, s.protocolErrors, detail)
	}
	return nil
}

func (s *Session) drain() {
	for {
		select {
		case <-s.out.notify:
			if !s.writeQueued() {
				return
			}
		case <-s.done:
			if s.flush.Load() {
				s.writeQueued()
			}
			return
		}
	}
}

func (s *Session) writeQueued() bool {
	for {
		frame, ok := s.out.pop()
		if !ok {
			return true
		}
		if s.opts.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(s.clock().Add(s.opts.WriteTimeout))
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("write failed", slog.String("error", err.Error()))
			s.Close()
			_ = s.conn.Close()
			return false
		}
	}
}
