package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/config"
	"github.com/loqalabs/signsync/internal/health"
	"github.com/loqalabs/signsync/internal/protocol"
	"github.com/loqalabs/signsync/internal/recognition"
	"github.com/loqalabs/signsync/internal/room"
	"github.com/loqalabs/signsync/internal/session"
)

// Journal receives session lifecycle events. Implementations must not block.
type Journal interface {
	SessionOpened(sessionID, roomID, userID string)
	SessionClosed(sessionID, roomID, userID, reason string)
	SessionSuperseded(sessionID, roomID, userID string)
	RecognitionFailed(sessionID, roomID, userID string, modality caption.Modality, language, kind string)
}

type noopJournal struct{}

func (noopJournal) SessionOpened(string, string, string) {}

func (noopJournal) SessionClosed(string, string, string, string) {}

func (noopJournal) SessionSuperseded(string, string, string) {}

func (noopJournal) RecognitionFailed(string, string, string, caption.Modality, string, string) {}

// Deps are the collaborators of a Server.
type Deps struct {
	Config      config.Config
	Rooms       *room.Registry
	Broadcaster *room.Broadcaster
	Router      *recognition.Router
	Health      *health.Monitor
	Journal     Journal
	Logger      *slog.Logger
}

// Server exposes rooms over WebSocket and the read-only HTTP API.
type Server struct {
	cfg         config.Config
	rooms       *room.Registry
	broadcaster *room.Broadcaster
	router      *recognition.Router
	health      *health.Monitor
	journal     Journal
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	opts        session.Options

	ctx      context.Context
	sessions sync.WaitGroup
	inflight sync.WaitGroup
}

// New builds a server. ctx bounds every session and in-flight recognition;
// cancelling it closes all connections.
func New(ctx context.Context, deps Deps) *Server {
	journal := deps.Journal
	if journal == nil {
		journal = noopJournal{}
	}
	return &Server{
		cfg:         deps.Config,
		rooms:       deps.Rooms,
		broadcaster: deps.Broadcaster,
		router:      deps.Router,
		health:      deps.Health,
		journal:     journal,
		logger:      deps.Logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		opts: session.OptionsFromConfig(deps.Config.Session),
		ctx:  ctx,
	}
}

// Register mounts the gateway routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{room_id}", s.handleSession)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/models/status", s.handleModelStatus)
	mux.HandleFunc("GET /api/languages", s.handleLanguages)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /api/room/{room_id}/participants", s.handleParticipants)
	mux.HandleFunc("GET /api/room/{room_id}/captions", s.handleCaptions)
	mux.HandleFunc("GET /api/room/{room_id}/stats", s.handleStats)
	mux.HandleFunc("POST /api/voice-to-text", s.handleRecognize(caption.Voice))
	mux.HandleFunc("POST /api/sign-to-text", s.handleRecognize(caption.Sign))
	mux.HandleFunc("POST /api/upload-audio", s.handleUpload(caption.Voice))
	mux.HandleFunc("POST /api/upload-image", s.handleUpload(caption.Sign))
}

// Handler returns a mux serving only the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Wait blocks until every session and in-flight recognition has finished.
func (s *Server) Wait() {
	s.sessions.Wait()
	s.inflight.Wait()
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	query := r.URL.Query()
	sender := caption.Sender{
		ID:    query.Get("user_id"),
		Name:  query.Get("user_name"),
		Photo: query.Get("user_photo"),
	}
	if sender.ID == "" {
		sender.ID = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("room_id", roomID), slog.String("error", err.Error()))
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	sess := session.New(conn, sender, s.opts, s.logger)
	rm, replay, err := s.rooms.Join(roomID, sess)
	if err != nil {
		s.logger.Error("room join failed", slog.String("room_id", roomID), slog.String("error", err.Error()))
		_ = conn.Close()
		return
	}
	s.journal.SessionOpened(sess.SessionID(), roomID, sender.ID)
	s.logger.Info("participant joined",
		slog.String("room_id", roomID),
		slog.String("user_id", sender.ID),
		slog.Int("replayed", len(replay)))

	runErr := sess.Run(s.ctx, &dispatcher{server: s, room: rm})

	reason := closeReason(runErr)
	if !rm.Depart(sess) {
		reason = "superseded"
		s.journal.SessionSuperseded(sess.SessionID(), roomID, sender.ID)
	}
	s.journal.SessionClosed(sess.SessionID(), roomID, sender.ID, reason)
	s.logger.Info("participant left",
		slog.String("room_id", roomID),
		slog.String("user_id", sender.ID),
		slog.String("reason", reason))
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, session.ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, session.ErrProtocol):
		return "protocol_error"
	default:
		return "connection_error"
	}
}

// dispatcher runs one recognition task per capture. Tasks use the server
// context, so they outlive the session that submitted them; the result is
// dropped if the session is gone by the time it completes.
type dispatcher struct {
	server *Server
	room   *room.Room
}

func (d *dispatcher) Dispatch(sess *session.Session, capture protocol.Capture) {
	srv := d.server
	srv.inflight.Add(1)
	go func() {
		defer srv.inflight.Done()
		c, err := srv.router.Route(srv.ctx, recognition.Request{
			Modality: capture.Modality,
			Payload:  capture.Payload,
			Language: capture.Language,
			Sender:   sess.Sender(),
		})
		if !sess.IsOpen() {
			srv.logger.Debug("discarding result for closed session", slog.String("session_id", sess.SessionID()))
			return
		}
		if err != nil {
			language := capture.Language
			if language == "" {
				language = srv.router.DefaultLanguage()
			}
			srv.journal.RecognitionFailed(sess.SessionID(), d.room.ID(), sess.ID(), capture.Modality, language, recognition.Kind(err))
			sess.Reply(protocol.EncodeError(recognition.Detail(err)))
			return
		}
		if _, err := srv.broadcaster.Broadcast(srv.ctx, d.room, c); err != nil {
			srv.logger.Error("broadcast failed", slog.String("room_id", d.room.ID()), slog.String("error", err.Error()))
			sess.Reply(protocol.EncodeError("internal error"))
		}
	}()
}
