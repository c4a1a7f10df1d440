package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/signsync/internal/config"
	_ "modernc.org/sqlite"
)

const (
	EventSessionOpened     = "session.opened"
	EventSessionClosed     = "session.closed"
	EventSessionSuperseded = "session.superseded"
	EventRecognitionFailed = "recognition.failed"
	EventCaptionBroadcast  = "caption.broadcast"
)

// timeLayout sorts lexicographically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Event is one journal entry. It carries metadata only, never caption text
// or media payloads.
type Event struct {
	ID         int64
	SessionID  string
	RoomID     string
	UserID     string
	Type       string
	CaptionID  string
	Modality   string
	Language   string
	Detail     string
	Recipients int
	Evictions  int
	CreatedAt  time.Time
}

// Session is a journaled connection.
type Session struct {
	SessionID   string
	RoomID      string
	UserID      string
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason string
}

// Store wraps a SQLite-backed session journal.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    opened_at TEXT NOT NULL,
    closed_at TEXT,
    close_reason TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL DEFAULT '',
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    caption_id TEXT NOT NULL DEFAULT '',
    modality TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    recipients INTEGER NOT NULL DEFAULT 0,
    evictions INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_room_created ON events(room_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

// OpenSession records a new connection.
func (s *Store) OpenSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	if sess.OpenedAt.IsZero() {
		sess.OpenedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, room_id, user_id, opened_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET room_id=excluded.room_id, user_id=excluded.user_id`,
		sess.SessionID, sess.RoomID, sess.UserID, formatTime(sess.OpenedAt))
	return err
}

// CloseSession stamps the close time and reason of a session.
func (s *Store) CloseSession(ctx context.Context, sessionID, reason string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ?, close_reason = ? WHERE session_id = ?`,
		formatTime(s.now()), reason, sessionID)
	return err
}

// GetSession loads one session row.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var sess Session
	var opened string
	var closed, reason sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, room_id, user_id, opened_at, closed_at, close_reason FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&sess.SessionID, &sess.RoomID, &sess.UserID, &opened, &closed, &reason)
	if err != nil {
		return Session{}, err
	}
	sess.OpenedAt = parseTime(opened)
	if closed.Valid {
		sess.ClosedAt = parseTime(closed.String)
	}
	sess.CloseReason = reason.String
	return sess, nil
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, room_id, user_id, event_type, caption_id, modality, language, detail, recipients, evictions, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.RoomID, evt.UserID, evt.Type, evt.CaptionID, evt.Modality, evt.Language, evt.Detail,
		evt.Recipients, evt.Evictions, formatTime(evt.CreatedAt))
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	return s.list(ctx, `session_id = ?`, sessionID, limit)
}

// ListRoomEvents retrieves up to limit events for a room ordered ascending by time.
func (s *Store) ListRoomEvents(ctx context.Context, roomID string, limit int) ([]Event, error) {
	return s.list(ctx, `room_id = ?`, roomID, limit)
}

func (s *Store) list(ctx context.Context, where string, arg string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, room_id, user_id, event_type, caption_id, modality, language, detail, recipients, evictions, created_at
		 FROM events WHERE `+where+` ORDER BY created_at ASC, id ASC LIMIT ?`, arg, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RoomID, &e.UserID, &e.Type, &e.CaptionID, &e.Modality,
			&e.Language, &e.Detail, &e.Recipients, &e.Evictions, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := formatTime(s.now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour))
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE session_id <> '' AND session_id NOT IN (SELECT session_id FROM sessions)`)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// Ensure checks that an ephemeral store holds no database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}
