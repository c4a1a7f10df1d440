package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Registry owns the active rooms. A room exists from its first join until its
// last member leaves.
type Registry struct {
	capacity int
	logger   *slog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(historyCapacity int, logger *slog.Logger) *Registry {
	g := &Registry{
		capacity: historyCapacity,
		logger:   logger.With(slog.String("component", "rooms")),
		clock:    time.Now,
		rooms:    make(map[string]*Room),
	}
	if err := g.initMetrics(); err != nil {
		g.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return g
}

// GetOrCreate returns the live room for id, creating it if needed.
func (g *Registry) GetOrCreate(id string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[id]; ok {
		return r
	}
	r := newRoom(id, g.capacity, g.clock().UTC(), g.remove)
	g.rooms[id] = r
	g.logger.Info("room created", slog.String("room_id", id))
	return r
}

// Join adds m to room id. A room torn down between lookup and join is
// replaced by a fresh one.
func (g *Registry) Join(id string, m Member) (*Room, []caption.Caption, error) {
	for {
		r := g.GetOrCreate(id)
		replay, err := r.Join(m)
		if errors.Is(err, ErrClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return r, replay, nil
	}
}

func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// remove drops r if it is still the registered room for its id.
func (g *Registry) remove(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.rooms[r.id]; ok && current == r {
		delete(g.rooms, r.id)
		g.logger.Info("room removed", slog.String("room_id", r.id))
	}
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// List returns a summary of every active room sorted by id.
func (g *Registry) List() []Summary {
	g.mu.Lock()
	rooms := lo.Values(g.rooms)
	g.mu.Unlock()

	summaries := lo.Map(rooms, func(r *Room, _ int) Summary {
		return Summary{ID: r.id, Participants: r.Size(), CreatedAt: r.created}
	})
	sortSummaries(summaries)
	return summaries
}

func (g *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/signsync/room")
	rooms, err := meter.Int64ObservableGauge("signsync.rooms.active", metric.WithDescription("Active rooms"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64ObservableGauge("signsync.sessions.active", metric.WithDescription("Sessions registered in rooms"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		summaries := g.List()
		obs.ObserveInt64(rooms, int64(len(summaries)))
		obs.ObserveInt64(sessions, int64(lo.SumBy(summaries, func(s Summary) int { return s.Participants })))
		return nil
	}, rooms, sessions)
	return err
}
