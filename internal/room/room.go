package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
)

// DefaultHistoryCapacity bounds the caption history of a room.
const DefaultHistoryCapacity = 10

// ErrClosed is returned when joining a room that has already been torn down.
var ErrClosed = errors.New("room closed")

// Participant is a by-value summary of a member.
type Participant struct {
	ID       string `json:"user_id"`
	Name     string `json:"user_name"`
	Photo    string `json:"user_photo"`
	Degraded bool   `json:"degraded"`
}

// Member is what a room needs from a participant session.
type Member interface {
	ID() string
	Participant() Participant
	// Enqueue queues an encoded frame without blocking and reports whether
	// an older queued frame was evicted to make room.
	Enqueue(frame []byte) bool
	Close()
}

// Delivery describes one broadcast.
type Delivery struct {
	Recipients int
	Evictions  int
}

type entry struct {
	caption caption.Caption
	frame   []byte
}

// Room serializes membership and history behind one mutex. Broadcasting
// happens under the same lock so that membership snapshots, history and
// per-member queue order agree.
type Room struct {
	id       string
	created  time.Time
	capacity int
	onEmpty  func(*Room)

	mu      sync.Mutex
	members map[string]Member
	order   []string
	history []entry
	closed  bool
}

func newRoom(id string, capacity int, created time.Time, onEmpty func(*Room)) *Room {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Room{
		id:       id,
		created:  created,
		capacity: capacity,
		onEmpty:  onEmpty,
		members:  make(map[string]Member),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) CreatedAt() time.Time { return r.created }

// Join registers m, closing any previous member with the same participant id,
// and replays the current history into m's queue. The replayed captions are
// returned oldest first.
func (r *Room) Join(m Member) ([]caption.Caption, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	id := m.ID()
	previous, superseded := r.members[id]
	if superseded {
		r.order = removeID(r.order, id)
	}
	r.members[id] = m
	r.order = append(r.order, id)

	replay := make([]caption.Caption, 0, len(r.history))
	for _, e := range r.history {
		m.Enqueue(e.frame)
		replay = append(replay, e.caption)
	}
	r.mu.Unlock()

	if superseded && previous != m {
		previous.Close()
	}
	return replay, nil
}

// Leave removes whichever member holds participantID. It reports whether a
// member was removed.
func (r *Room) Leave(participantID string) bool {
	return r.remove(participantID, nil)
}

// Depart removes m only if it is still the registered member for its id, so
// a superseded session leaving late does not evict its replacement.
func (r *Room) Depart(m Member) bool {
	return r.remove(m.ID(), m)
}

func (r *Room) remove(id string, expected Member) bool {
	r.mu.Lock()
	current, ok := r.members[id]
	if !ok || (expected != nil && current != expected) {
		r.mu.Unlock()
		return false
	}
	delete(r.members, id)
	r.order = removeID(r.order, id)
	empty := len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()

	if empty && r.onEmpty != nil {
		r.onEmpty(r)
	}
	return true
}

// publish records c in history and enqueues frame on every current member.
func (r *Room) publish(c caption.Caption, frame []byte) Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var d Delivery
	if r.closed {
		return d
	}
	r.insert(entry{caption: c, frame: frame})
	for _, id := range r.order {
		d.Recipients++
		if r.members[id].Enqueue(frame) {
			d.Evictions++
		}
	}
	return d
}

// insert keeps history ordered by creation timestamp and bounded by capacity.
func (r *Room) insert(e entry) {
	i := len(r.history)
	for i > 0 && r.history[i-1].caption.Timestamp.After(e.caption.Timestamp) {
		i--
	}
	r.history = append(r.history, entry{})
	copy(r.history[i+1:], r.history[i:])
	r.history[i] = e
	if over := len(r.history) - r.capacity; over > 0 {
		r.history = append(r.history[:0], r.history[over:]...)
	}
}

// History returns the retained captions, oldest first.
func (r *Room) History() []caption.Caption {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]caption.Caption, len(r.history))
	for i, e := range r.history {
		out[i] = e.caption
	}
	return out
}

// Participants returns a snapshot in join order.
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.members[id].Participant())
	}
	return out
}

func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Member returns the current member for participantID.
func (r *Room) Member(participantID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[participantID]
	return m, ok
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// Summary describes an active room.
type Summary struct {
	ID           string    `json:"room_id"`
	Participants int       `json:"participant_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
