package room

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newMember(id string) *fakeMember { return &fakeMember{id: id} }

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Participant() Participant {
	return Participant{ID: f.id, Name: "name-" + f.id}
}

func (f *fakeMember) Enqueue(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return false
}

func (f *fakeMember) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeMember) captionIDs(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.frames))
	for _, raw := range f.frames {
		var frame struct {
			Data struct {
				Caption caption.Caption `json:"caption"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &frame))
		ids = append(ids, frame.Data.Caption.ID)
	}
	return ids
}

func (f *fakeMember) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func captionAt(i int) caption.Caption {
	return caption.Caption{
		ID:        fmt.Sprintf("c%d", i),
		Text:      fmt.Sprintf("caption %d", i),
		Modality:  caption.Sign,
		UserID:    "a",
		Language:  "en",
		Timestamp: base.Add(time.Duration(i) * time.Second),
	}
}

func TestHistoryIsBoundedFIFO(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	b := NewBroadcaster(testLogger())
	a := newMember("a")
	r, _, err := reg.Join("r1", a)
	require.NoError(t, err)

	for i := 1; i <= 11; i++ {
		_, err := b.Broadcast(context.Background(), r, captionAt(i))
		require.NoError(t, err)
	}

	history := r.History()
	require.Len(t, history, 10)
	require.Equal(t, "c2", history[0].ID)
	require.Equal(t, "c11", history[9].ID)
	require.Len(t, a.captionIDs(t), 11)
}

func TestHistoryOrderedByTimestamp(t *testing.T) {
	reg := NewRegistry(3, testLogger())
	b := NewBroadcaster(testLogger())
	r, _, err := reg.Join("r1", newMember("a"))
	require.NoError(t, err)

	for _, i := range []int{1, 3, 2, 4} {
		_, err := b.Broadcast(context.Background(), r, captionAt(i))
		require.NoError(t, err)
	}
	history := r.History()
	require.Equal(t, []string{"c2", "c3", "c4"}, []string{history[0].ID, history[1].ID, history[2].ID})
}

func TestJoinReplaysHistoryToJoinerOnly(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	b := NewBroadcaster(testLogger())
	a := newMember("a")
	r, replay, err := reg.Join("r1", a)
	require.NoError(t, err)
	require.Empty(t, replay)

	for i := 1; i <= 3; i++ {
		_, err := b.Broadcast(context.Background(), r, captionAt(i))
		require.NoError(t, err)
	}

	late := newMember("b")
	_, replay, err = reg.Join("r1", late)
	require.NoError(t, err)
	require.Len(t, replay, 3)
	require.Equal(t, []string{"c1", "c2", "c3"}, late.captionIDs(t))
	require.Len(t, a.captionIDs(t), 3)
}

func TestBroadcastReachesEveryMemberOnce(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	b := NewBroadcaster(testLogger())
	members := []*fakeMember{newMember("a"), newMember("b"), newMember("c")}
	var r *Room
	for _, m := range members {
		var err error
		r, _, err = reg.Join("r1", m)
		require.NoError(t, err)
	}

	d, err := b.Broadcast(context.Background(), r, captionAt(1))
	require.NoError(t, err)
	require.Equal(t, 3, d.Recipients)
	for _, m := range members {
		require.Equal(t, []string{"c1"}, m.captionIDs(t))
	}
}

func TestSupersessionClosesPreviousMember(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	first := newMember("a")
	r, _, err := reg.Join("r1", first)
	require.NoError(t, err)

	second := newMember("a")
	_, _, err = reg.Join("r1", second)
	require.NoError(t, err)

	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
	require.Equal(t, 1, r.Size())

	require.False(t, r.Depart(first), "stale member must not evict its replacement")
	current, ok := r.Member("a")
	require.True(t, ok)
	require.Same(t, second, current)
}

func TestLastLeaveTearsDownRoom(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	a, b := newMember("a"), newMember("b")
	r, _, err := reg.Join("r1", a)
	require.NoError(t, err)
	_, _, err = reg.Join("r1", b)
	require.NoError(t, err)

	require.True(t, r.Leave("a"))
	require.False(t, r.Leave("a"))
	require.Equal(t, []Participant{{ID: "b", Name: "name-b"}}, r.Participants())
	require.Equal(t, 1, reg.Len())

	require.True(t, r.Depart(b))
	require.Equal(t, 0, reg.Len())
	_, ok := reg.Get("r1")
	require.False(t, ok)

	_, err = r.Join(newMember("c"))
	require.ErrorIs(t, err, ErrClosed)

	fresh, replay, err := reg.Join("r1", newMember("c"))
	require.NoError(t, err)
	require.NotSame(t, r, fresh)
	require.Empty(t, replay)
}

func TestListSummaries(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	_, _, err := reg.Join("r2", newMember("a"))
	require.NoError(t, err)
	_, _, err = reg.Join("r1", newMember("a"))
	require.NoError(t, err)
	_, _, err = reg.Join("r1", newMember("b"))
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, "r1", list[0].ID)
	require.Equal(t, 2, list[0].Participants)
	require.Equal(t, "r2", list[1].ID)
	require.False(t, list[0].CreatedAt.IsZero())
}

type recordingObserver struct {
	mu    sync.Mutex
	rooms []string
}

func (o *recordingObserver) CaptionBroadcast(roomID string, _ caption.Caption, _ Delivery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rooms = append(o.rooms, roomID)
}

func TestBroadcastNotifiesObservers(t *testing.T) {
	obs := &recordingObserver{}
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	b := NewBroadcaster(testLogger(), obs)
	r, _, err := reg.Join("r9", newMember("a"))
	require.NoError(t, err)

	_, err = b.Broadcast(context.Background(), r, captionAt(1))
	require.NoError(t, err)
	require.Equal(t, []string{"r9"}, obs.rooms)
}

func TestConcurrentJoinLeaveBroadcast(t *testing.T) {
	reg := NewRegistry(DefaultHistoryCapacity, testLogger())
	b := NewBroadcaster(testLogger())
	anchor := newMember("anchor")
	r, _, err := reg.Join("r1", anchor)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				m := newMember(fmt.Sprintf("m%d-%d", w, i))
				room, _, err := reg.Join("r1", m)
				if err != nil {
					t.Error(err)
					return
				}
				room.Depart(m)
			}
		}(w)
	}
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = b.Broadcast(context.Background(), r, captionAt(i))
		}(i)
	}
	wg.Wait()

	require.Len(t, anchor.captionIDs(t), 50)
	require.Len(t, r.History(), DefaultHistoryCapacity)
	require.Equal(t, 1, r.Size())
}
