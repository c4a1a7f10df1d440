package session

import "sync"

// outbox is a bounded FIFO of encoded frames. Pushing onto a full outbox
// evicts the oldest frame, never the one being pushed.
type outbox struct {
	mu      sync.Mutex
	frames  [][]byte
	depth   int
	evicted uint64
	notify  chan struct{}
}

func newOutbox(depth int) *outbox {
	if depth <= 0 {
		depth = 1
	}
	return &outbox{
		frames: make([][]byte, 0, depth),
		depth:  depth,
		notify: make(chan struct{}, 1),
	}
}

func (o *outbox) push(frame []byte) (evicted bool) {
	o.mu.Lock()
	if len(o.frames) == o.depth {
		copy(o.frames, o.frames[1:])
		o.frames[len(o.frames)-1] = frame
		o.evicted++
		evicted = true
	} else {
		o.frames = append(o.frames, frame)
	}
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return evicted
}

// pop removes the oldest queued frame.
func (o *outbox) pop() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.frames) == 0 {
		return nil, false
	}
	frame := o.frames[0]
	copy(o.frames, o.frames[1:])
	o.frames[len(o.frames)-1] = nil
	o.frames = o.frames[:len(o.frames)-1]
	return frame, true
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *outbox) evictions() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evicted
}
