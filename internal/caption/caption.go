package caption

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Modality is the recognition mode that produced a caption.
type Modality string

const (
	Voice Modality = "voice"
	Sign  Modality = "sign"
)

func (m Modality) Valid() bool {
	return m == Voice || m == Sign
}

const (
	DefaultUserName  = "Unknown User"
	DefaultUserPhoto = "https://images.unsplash.com/photo-1472099645785-5658abf4ff4e?w=40&h=40&fit=crop&crop=face"
)

// Caption is an attributed recognition result. Values are copied, never shared,
// so a caption stays valid after its sender disconnects.
type Caption struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Modality   Modality  `json:"type"`
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	UserPhoto  string    `json:"user_photo"`
	Language   string    `json:"language"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// Sender is the by-value identity of the participant a caption is attributed to.
type Sender struct {
	ID    string
	Name  string
	Photo string
}

// Result is what a recognition capability produced.
type Result struct {
	Text       string
	Confidence float64
}

// Request carries the metadata of the capture that was recognized.
type Request struct {
	Modality Modality
	Language string
}

// Assembler builds captions. Timestamps it hands out are strictly increasing.
type Assembler struct {
	clock func() time.Time
	newID func() string

	mu   sync.Mutex
	last time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{
		clock: time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

func (a *Assembler) Assemble(result Result, req Request, sender Sender) Caption {
	name := sender.Name
	if name == "" {
		name = DefaultUserName
	}
	photo := sender.Photo
	if photo == "" {
		photo = DefaultUserPhoto
	}
	return Caption{
		ID:         a.newID(),
		Text:       result.Text,
		Modality:   req.Modality,
		UserID:     sender.ID,
		UserName:   name,
		UserPhoto:  photo,
		Language:   req.Language,
		Timestamp:  a.now(),
		Confidence: clamp(result.Confidence),
	}
}

func (a *Assembler) now() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	ts := a.clock().UTC()
	if !ts.After(a.last) {
		ts = a.last.Add(time.Nanosecond)
	}
	a.last = ts
	return ts
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
