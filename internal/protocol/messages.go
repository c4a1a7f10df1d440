package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/loqalabs/signsync/internal/caption"
)

const (
	TypeAudioData = "audio_data"
	TypeImageData = "image_data"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeCaption   = "caption"
	TypeError     = "error"
)

const (
	SubjectRecognizePrefix   = "recognize"
	SubjectCaptionRoomPrefix = "captions.room"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrInvalid     = errors.New("invalid message")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound is one decoded client frame: Capture or Ping.
type Inbound interface {
	inbound()
}

// Capture is an audio_data or image_data frame with its payload already decoded.
type Capture struct {
	Modality caption.Modality
	Payload  []byte
	Language string
	UserID   string
}

type Ping struct{}

func (Capture) inbound() {}
func (Ping) inbound() {}

type envelope struct {
	Type     string `json:"type" validate:"required"`
	Data     string `json:"data"`
	Language string `json:"language" validate:"omitempty,max=16"`
	UserID   string `json:"user_id" validate:"omitempty,max=128"`
}

type capturePayload struct {
	Data string `validate:"required,base64"`
}

// Decode parses a single inbound frame. Errors wrap ErrMalformed, ErrUnknownType or ErrInvalid.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var modality caption.Modality
	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypeAudioData:
		modality = caption.Voice
	case TypeImageData:
		modality = caption.Sign
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	capture, err := newCapture(modality, env)
	if err != nil {
		return nil, err
	}
	return capture, nil
}

// DecodeCaptureRequest parses a one-shot recognition body {data, language, user_id}.
func DecodeCaptureRequest(modality caption.Modality, raw []byte) (Capture, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Capture{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	env.Type = string(modality)
	if err := validate.Struct(env); err != nil {
		return Capture{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return newCapture(modality, env)
}

func newCapture(modality caption.Modality, env envelope) (Capture, error) {
	data := stripDataURL(env.Data)
	if err := validate.Struct(capturePayload{Data: data}); err != nil {
		return Capture{}, fmt.Errorf("%w: data must be a non-empty base64 payload", ErrInvalid)
	}
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Capture{}, fmt.Errorf("%w: decode data: %v", ErrInvalid, err)
	}
	return Capture{
		Modality: modality,
		Payload:  payload,
		Language: strings.TrimSpace(env.Language),
		UserID:   env.UserID,
	}, nil
}

// stripDataURL drops a "data:<mime>;base64," prefix as produced by browser encoders.
func stripDataURL(s string) string {
	if !strings.HasPrefix(s, "data:") {
		return s
	}
	if _, rest, ok := strings.Cut(s, ";base64,"); ok {
		return rest
	}
	return s
}

// CaptionData is the body of an outbound caption frame.
type CaptionData struct {
	Success  bool            `json:"success"`
	Text     string          `json:"text"`
	Caption  caption.Caption `json:"caption"`
	Language string          `json:"language"`
}

type outbound struct {
	Type   string       `json:"type"`
	Data   *CaptionData `json:"data,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

func NewCaptionData(c caption.Caption) CaptionData {
	return CaptionData{Success: true, Text: c.Text, Caption: c, Language: c.Language}
}

func EncodeCaption(c caption.Caption) ([]byte, error) {
	data := NewCaptionData(c)
	return json.Marshal(outbound{Type: TypeCaption, Data: &data})
}

func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}

func EncodeError(detail string) []byte {
	data, err := json.Marshal(outbound{Type: TypeError, Detail: detail})
	if err != nil {
		return []byte(`{"type":"error","detail":"internal error"}`)
	}
	return data
}

// RecognitionRequest is the bus wire form of a recognition call.
type RecognitionRequest struct {
	Payload  []byte `json:"payload"`
	Language string `json:"language"`
	UserID   string `json:"user_id"`
}

// RecognitionResponse is the bus wire form of a recognition result.
type RecognitionResponse struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func RecognizeSubject(modality caption.Modality, language string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectRecognizePrefix, modality, language)
}

// CaptionRoomSubject is the mirror subject for a room. Room ids that are not a
// single literal subject token (empty, dots, wildcards, whitespace) have none.
func CaptionRoomSubject(roomID string) (string, error) {
	if roomID == "" || strings.ContainsAny(roomID, ".*> \t\r\n") {
		return "", fmt.Errorf("%w: room id %q is not a subject token", ErrInvalid, roomID)
	}
	return SubjectCaptionRoomPrefix + "." + roomID, nil
}
