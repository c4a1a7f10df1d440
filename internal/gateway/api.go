package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loqalabs/signsync/internal/caption"
	"github.com/loqalabs/signsync/internal/health"
	"github.com/loqalabs/signsync/internal/protocol"
	"github.com/loqalabs/signsync/internal/recognition"
	"github.com/loqalabs/signsync/internal/room"
)

type healthResponse struct {
	Status   string               `json:"status"`
	Services health.ServicesReady `json:"services"`
}

type participantsResponse struct {
	RoomID       string             `json:"room_id"`
	Count        int                `json:"participant_count"`
	Participants []room.Participant `json:"participants"`
}

type captionsResponse struct {
	RoomID   string            `json:"room_id"`
	Captions []caption.Caption `json:"captions"`
}

type statsResponse struct {
	RoomID string `json:"room_id"`
	caption.Stats
}

type uploadResponse struct {
	Success  bool            `json:"success"`
	Text     string          `json:"text"`
	Filename string          `json:"filename"`
	Caption  caption.Caption `json:"caption"`
	Language string          `json:"language"`
}

// multipartOverhead bounds the form envelope around an uploaded file.
const multipartOverhead = 1 << 20

type errorResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Services: s.health.Status().ServicesReady})
}

func (s *Server) handleModelStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health.Status())
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"languages": s.cfg.Recognition.Languages})
}

func (s *Server) handleRooms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"rooms": s.rooms.List()})
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	resp := participantsResponse{RoomID: roomID, Participants: []room.Participant{}}
	if rm, ok := s.rooms.Get(roomID); ok {
		resp.Participants = rm.Participants()
	}
	resp.Count = len(resp.Participants)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	filter, err := captionFilter(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, captionsResponse{RoomID: roomID, Captions: caption.Select(s.history(roomID), filter)})
}

func captionFilter(q url.Values) (caption.Filter, error) {
	f := caption.Filter{
		UserID:   q.Get("user_id"),
		Modality: caption.Modality(q.Get("type")),
		Language: q.Get("language"),
	}
	if f.Modality != "" && !f.Modality.Valid() {
		return f, fmt.Errorf("type must be voice or sign")
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return f, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = limit
	}
	return f, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	s.writeJSON(w, http.StatusOK, statsResponse{RoomID: roomID, Stats: caption.Summarize(s.history(roomID))})
}

func (s *Server) history(roomID string) []caption.Caption {
	if rm, ok := s.rooms.Get(roomID); ok {
		return rm.History()
	}
	return []caption.Caption{}
}

// handleRecognize serves one-shot recognition. The caption is returned to
// the caller only and never broadcast.
func (s *Server) handleRecognize(modality caption.Modality) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.payloadLimit()
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "read body failed"})
			return
		}
		if int64(len(body)) > limit {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "payload too large"})
			return
		}
		capture, err := protocol.DecodeCaptureRequest(modality, body)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: err.Error()})
			return
		}
		c, ok := s.recognize(w, r, modality, capture.Payload, capture.Language, capture.UserID)
		if ok {
			s.writeJSON(w, http.StatusOK, protocol.NewCaptionData(c))
		}
	}
}

// handleUpload serves one-shot recognition of a multipart "file" field, with
// optional "language" and "user_id" form values.
func (s *Server) handleUpload(modality caption.Modality) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.payloadLimit()
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		if err := r.ParseMultipartForm(limit); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "payload too large"})
				return
			}
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "multipart form required"})
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("file")
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "file field required"})
			return
		}
		defer file.Close()
		payload, err := io.ReadAll(io.LimitReader(file, limit+1))
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "read file failed"})
			return
		}
		if int64(len(payload)) > limit {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Detail: "payload too large"})
			return
		}

		c, ok := s.recognize(w, r, modality, payload, r.FormValue("language"), r.FormValue("user_id"))
		if ok {
			s.writeJSON(w, http.StatusOK, uploadResponse{
				Success:  true,
				Text:     c.Text,
				Filename: header.Filename,
				Caption:  c,
				Language: c.Language,
			})
		}
	}
}

// recognize routes a one-shot request, writing the error response on failure.
func (s *Server) recognize(w http.ResponseWriter, r *http.Request, modality caption.Modality, payload []byte, language, userID string) (caption.Caption, bool) {
	c, err := s.router.Route(r.Context(), recognition.Request{
		Modality: modality,
		Payload:  payload,
		Language: language,
		Sender:   caption.Sender{ID: userID},
	})
	if err != nil {
		s.writeJSON(w, statusFor(err), errorResponse{Detail: recognition.Detail(err)})
		return caption.Caption{}, false
	}
	return c, true
}

func (s *Server) payloadLimit() int64 {
	if limit := int64(s.cfg.Session.MaxPayloadBytes); limit > 0 {
		return limit
	}
	return 5 << 20
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recognition.ErrUnsupportedInput):
		return http.StatusBadRequest
	case errors.Is(err, recognition.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, recognition.ErrRecognitionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", slog.Int("status", status), slog.String("error", err.Error()))
	}
}
