package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"frame-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxPushFrameBytes = 8 << 20
	pushReadDeadline  = 60 * time.Second
	pushWriteDeadline = 10 * time.Second
)

// Handler exposes the control surface, live delivery and push ingress over
// HTTP using go-chi.
type Handler struct {
	svc      *Service
	ingress  *Ingress
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler for svc and ingress. Metrics may be nil to
// disable metric recording (e.g. in tests).
func NewHandler(svc *Service, ingress *Ingress, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		svc:     svc,
		ingress: ingress,
		log:     log,
		metrics: m,
		upgrader: websocket.Upgrader{
			// Viewer and pusher origins are not restricted.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts the handler's routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/stream", h.Watch)
		r.Post("/push", h.Push)
		r.Route("/streams", func(r chi.Router) {
			r.Post("/", h.StartStream)
			r.Get("/", h.ListStreams)
			r.Route("/{stream_id}", func(r chi.Router) {
				r.Get("/", h.GetStream)
				r.Delete("/", h.StopStream)
				r.Get("/status", h.StreamStatus)
			})
		})
	})
	r.Get("/ws/push", h.PushWebSocket)
	r.Get("/health", h.Health)
}

type startRequest struct {
	Source   string `json:"source"`
	StreamID string `json:"stream_id"`
}

type streamIDResponse struct {
	StreamID StreamID `json:"stream_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StartStream handles POST /api/streams.
// Body: { "source": "rtsp://camera/ch1", "stream_id": "optional" }.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Source == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("source is required"))
		return
	}

	id, err := h.svc.Start(r.Context(), StreamID(req.StreamID), req.Source)
	if err != nil {
		h.log.Info("start stream rejected",
			slog.String("stream_id", req.StreamID),
			slog.String("source", req.Source),
			slog.String("error", err.Error()))
		h.writeError(w, statusForError(err), err)
		return
	}

	h.writeJSON(w, http.StatusCreated, streamIDResponse{StreamID: id})
}

// StopStream handles DELETE /api/streams/{stream_id}.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	id := StreamID(chi.URLParam(r, "stream_id"))
	if err := h.svc.Stop(id); err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, streamIDResponse{StreamID: id})
}

// ListStreams handles GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]StreamID{"streams": h.svc.ListActive()})
}

// StreamStatus handles GET /api/streams/{stream_id}/status.
func (h *Handler) StreamStatus(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(StreamID(chi.URLParam(r, "stream_id")))
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// GetStream handles GET /api/streams/{stream_id}: a live
// multipart/x-mixed-replace body that ends when the stream stops or the
// client goes away.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	h.serveFrames(w, r, StreamID(chi.URLParam(r, "stream_id")))
}

// Watch handles GET /api/stream?source=...: the stream id is derived from
// the source, the stream is started if it is not already running, and its
// frames are served.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("source is required"))
		return
	}

	id := SourceStreamID(source)
	if !h.svc.IsActive(id) {
		_, err := h.svc.Start(r.Context(), id, source)
		if errors.Is(err, ErrAlreadyExists) {
			// Another watcher is opening the same source.
			err = h.svc.WaitRunning(r.Context(), id)
		}
		if err != nil {
			h.log.Info("watch start failed", slog.String("source", source), slog.String("error", err.Error()))
			h.writeError(w, statusForError(err), err)
			return
		}
	}
	h.serveFrames(w, r, id)
}

// SourceStreamID derives a stable stream id from a source descriptor.
func SourceStreamID(source string) StreamID {
	return StreamID("src-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(source)).String())
}

func (h *Handler) serveFrames(w http.ResponseWriter, r *http.Request, id StreamID) {
	frames, err := h.svc.AttachViewer(r.Context(), id)
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", MultipartContentType())
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Stream-Id", string(id))
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.Debug("flush unsupported", slog.String("error", err.Error()))
	}

	h.log.Debug("viewer attached", slog.String("stream_id", string(id)))
	fw := NewFrameWriter(w, h.svc.ContentType())
	for f := range frames {
		if err := fw.WriteFrame(f); err != nil {
			h.log.Debug("viewer write failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
	if r.Context().Err() == nil {
		_ = fw.Close()
	}
	h.log.Debug("viewer detached", slog.String("stream_id", string(id)))
}

// Push handles POST /api/push[?stream_id=...]. The body is one raw frame.
// Without stream_id a new push stream is started and its id returned.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, err)
		} else {
			h.writeError(w, http.StatusBadRequest, err)
		}
		return
	}

	id, err := h.ingress.Push(r.Context(), StreamID(r.URL.Query().Get("stream_id")), data)
	if err != nil {
		h.writeError(w, statusForError(err), err)
		return
	}
	h.metrics.IncFramesPushed()
	h.writeJSON(w, http.StatusOK, streamIDResponse{StreamID: id})
}

// PushWebSocket handles GET /ws/push[?stream_id=...]. Every binary message
// is one frame. The server answers with {"stream_id": ...} whenever the id
// is assigned and with {"error": ...} when a push is rejected.
func (h *Handler) PushWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxPushFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pushReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pushReadDeadline))
	})

	id := StreamID(r.URL.Query().Get("stream_id"))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Info("push websocket closed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pushReadDeadline))
		if mt != websocket.BinaryMessage {
			continue
		}

		newID, err := h.ingress.Push(r.Context(), id, data)
		if err != nil {
			if werr := h.writeWS(conn, errorResponse{Error: err.Error()}); werr != nil {
				return
			}
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPushUnsupported) {
				return
			}
			continue
		}
		h.metrics.IncFramesPushed()
		if newID != id {
			id = newID
			if err := h.writeWS(conn, streamIDResponse{StreamID: id}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(pushWriteDeadline))
	return conn.WriteJSON(v)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"active_streams": len(h.svc.ListActive()),
		"timestamp":      time.Now().Unix(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidStreamID), errors.Is(err, ErrEmptyFrame):
		return http.StatusBadRequest
	case errors.Is(err, ErrSourceUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, ErrPushUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
