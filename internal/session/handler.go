package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sendrec/watchparty/internal/httputil"
	"github.com/sendrec/watchparty/internal/storage"
)

const (
	mediaPrefix      = "movies/"
	maxStateBodySize = 4096
	// multipart parts above this size are spooled to disk by net/http.
	uploadMemory = 32 << 20
)

var errUploadTooLarge = errors.New("file too large")

type ObjectStorage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	ResolveDownloadURL(ctx context.Context, key string) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// EventStreamer attaches a websocket viewer to a session.
type EventStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, sessionID string) error
}

type Handler struct {
	service        *Service
	storage        ObjectStorage
	events         EventStreamer
	maxUploadBytes int64
}

func NewHandler(service *Service, storage ObjectStorage, maxUploadBytes int64) *Handler {
	return &Handler{
		service:        service,
		storage:        storage,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) SetEventStreamer(e EventStreamer) {
	h.events = e
}

type createResponse struct {
	ID    string `json:"id"`
	State State  `json:"state"`
}

type mediaResponse struct {
	URL string `json:"url"`
}

// Create stores the uploaded movie and opens a session paused at its start.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		if r.ContentLength > h.maxUploadBytes+uploadMemory {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, errUploadTooLarge.Error())
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+uploadMemory)
	}

	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, errUploadTooLarge.Error())
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		httputil.WriteError(w, http.StatusRequestEntityTooLarge, errUploadTooLarge.Error())
		return
	}
	contentType := header.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "video/") {
		httputil.WriteError(w, http.StatusBadRequest, "only video files can be shared")
		return
	}

	id := NewID()
	key := MediaKey(id, contentType)
	if err := h.storage.Put(r.Context(), key, file, header.Size, contentType); err != nil {
		slog.Error("failed to store upload", "session_id", id, "key", key, "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "failed to store upload")
		return
	}

	state, err := h.service.Create(r.Context(), id, key)
	if err != nil {
		slog.Error("failed to create session", "session_id", id, "error", err)
		if delErr := h.storage.DeleteObject(context.WithoutCancel(r.Context()), key); delErr != nil {
			slog.Warn("failed to remove orphaned upload", "key", key, "error", delErr)
		}
		httputil.WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	slog.Info("session created", "session_id", id, "key", key, "size", header.Size)
	httputil.WriteJSON(w, http.StatusCreated, createResponse{ID: id, State: state})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	state, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "failed to load session")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, state)
}

// Put replaces the session document. The body must be a complete state.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStateBodySize))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	state, err := Decode(data)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.Put(r.Context(), id, state); err != nil {
		writeServiceError(w, err, "failed to save session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events streams the session's states over a websocket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if h.events == nil {
		httputil.WriteError(w, http.StatusNotImplemented, "event streaming disabled")
		return
	}
	if err := h.events.Serve(w, r, id); err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("failed to attach viewer", "session_id", id, "error", err)
	}
}

// Media resolves a media key from a session state to a download URL.
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if !validMediaKey(key) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid media key")
		return
	}

	url, err := h.storage.ResolveDownloadURL(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "media not found")
			return
		}
		slog.Error("failed to resolve media", "key", key, "error", err)
		httputil.WriteError(w, http.StatusBadGateway, "failed to resolve media")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, mediaResponse{URL: url})
}

func validMediaKey(key string) bool {
	name, ok := strings.CutPrefix(key, mediaPrefix)
	if !ok || name == "" {
		return false
	}
	return !strings.ContainsAny(name, "/\\") && !strings.Contains(name, "..")
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !ValidID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func writeServiceError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrInvalidState):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error(message, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, message)
	}
}
