package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/eventbus"
)

const maxEventBytes = 1 << 20

// Service is the coordinator surface exposed over HTTP.
type Service interface {
	Status(ctx context.Context, fileID string) (ucs.UploadRecord, error)
	RequestAttempt(ctx context.Context, fileID string) (ucs.AttemptGrant, error)
	Attempt(ctx context.Context, fileID, uploadID string) (ucs.UploadAttempt, error)
	CancelAttempt(ctx context.Context, fileID, uploadID string) error
	PartCredential(ctx context.Context, fileID, uploadID string, partNo int) (ucs.Credential, error)
	DownloadCredential(ctx context.Context, fileID string) (ucs.Credential, error)
}

// RecordLister pages through upload records.
type RecordLister interface {
	List(ctx context.Context, q ucs.ListQuery) (ucs.ListResult, error)
}

// EventDispatcher applies a raw inbound event envelope.
type EventDispatcher interface {
	Dispatch(ctx context.Context, data []byte) eventbus.Outcome
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers" yaml:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" yaml:"max_age"`
}

type HandlerConfig struct {
	ReadVerifier  ucs.RequestVerifier
	WriteVerifier ucs.RequestVerifier
	CORS          CORSConfig

	// Optional collaborators. Routes backed by a nil collaborator are not
	// registered.
	Records    RecordLister
	Events     EventDispatcher
	Metrics    http.Handler
	Middleware []func(http.Handler) http.Handler
	Health     func(ctx context.Context) error

	// Inbox serves presigned object requests below /{InboxBucket}.
	Inbox       http.Handler
	InboxBucket string
}

// Handler provides HTTP handlers for upload lifecycle operations.
type Handler struct {
	config  HandlerConfig
	service Service
}

// NewHandler creates a new Handler with the given configuration and service.
func NewHandler(config *HandlerConfig, service Service) *Handler {
	return &Handler{
		config:  *config,
		service: service,
	}
}

// Router returns an http.Handler with all routes configured.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	for _, mw := range h.config.Middleware {
		r.Use(mw)
	}

	if h.config.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.config.CORS.AllowedOrigins,
			AllowedMethods:   h.config.CORS.AllowedMethods,
			AllowedHeaders:   h.config.CORS.AllowedHeaders,
			ExposedHeaders:   h.config.CORS.ExposedHeaders,
			AllowCredentials: h.config.CORS.AllowCredentials,
			MaxAge:           h.config.CORS.MaxAge,
		}))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, "not_found", "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})

	r.Get("/health", h.handleHealth)
	if h.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.config.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.config.ReadVerifier))
		if h.config.Records != nil {
			r.Get("/files", h.handleList)
		}
		r.Get("/files/{file_id}", h.handleStatus)
		r.Get("/files/{file_id}/uploads/{upload_id}", h.handleAttempt)
		r.Get("/files/{file_id}/download", h.handleDownload)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.config.WriteVerifier))
		r.Post("/files/{file_id}/uploads", h.handleRequestAttempt)
		r.Delete("/files/{file_id}/uploads/{upload_id}", h.handleCancelAttempt)
		r.Post("/files/{file_id}/uploads/{upload_id}/parts/{part_no}", h.handlePartCredential)
		if h.config.Events != nil {
			r.Post("/events", h.handleEvent)
		}
	})

	if h.config.Inbox != nil && h.config.InboxBucket != "" {
		r.Mount("/"+h.config.InboxBucket, h.config.Inbox)
	}

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.config.Health != nil {
		if err := h.config.Health(r.Context()); err != nil {
			HandleError(w, err)
			return
		}
	}
	_ = WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := ucs.ListQuery{Cursor: r.URL.Query().Get("cursor")}

	if s := r.URL.Query().Get("state"); s != "" {
		state, err := ucs.ParseState(s)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_state", "Invalid state")
			return
		}
		query.State = state
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			query.Limit = parsed
		}
	}
	query.Limit = ucs.NormalizeLimit(query.Limit)

	result, err := h.config.Records.List(r.Context(), query)
	if err != nil {
		HandleError(w, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Status(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRequestAttempt(w http.ResponseWriter, r *http.Request) {
	grant, err := h.service.RequestAttempt(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusCreated, grant)
}

func (h *Handler) handleAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.service.Attempt(r.Context(), chi.URLParam(r, "file_id"), chi.URLParam(r, "upload_id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, attempt)
}

func (h *Handler) handleCancelAttempt(w http.ResponseWriter, r *http.Request) {
	err := h.service.CancelAttempt(r.Context(), chi.URLParam(r, "file_id"), chi.URLParam(r, "upload_id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePartCredential(w http.ResponseWriter, r *http.Request) {
	partNo, err := strconv.Atoi(chi.URLParam(r, "part_no"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_part_number", "Part number must be an integer")
		return
	}

	cred, err := h.service.PartCredential(r.Context(), chi.URLParam(r, "file_id"), chi.URLParam(r, "upload_id"), partNo)
	if err != nil {
		HandleError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusCreated, cred)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	cred, err := h.service.DownloadCredential(r.Context(), chi.URLParam(r, "file_id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, cred)
}

// handleEvent accepts one event envelope over HTTP. It is the ingress used
// with the in-process bus.
func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "too_large", "Event too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "invalid_body", "Could not read request body")
		return
	}

	out := h.config.Events.Dispatch(r.Context(), data)
	if out.Action == eventbus.ActionAck {
		_ = WriteJSON(w, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"type":    string(out.Kind),
			"file_id": out.FileID,
		})
		return
	}
	HandleError(w, out.Err)
}
