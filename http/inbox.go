package http

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sagarc03/ucs"
)

// ObjectStore is the local inbox backend served by InboxHandler.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadSeekCloser, ucs.ObjectInfo, error)
	Write(ctx context.Context, key string, content io.Reader) (ucs.WriteResult, error)
	Delete(ctx context.Context, key string) error
}

// InboxHandler serves the presigned URLs issued for a local inbox. Every
// request must carry a valid signature for its method and path.
type InboxHandler struct {
	bucket   string
	store    ObjectStore
	verifier ucs.RequestVerifier
}

func NewInboxHandler(bucket string, store ObjectStore, verifier ucs.RequestVerifier) *InboxHandler {
	return &InboxHandler{bucket: bucket, store: store, verifier: verifier}
}

// Router returns the inbox routes. Mount it at "/{bucket}".
func (h *InboxHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(h.verifier))
	r.Get("/{file_id}/{upload_id}", h.handleGet)
	r.Put("/{file_id}/{upload_id}", h.handlePut)
	r.Delete("/{file_id}/{upload_id}", h.handleDelete)
	return r
}

func (h *InboxHandler) key(r *http.Request) (string, bool) {
	fileID := chi.URLParam(r, "file_id")
	uploadID := chi.URLParam(r, "upload_id")
	if !ucs.IsValidFileID(fileID) || !ucs.IsValidFileID(uploadID) {
		return "", false
	}
	return h.bucket + "/" + ucs.ObjectKey(fileID, uploadID), true
}

func (h *InboxHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_path", "Invalid path")
		return
	}

	content, info, err := h.store.Get(r.Context(), key)
	if err != nil {
		HandleError(w, err)
		return
	}
	defer func() { _ = content.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, key, info.ModifiedAt, content)
}

func (h *InboxHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_path", "Invalid path")
		return
	}

	result, err := h.store.Write(r.Context(), key, r.Body)
	if err != nil {
		HandleError(w, err)
		return
	}

	w.Header().Set("ETag", `"`+result.ETag+`"`)
	_ = WriteJSON(w, http.StatusOK, result)
}

func (h *InboxHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.key(r)
	if !ok {
		WriteError(w, http.StatusBadRequest, "invalid_path", "Invalid path")
		return
	}

	if err := h.store.Delete(r.Context(), key); err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
