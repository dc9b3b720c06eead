package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/cadence/internal/files"
)

// maxUploadBytes bounds one multipart upload. The Bot API caps downloadable
// media at 20MB; the extra headroom covers multipart framing.
const maxUploadBytes = 25 << 20

// FilesHandler is the local media store surface: uploads in, bytes back out
// under the name the store chose.
type FilesHandler struct {
	store *files.Store
}

func NewFilesHandler(store *files.Store) *FilesHandler {
	return &FilesHandler{store: store}
}

// RegisterRoutes registers the upload and download routes on the given mux.
func (h *FilesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /upload", h.handleUpload)
	mux.HandleFunc("GET /files/{name}", h.handleGet)
}

func (h *FilesHandler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "multipart field \"file\" is required"})
		return
	}
	defer file.Close()

	stored, err := h.store.Save(header.Filename, file)
	if err != nil {
		slog.Error("upload failed", "filename", header.Filename, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to store file"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"url":       stored.URL,
		"filename":  stored.Name,
		"mime_type": header.Header.Get("Content-Type"),
	})
}

func (h *FilesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	f, err := h.store.Open(name)
	if err != nil {
		if errors.Is(err, files.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		slog.Error("file open failed", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("file stat failed", "name", name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
