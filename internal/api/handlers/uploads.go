package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dvloznov/import-pipeline/internal/api/middleware"
	"github.com/dvloznov/import-pipeline/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UploadsHandler accepts document uploads and stages them in the bucket so
// they can be referenced by a batch creation request.
type UploadsHandler struct {
	bucket string
	log    zerolog.Logger
}

// NewUploadsHandler creates a new uploads handler.
func NewUploadsHandler(bucket string, log zerolog.Logger) *UploadsHandler {
	return &UploadsHandler{
		bucket: bucket,
		log:    log,
	}
}

// Upload handles POST /api/uploads?filename=receipt.jpg
func (h *UploadsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.bucket == "" {
		middleware.WriteError(w, http.StatusServiceUnavailable, "File uploads are not configured")
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		middleware.WriteError(w, http.StatusBadRequest, "filename is required")
		return
	}
	// Strip any path or query noise from the client-provided name
	if idx := strings.Index(filename, "?"); idx > 0 {
		filename = filename[:idx]
	}
	filename = filepath.Base(filename)

	objectName := fmt.Sprintf("uploads/%s/%s/%s",
		middleware.OwnerID(ctx),
		time.Now().Format("2006/01/02"),
		uuid.New().String()+"-"+filename)

	fileURL, err := storage.Upload(ctx, h.bucket, objectName, r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		h.log.Error().Err(err).Str("object", objectName).Msg("Failed to upload file")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to upload file")
		return
	}

	h.log.Info().
		Str("file_url", fileURL).
		Str("filename", filename).
		Msg("File uploaded")

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"file_url":    fileURL,
		"file_name":   filename,
		"file_format": strings.TrimPrefix(filepath.Ext(filename), "."),
	})
}
