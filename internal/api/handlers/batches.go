// Package handlers implements the HTTP endpoints of the import API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dvloznov/import-pipeline/internal/api/middleware"
	"github.com/dvloznov/import-pipeline/internal/batch"
	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/notionsync"
	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/rs/zerolog"
)

// writeDomainError maps domain error types to HTTP status codes.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, err error, fallback string) {
	switch {
	case domain.IsValidation(err):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg(fallback)
		middleware.WriteError(w, http.StatusInternalServerError, fallback)
	}
}

// BatchesHandler handles batch lifecycle endpoints.
type BatchesHandler struct {
	coordinator *batch.Coordinator
	exporter    *notionsync.Exporter
	log         zerolog.Logger
}

// NewBatchesHandler creates a new batches handler. The exporter may be nil
// when Notion export is not configured.
func NewBatchesHandler(coordinator *batch.Coordinator, exporter *notionsync.Exporter, log zerolog.Logger) *BatchesHandler {
	return &BatchesHandler{
		coordinator: coordinator,
		exporter:    exporter,
		log:         log,
	}
}

// CreateBatch handles POST /api/batches
func (h *BatchesHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.OwnerID(ctx)

	var req struct {
		ImportType string            `json:"import_type"`
		Files      []batch.FileInput `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.coordinator.CreateBatch(ctx, ownerID, domain.ImportType(req.ImportType), req.Files)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to create batch")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, created)
}

// ListBatches handles GET /api/batches
func (h *BatchesHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.OwnerID(ctx)

	query := r.URL.Query()
	filter := store.BatchFilter{
		Status: domain.BatchStatus(query.Get("status")),
		Cursor: query.Get("cursor"),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	page, err := h.coordinator.ListBatches(ctx, ownerID, filter)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list batches")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, page)
}

// GetBatch handles GET /api/batches/{id}
func (h *BatchesHandler) GetBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	b, err := h.coordinator.GetBatch(ctx, batchID, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to get batch")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, b)
}

// GetBatchStatus handles GET /api/batches/{id}/status
func (h *BatchesHandler) GetBatchStatus(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	summary, err := h.coordinator.GetStatusSummary(ctx, batchID, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to get batch status")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, summary)
}

// ListBatchItems handles GET /api/batches/{id}/items
func (h *BatchesHandler) ListBatchItems(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	items, err := h.coordinator.ListItems(ctx, batchID, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list batch items")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// ListBatchActivity handles GET /api/batches/{id}/activity
func (h *BatchesHandler) ListBatchActivity(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			limit = n
		}
	}

	entries, err := h.coordinator.ListActivity(ctx, batchID, middleware.OwnerID(ctx), limit)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list batch activity")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"activity": entries,
		"count":    len(entries),
	})
}

// ListBatchTransactions handles GET /api/batches/{id}/transactions
func (h *BatchesHandler) ListBatchTransactions(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	txs, err := h.coordinator.ListTransactions(ctx, batchID, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list batch transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// CancelBatch handles POST /api/batches/{id}/cancel
func (h *BatchesHandler) CancelBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	if err := h.coordinator.CancelBatch(ctx, batchID, middleware.OwnerID(ctx)); err != nil {
		writeDomainError(w, h.log, err, "Failed to cancel batch")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"batch_id": batchID,
		"status":   string(domain.BatchStatusCancelled),
	})
}

// ExportBatch handles POST /api/batches/{id}/export
func (h *BatchesHandler) ExportBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	ctx := r.Context()

	if h.exporter == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Notion export is not configured")
		return
	}

	result, err := h.exporter.ExportBatch(ctx, batchID, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to export batch")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

// RetryItem handles POST /api/items/{id}/retry
func (h *BatchesHandler) RetryItem(w http.ResponseWriter, r *http.Request, itemID string) {
	ctx := r.Context()

	item, err := h.coordinator.RetryItem(ctx, itemID, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to retry item")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, item)
}

// RetryAll handles POST /api/items/retry-all
func (h *BatchesHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	retried, err := h.coordinator.RetrySweep(ctx, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to retry items")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]int{"retried": retried})
}
