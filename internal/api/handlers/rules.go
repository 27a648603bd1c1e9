package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dvloznov/import-pipeline/internal/api/middleware"
	"github.com/dvloznov/import-pipeline/internal/categorize"
	"github.com/dvloznov/import-pipeline/internal/domain"
	"github.com/dvloznov/import-pipeline/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RulesHandler handles categorization rule and category endpoints.
type RulesHandler struct {
	service *categorize.RuleService
	store   store.Store
	log     zerolog.Logger
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(service *categorize.RuleService, st store.Store, log zerolog.Logger) *RulesHandler {
	return &RulesHandler{
		service: service,
		store:   st,
		log:     log,
	}
}

// CreateRule handles POST /api/rules
func (h *RulesHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.OwnerID(ctx)

	var req struct {
		Field      string `json:"field"`
		MatchType  string `json:"match_type"`
		Value      string `json:"value"`
		CategoryID string `json:"category_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	rule, err := h.service.CreateRule(ctx, ownerID, domain.RuleField(req.Field), domain.MatchType(req.MatchType), req.Value, req.CategoryID)
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to create rule")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, rule)
}

// ListRules handles GET /api/rules
func (h *RulesHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rules, err := h.store.ListRules(ctx, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list rules")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// DeleteRule handles DELETE /api/rules/{id}
func (h *RulesHandler) DeleteRule(w http.ResponseWriter, r *http.Request, ruleID string) {
	ctx := r.Context()

	if err := h.service.DeleteRule(ctx, ruleID, middleware.OwnerID(ctx)); err != nil {
		writeDomainError(w, h.log, err, "Failed to delete rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CreateCategory handles POST /api/categories
func (h *RulesHandler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := middleware.OwnerID(ctx)

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Category name is required")
		return
	}

	category := &domain.Category{
		CategoryID: uuid.New().String(),
		OwnerID:    ownerID,
		Name:       req.Name,
		CreatedAt:  time.Now(),
	}
	if err := h.store.CreateCategory(ctx, category); err != nil {
		writeDomainError(w, h.log, err, "Failed to create category")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, category)
}

// ListCategories handles GET /api/categories
func (h *RulesHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	categories, err := h.store.ListCategories(ctx, middleware.OwnerID(ctx))
	if err != nil {
		writeDomainError(w, h.log, err, "Failed to list categories")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": categories,
		"count":      len(categories),
	})
}

// DeleteCategory handles DELETE /api/categories/{id}?force=true
func (h *RulesHandler) DeleteCategory(w http.ResponseWriter, r *http.Request, categoryID string) {
	ctx := r.Context()
	force := r.URL.Query().Get("force") == "true"

	if err := h.service.DeleteCategory(ctx, categoryID, middleware.OwnerID(ctx), force); err != nil {
		writeDomainError(w, h.log, err, "Failed to delete category")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
