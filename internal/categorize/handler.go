package categorize

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/httpx"
)

// BatchEnqueuer hands categorization batches to the background worker.
type BatchEnqueuer interface {
	EnqueueCategorizeBatch(ctx context.Context, supplierID uuid.UUID, limit int) error
}

// Handler manages categorization endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer BatchEnqueuer
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, enqueuer BatchEnqueuer) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		enqueuer: enqueuer,
		validate: validator.New(),
	}
}

// MountRoutes registers categorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/batch", h.runBatch)
	})
	r.Get("/categories", h.listCategories)
	r.Get("/proposals", h.listProposals)
	r.Post("/proposals/{proposalID}/approve", h.approveProposal)
	r.Post("/proposals/{proposalID}/reject", h.rejectProposal)
	r.Post("/products/{productID}/categorize", h.categorizeProduct)
	r.Put("/products/{productID}/category", h.setManual)
	r.Get("/products/{productID}/assignment", h.showAssignment)
}

type batchRequest struct {
	SupplierID string `json:"supplier_id" validate:"omitempty,uuid4"`
	Limit      int    `json:"limit" validate:"omitempty,min=1,max=1000"`
}

func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	supplierID := uuid.Nil
	if req.SupplierID != "" {
		supplierID = uuid.MustParse(req.SupplierID)
	}

	if r.URL.Query().Get("async") == "true" && h.enqueuer != nil {
		if err := h.enqueuer.EnqueueCategorizeBatch(r.Context(), supplierID, req.Limit); err != nil {
			h.logger.Error("enqueue categorize batch", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}

	result, err := h.service.CategorizeProducts(r.Context(), BatchInput{
		SupplierID: supplierID,
		Limit:      req.Limit,
		ActorID:    r.Header.Get("X-Actor-ID"),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.ListCategories(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	type categoryResponse struct {
		ID        uuid.UUID `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
	}
	items := make([]categoryResponse, len(categories))
	for i, c := range categories {
		items[i] = categoryResponse{ID: c.ID, Name: c.Name, CreatedAt: c.CreatedAt}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"categories": items})
}

type proposalResponse struct {
	ID              uuid.UUID  `json:"id"`
	DisplayName     string     `json:"display_name"`
	Status          string     `json:"status"`
	SuggestionCount int        `json:"suggestion_count"`
	Confidence      float64    `json:"confidence"`
	LastProvider    string     `json:"last_provider,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	DecidedBy       string     `json:"decided_by,omitempty"`
}

func toProposalResponse(p Proposal) proposalResponse {
	return proposalResponse{
		ID:              p.ID,
		DisplayName:     p.DisplayName,
		Status:          string(p.Status),
		SuggestionCount: p.SuggestionCount,
		Confidence:      p.Confidence,
		LastProvider:    p.LastProvider,
		CreatedAt:       p.CreatedAt,
		DecidedAt:       p.DecidedAt,
		DecidedBy:       p.DecidedBy,
	}
}

func (h *Handler) listProposals(w http.ResponseWriter, r *http.Request) {
	filter := ListProposalsFilter{
		Status: ProposalStatus(r.URL.Query().Get("status")),
	}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))

	proposals, pagination, err := h.service.ListProposals(r.Context(), filter)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	items := make([]proposalResponse, len(proposals))
	for i, p := range proposals {
		items[i] = toProposalResponse(p)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"proposals":  items,
		"pagination": pagination,
	})
}

func (h *Handler) approveProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "proposalID")
	if !ok {
		return
	}
	category, applied, err := h.service.ApproveProposal(r.Context(), id, r.Header.Get("X-Actor-ID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"proposal_id":      id,
		"category_id":      category.ID,
		"category":         category.Name,
		"products_updated": applied,
	})
}

func (h *Handler) rejectProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "proposalID")
	if !ok {
		return
	}
	if err := h.service.RejectProposal(r.Context(), id, r.Header.Get("X-Actor-ID")); err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"proposal_id": id, "status": ProposalRejected})
}

type manualRequest struct {
	CategoryID string `json:"category_id" validate:"required,uuid4"`
}

func (h *Handler) setManual(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	var req manualRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	assignment, err := h.service.SetManualCategory(r.Context(), productID, uuid.MustParse(req.CategoryID), r.Header.Get("X-Actor-ID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) categorizeProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	assignment, err := h.service.CategorizeProduct(r.Context(), productID, r.Header.Get("X-Actor-ID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

func (h *Handler) showAssignment(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	assignment, err := h.service.GetAssignment(r.Context(), productID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAssignmentResponse(assignment))
}

type assignmentResponse struct {
	SupplierProductID uuid.UUID  `json:"supplier_product_id"`
	CategoryID        *uuid.UUID `json:"category_id,omitempty"`
	State             string     `json:"state"`
	Confidence        float64    `json:"confidence"`
	Source            string     `json:"source,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toAssignmentResponse(a Assignment) assignmentResponse {
	return assignmentResponse{
		SupplierProductID: a.SupplierProductID,
		CategoryID:        a.CategoryID,
		State:             string(a.State),
		Confidence:        a.Confidence,
		Source:            string(a.Source),
		UpdatedAt:         a.UpdatedAt,
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", param+" must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrProposalNotFound), errors.Is(err, ErrCategoryNotFound),
		errors.Is(err, ErrAssignmentNotFound), errors.Is(err, ErrProductNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrProposalNotPending):
		httpx.Problem(w, http.StatusConflict, "Already Decided", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	default:
		h.logger.Error("categorize request", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
