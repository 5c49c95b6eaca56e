package selection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/httpx"
)

// Handler manages selection endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers selection routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/rollup", h.rollup)
	r.Get("/{selectionID}", h.show)
	r.Put("/{selectionID}", h.update)
	r.Post("/{selectionID}/items", h.addItems)
	r.Delete("/{selectionID}/items", h.removeItems)
	r.Post("/{selectionID}/activate", h.activate)
	r.Post("/{selectionID}/archive", h.archive)
	r.Get("/{selectionID}/items", h.items)
}

type selectionRequest struct {
	Name       string     `json:"name" validate:"required,min=1,max=120"`
	SupplierID string     `json:"supplier_id" validate:"omitempty,uuid4"`
	ValidFrom  *time.Time `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
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

	sel, err := h.service.Create(r.Context(), CreateInput{
		Name:       req.Name,
		SupplierID: supplierID,
		ValidFrom:  req.ValidFrom,
		ValidTo:    req.ValidTo,
		ActorID:    r.Header.Get("X-Actor-ID"),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toSelectionResponse(sel))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selectionID(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	sel, err := h.service.Update(r.Context(), UpdateInput{
		SelectionID: id,
		Name:        req.Name,
		ValidFrom:   req.ValidFrom,
		ValidTo:     req.ValidTo,
		ActorID:     r.Header.Get("X-Actor-ID"),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSelectionResponse(sel))
}

type itemsRequest struct {
	ProductIDs []string `json:"product_ids" validate:"required,min=1,dive,uuid4"`
	Note       string   `json:"note" validate:"max=500"`
}

func (h *Handler) addItems(w http.ResponseWriter, r *http.Request) {
	h.mutateItems(w, r, h.service.AddItems)
}

func (h *Handler) removeItems(w http.ResponseWriter, r *http.Request) {
	h.mutateItems(w, r, h.service.RemoveItems)
}

func (h *Handler) mutateItems(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, input ItemsInput) error) {
	id, ok := h.selectionID(w, r)
	if !ok {
		return
	}
	var req itemsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	productIDs := make([]uuid.UUID, len(req.ProductIDs))
	for i, raw := range req.ProductIDs {
		productIDs[i] = uuid.MustParse(raw)
	}

	err := op(r.Context(), ItemsInput{
		SelectionID: id,
		ProductIDs:  productIDs,
		Note:        req.Note,
		ActorID:     r.Header.Get("X-Actor-ID"),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"selection_id": id, "count": len(productIDs)})
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selectionID(w, r)
	if !ok {
		return
	}
	sel, err := h.service.Activate(r.Context(), id, r.Header.Get("X-Actor-ID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSelectionResponse(sel))
}

func (h *Handler) archive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selectionID(w, r)
	if !ok {
		return
	}
	sel, err := h.service.Archive(r.Context(), id, r.Header.Get("X-Actor-ID"))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSelectionResponse(sel))
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selectionID(w, r)
	if !ok {
		return
	}
	sel, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSelectionResponse(sel))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("supplier_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "supplier_id must be a uuid")
			return
		}
		filter.SupplierID = id
	}
	filter.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filter.PerPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))

	selections, pagination, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	items := make([]selectionResponse, len(selections))
	for i, sel := range selections {
		items[i] = toSelectionResponse(sel)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"selections": items,
		"pagination": pagination,
	})
}

func (h *Handler) items(w http.ResponseWriter, r *http.Request) {
	id, ok := h.selectionID(w, r)
	if !ok {
		return
	}
	items, err := h.service.Items(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	type itemResponse struct {
		SupplierProductID uuid.UUID `json:"supplier_product_id"`
		Status            string    `json:"status"`
		Note              string    `json:"note,omitempty"`
		UpdatedBy         string    `json:"updated_by,omitempty"`
		UpdatedAt         time.Time `json:"updated_at"`
	}
	out := make([]itemResponse, len(items))
	for i, item := range items {
		out[i] = itemResponse{
			SupplierProductID: item.SupplierProductID,
			Status:            string(item.Status),
			Note:              item.Note,
			UpdatedBy:         item.UpdatedBy,
			UpdatedAt:         item.UpdatedAt,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) rollup(w http.ResponseWriter, r *http.Request) {
	q := RollupQuery{ActiveOnly: r.URL.Query().Get("active_only") == "true"}
	if raw := r.URL.Query().Get("supplier_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "supplier_id must be a uuid")
			return
		}
		q.SupplierID = id
	}
	if raw := r.URL.Query().Get("selection_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "selection_id must be a uuid")
			return
		}
		q.SelectionID = id
	}

	rollup, err := h.service.ComputeRollup(r.Context(), q)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rollup)
}

type selectionResponse struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	SupplierID *uuid.UUID `json:"supplier_id,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ItemCount  int        `json:"item_count"`
}

func toSelectionResponse(s Selection) selectionResponse {
	resp := selectionResponse{
		ID:        s.ID,
		Name:      s.Name,
		Status:    string(s.Status),
		ValidFrom: s.ValidFrom,
		ValidTo:   s.ValidTo,
		CreatedBy: s.CreatedBy,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		ItemCount: s.ItemCount,
	}
	if s.SupplierID != uuid.Nil {
		id := s.SupplierID
		resp.SupplierID = &id
	}
	return resp
}

func (h *Handler) selectionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "selectionID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "selection id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSelectionNotFound), errors.Is(err, ErrNoActiveSelection):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrSelectionArchived):
		httpx.Problem(w, http.StatusConflict, "Archived", err.Error())
	case errors.Is(err, ErrNoItems):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		h.logger.Error("selection request", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
