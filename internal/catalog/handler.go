package catalog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/ingest"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/httpx"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// MergeEnqueuer hands merges to the background worker.
type MergeEnqueuer interface {
	EnqueueMerge(ctx context.Context, uploadID uuid.UUID) error
}

// Handler manages catalog endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer MergeEnqueuer
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, enqueuer MergeEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/uploads/{uploadID}/merge", h.merge)
	})
	r.Get("/products", h.listProducts)
	r.Get("/products/{productID}", h.showProduct)
	r.Get("/products/{productID}/prices", h.priceHistory)
	r.Get("/products/{productID}/stock", h.stock)
	r.Get("/dashboard", h.dashboard)
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request) {
	uploadID, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "upload id must be a uuid")
		return
	}

	if r.URL.Query().Get("async") == "true" && h.enqueuer != nil {
		if err := h.enqueuer.EnqueueMerge(r.Context(), uploadID); err != nil {
			h.logger.Error("enqueue merge", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"upload_id": uploadID, "queued": true})
		return
	}

	result, err := h.service.MergeUpload(r.Context(), MergeInput{
		UploadID: uploadID,
		ActorID:  r.Header.Get("X-Actor-ID"),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type productResponse struct {
	ID              uuid.UUID         `json:"id"`
	SupplierID      uuid.UUID         `json:"supplier_id"`
	SupplierSKU     string            `json:"supplier_sku"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Brand           string            `json:"brand,omitempty"`
	UOM             string            `json:"uom,omitempty"`
	PackSize        string            `json:"pack_size,omitempty"`
	Barcode         string            `json:"barcode,omitempty"`
	Attrs           map[string]string `json:"attrs,omitempty"`
	IsNew           bool              `json:"is_new"`
	FirstSeenUpload uuid.UUID         `json:"first_seen_upload_id"`
	LastSeenUpload  uuid.UUID         `json:"last_seen_upload_id"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toProductResponse(p SupplierProduct) productResponse {
	return productResponse{
		ID:              p.ID,
		SupplierID:      p.SupplierID,
		SupplierSKU:     p.SupplierSKU,
		Name:            p.Name,
		Description:     p.Description,
		Brand:           p.Brand,
		UOM:             p.UOM,
		PackSize:        p.PackSize,
		Barcode:         p.Barcode,
		Attrs:           p.Attrs,
		IsNew:           p.IsNew,
		FirstSeenUpload: p.FirstSeenUploadID,
		LastSeenUpload:  p.LastSeenUploadID,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	filter := ListProductsFilter{
		Search:  r.URL.Query().Get("q"),
		OnlyNew: r.URL.Query().Get("new") == "true",
	}
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

	products, pagination, err := h.service.ListProducts(r.Context(), filter)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	items := make([]productResponse, len(products))
	for i, p := range products {
		items[i] = toProductResponse(p)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"products":   items,
		"pagination": pagination,
	})
}

func (h *Handler) showProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}
	product, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toProductResponse(product))
}

func (h *Handler) priceHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}
	versions, err := h.service.PriceHistory(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	type priceResponse struct {
		Price     string     `json:"price"`
		Currency  string     `json:"currency"`
		IsCurrent bool       `json:"is_current"`
		UploadID  uuid.UUID  `json:"upload_id"`
		ValidFrom time.Time  `json:"valid_from"`
		ValidTo   *time.Time `json:"valid_to,omitempty"`
	}
	items := make([]priceResponse, len(versions))
	for i, v := range versions {
		items[i] = priceResponse{
			Price:     v.Price.String(),
			Currency:  v.Currency,
			IsCurrent: v.IsCurrent,
			UploadID:  v.UploadID,
			ValidFrom: v.ValidFrom,
			ValidTo:   v.ValidTo,
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"prices": items})
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	id, ok := h.productID(w, r)
	if !ok {
		return
	}
	snapshots, err := h.service.GetStock(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	type stockResponse struct {
		LocationID string      `json:"location_id"`
		QtyOnHand  int64       `json:"qty_on_hand"`
		UnitCost   *string     `json:"unit_cost,omitempty"`
		Source     StockSource `json:"source"`
		UploadID   uuid.UUID   `json:"upload_id"`
		AsOf       time.Time   `json:"as_of"`
	}
	items := make([]stockResponse, len(snapshots))
	for i, s := range snapshots {
		items[i] = stockResponse{
			LocationID: s.LocationID,
			QtyOnHand:  s.QtyOnHand,
			Source:     s.Source,
			UploadID:   s.UploadID,
			AsOf:       s.AsOf,
		}
		if s.UnitCost != nil {
			cost := s.UnitCost.String()
			items[i].UnitCost = &cost
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"supplier_product_id": id,
		"locations":           items,
	})
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.service.Dashboard(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, metrics)
}

func (h *Handler) productID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "product id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrProductNotFound), errors.Is(err, ingest.ErrUploadNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrAlreadyMerged):
		httpx.Problem(w, http.StatusConflict, "Already Merged", err.Error())
	case errors.Is(err, ErrUploadNotMergeable):
		httpx.Problem(w, http.StatusConflict, "Not Mergeable", err.Error())
	case errors.Is(err, ErrMergeAborted):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Merge Aborted", err.Error())
	case errors.Is(err, shared.ErrLocked):
		httpx.Problem(w, http.StatusConflict, "Merge In Progress", err.Error())
	default:
		h.logger.Error("catalog request", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
