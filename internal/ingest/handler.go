package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/nxtleveltech1/MantisNXT-sub030/internal/platform/httpx"
	"github.com/nxtleveltech1/MantisNXT-sub030/internal/shared"
)

// Handler manages upload endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers upload routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Post("/", h.create)
	})
	r.Get("/", h.list)
	r.Get("/{uploadID}", h.show)
	r.Get("/{uploadID}/validation", h.validation)
	r.Post("/{uploadID}/revalidate", h.revalidate)
}

type uploadResponse struct {
	ID            uuid.UUID    `json:"id"`
	SupplierID    uuid.UUID    `json:"supplier_id"`
	FileName      string       `json:"file_name"`
	FileType      FileType     `json:"file_type"`
	FileSizeBytes int64        `json:"file_size_bytes"`
	Status        UploadStatus `json:"status"`
	Currency      string       `json:"currency,omitempty"`
	ValidFrom     *time.Time   `json:"valid_from,omitempty"`
	ValidTo       *time.Time   `json:"valid_to,omitempty"`
	RowCount      int          `json:"row_count"`
	ValidRows     int          `json:"valid_rows"`
	WarningRows   int          `json:"warning_rows"`
	ErrorRows     int          `json:"error_rows"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	UploadedBy    string       `json:"uploaded_by,omitempty"`
	UploadedAt    time.Time    `json:"uploaded_at"`
	ValidatedAt   *time.Time   `json:"validated_at,omitempty"`
	MergedAt      *time.Time   `json:"merged_at,omitempty"`
}

func toUploadResponse(u Upload) uploadResponse {
	return uploadResponse{
		ID:            u.ID,
		SupplierID:    u.SupplierID,
		FileName:      u.FileName,
		FileType:      u.FileType,
		FileSizeBytes: u.FileSizeBytes,
		Status:        u.Status,
		Currency:      u.Currency,
		ValidFrom:     u.ValidFrom,
		ValidTo:       u.ValidTo,
		RowCount:      u.RowCount,
		ValidRows:     u.ValidRows,
		WarningRows:   u.WarningRows,
		ErrorRows:     u.ErrorRows,
		ErrorMessage:  u.ErrorMessage,
		UploadedBy:    u.UploadedBy,
		UploadedAt:    u.UploadedAt,
		ValidatedAt:   u.ValidatedAt,
		MergedAt:      u.MergedAt,
	}
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "multipart form expected")
		return
	}
	supplierID, err := uuid.Parse(r.FormValue("supplier_id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "supplier_id must be a uuid")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "file field required")
		return
	}
	defer func() {
		_ = file.Close()
	}()
	content, err := io.ReadAll(file)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable file")
		return
	}

	input := IngestInput{
		SupplierID: supplierID,
		FileName:   header.Filename,
		Content:    content,
		ActorID:    r.Header.Get("X-Actor-ID"),
		Currency:   r.FormValue("currency"),
		AutoFix:    r.FormValue("auto_fix") == "true",
	}
	if raw := r.FormValue("valid_from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "valid_from must be RFC 3339")
			return
		}
		input.ValidFrom = &t
	}
	if raw := r.FormValue("valid_to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "valid_to must be RFC 3339")
			return
		}
		input.ValidTo = &t
	}

	result, err := h.service.Ingest(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			httpx.Problem(w, http.StatusRequestEntityTooLarge, "File Too Large", err.Error())
		case errors.Is(err, ErrUnsupportedFileType), errors.Is(err, ErrEmptyFile), errors.Is(err, ErrNoSKUColumn):
			httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable File", err.Error())
		default:
			h.logger.Error("ingest upload", slog.Any("error", err))
			httpx.RespondError(w, err)
		}
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"upload":   toUploadResponse(result.Upload),
		"summary":  result.Summary,
		"mappings": result.Mappings,
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter := ListUploadsFilter{
		Status: UploadStatus(r.URL.Query().Get("status")),
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

	uploads, pagination, err := h.service.ListUploads(r.Context(), filter)
	if err != nil {
		h.logger.Error("list uploads", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	items := make([]uploadResponse, len(uploads))
	for i, u := range uploads {
		items[i] = toUploadResponse(u)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"uploads":    items,
		"pagination": pagination,
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uploadID(w, r)
	if !ok {
		return
	}
	upload, err := h.service.GetUpload(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUploadResponse(upload))
}

func (h *Handler) validation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uploadID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetValidation(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) revalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uploadID(w, r)
	if !ok {
		return
	}
	summary, err := h.service.Revalidate(r.Context(), id, r.URL.Query().Get("auto_fix") == "true")
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) uploadID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uploadID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "upload id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUploadNotFound), errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("ingest request", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
