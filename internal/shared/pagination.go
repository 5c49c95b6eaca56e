package shared

import "math"

// Pagination contains metadata for paginated listings. The zero value is not
// meaningful; use NewPagination so the page and size defaults match the
// repository queries.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPagination computes pagination metadata.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// HasNext reports whether more pages follow the current one.
func (p Pagination) HasNext() bool {
	return p.Page < p.TotalPages
}
