package response

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
)

type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// SearchSet is the envelope returned by resource searches. Total is only
// present for offset-mode listings; cursor-mode listings report NextCursor
// instead, to be echoed back as the _cursor parameter.
type SearchSet struct {
	ResourceType string            `json:"resourceType"`
	Type         string            `json:"type"`
	Total        *int              `json:"total,omitempty"`
	Entries      []json.RawMessage `json:"entry"`
	NextCursor   string            `json:"next_cursor,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

func Paginated(w http.ResponseWriter, status int, data interface{}, page, perPage, total int) {
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	JSON(w, status, PaginatedResponse{
		Data: data,
		Pagination: Pagination{
			Page:       page,
			PerPage:    perPage,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

// ParsePageSize clamps the requested page size to [1, max], falling back to
// def when absent or unparsable.
func ParsePageSize(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("_count"))
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func ParsePagination(r *http.Request) (page, perPage int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ = strconv.Atoi(r.URL.Query().Get("per_page"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return
}
