package api

import (
	"net/http"
	"time"

	"github.com/vireohealth/fhirvault/internal/api/response"
	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/service"
)

type AuditHandler struct {
	svc *service.AuditService
}

func NewAuditHandler(svc *service.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := response.ParsePagination(r)
	q := r.URL.Query()

	filter := domain.AuditFilter{
		Page:      page,
		PerPage:   perPage,
		SortOrder: q.Get("order"),
	}
	if v := q.Get("resource_type"); v != "" {
		filter.ResourceType = &v
	}
	if v := q.Get("resource_id"); v != "" {
		filter.ResourceID = &v
	}
	if v := q.Get("action"); v != "" {
		filter.Action = &v
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		filter.To = &t
	}

	entries, total, err := h.svc.List(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	response.Paginated(w, http.StatusOK, entries, page, perPage, total)
}
