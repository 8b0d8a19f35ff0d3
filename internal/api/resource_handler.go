package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vireohealth/fhirvault/internal/api/middleware"
	"github.com/vireohealth/fhirvault/internal/api/response"
	"github.com/vireohealth/fhirvault/internal/config"
	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/service"
)

const maxPayloadBytes = 16 << 20

// Query parameters consumed by the transport layer, never forwarded to the
// search compiler.
var reservedParams = map[string]bool{
	"_count":  true,
	"_cursor": true,
	"_page":   true,
	"_sort":   true,
}

type ResourceHandler struct {
	svc       *service.ResourceService
	searchCfg config.Search
}

func NewResourceHandler(svc *service.ResourceService, searchCfg config.Search) *ResourceHandler {
	return &ResourceHandler{svc: svc, searchCfg: searchCfg}
}

func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	payload, err := readPayload(w, r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.svc.Create(r.Context(), resourceType, payload, middleware.Actor(r.Context()))
	if err != nil {
		writeResourceError(w, err)
		return
	}

	setVersionHeaders(w, rec)
	w.Header().Set("Location", fmt.Sprintf("/fhir/%s/%s/_history/%d", rec.ResourceType, rec.ResourceID, rec.VersionID))
	writeRaw(w, http.StatusCreated, rec.Payload)
}

func (h *ResourceHandler) Read(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Read(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeResourceError(w, err)
		return
	}
	setVersionHeaders(w, rec)
	writeRaw(w, http.StatusOK, rec.Payload)
}

func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	resourceID := chi.URLParam(r, "id")
	payload, err := readPayload(w, r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, created, err := h.svc.Update(r.Context(), resourceType, resourceID, payload, middleware.Actor(r.Context()))
	if err != nil {
		writeResourceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		w.Header().Set("Location", fmt.Sprintf("/fhir/%s/%s/_history/%d", rec.ResourceType, rec.ResourceID, rec.VersionID))
	}
	setVersionHeaders(w, rec)
	writeRaw(w, status, rec.Payload)
}

func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Delete(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), middleware.Actor(r.Context()))
	if err != nil {
		writeResourceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search serves GET /fhir/{type}. Cursor mode is the default; passing _page
// selects the offset variant, which also reports the total match count but
// costs O(offset) in the store.
func (h *ResourceHandler) Search(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	q := r.URL.Query()
	actor := middleware.Actor(r.Context())
	pageSize := response.ParsePageSize(r, h.searchCfg.DefaultPage, h.searchCfg.MaxPageSize)

	params := map[string]string{}
	for name, values := range q {
		if reservedParams[name] || len(values) == 0 {
			continue
		}
		params[name] = values[0]
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.searchCfg.Timeout)
	defer cancel()

	if pageStr := q.Get("_page"); pageStr != "" {
		page, _ := strconv.Atoi(pageStr)
		result, err := h.svc.Search(ctx, resourceType, params, page, pageSize, actor)
		if err != nil {
			writeResourceError(w, err)
			return
		}
		response.JSON(w, http.StatusOK, searchSet(result.Records, &result.Total, ""))
		return
	}

	result, err := h.svc.SearchWithCursor(ctx, resourceType, params, q.Get("_cursor"), pageSize, actor)
	if err != nil {
		writeResourceError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, searchSet(result.Records, nil, result.NextCursor))
}

func (h *ResourceHandler) History(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.ListVersions(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeResourceError(w, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{"versions": records})
}

func (h *ResourceHandler) ReadVersion(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.ParseInt(chi.URLParam(r, "vid"), 10, 64)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid version id")
		return
	}

	rec, err := h.svc.ReadVersion(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), versionID)
	if err != nil {
		writeResourceError(w, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf(`W/"%d"`, rec.VersionID))
	writeRaw(w, http.StatusOK, rec.Payload)
}

func searchSet(records []*domain.ResourceRecord, total *int, nextCursor string) response.SearchSet {
	set := response.SearchSet{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        total,
		Entries:      make([]json.RawMessage, 0, len(records)),
		NextCursor:   nextCursor,
	}
	for _, rec := range records {
		set.Entries = append(set.Entries, rec.Payload)
	}
	return set
}

func setVersionHeaders(w http.ResponseWriter, rec *domain.ResourceRecord) {
	w.Header().Set("ETag", fmt.Sprintf(`W/"%d"`, rec.VersionID))
	w.Header().Set("Last-Modified", rec.LastUpdated.UTC().Format(http.TimeFormat))
}

func writeRaw(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(payload)
}

func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, fmt.Errorf("empty request body")
	}
	return payload, nil
}

func writeResourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrGone):
		response.Error(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		response.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, domain.ErrTimeout):
		response.Error(w, http.StatusGatewayTimeout, "operation timed out")
	default:
		response.Error(w, http.StatusInternalServerError, "internal error")
	}
}
