package api

import (
	"encoding/json"
	"net/http"

	"github.com/vireohealth/fhirvault/internal/api/middleware"
	"github.com/vireohealth/fhirvault/internal/api/response"
	"github.com/vireohealth/fhirvault/internal/domain"
	"github.com/vireohealth/fhirvault/internal/service"
)

type BundleHandler struct {
	svc *service.BundleService
}

func NewBundleHandler(svc *service.BundleService) *BundleHandler {
	return &BundleHandler{svc: svc}
}

type bundleRequest struct {
	Type    string `json:"type"`
	Entries []struct {
		Method       string          `json:"method"`
		ResourceType string          `json:"resource_type,omitempty"`
		ResourceID   string          `json:"resource_id,omitempty"`
		FullURL      string          `json:"full_url,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
	} `json:"entries"`
}

// Submit serves POST /fhir. The whole submission gets one response with one
// result per entry; a failing entry never aborts its siblings, in either
// bundle mode.
func (h *BundleHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readPayload(w, r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	var req bundleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		response.Error(w, http.StatusBadRequest, "undecodable bundle: "+err.Error())
		return
	}

	bundleType := domain.BundleType(req.Type)
	if bundleType != domain.BundleBatch && bundleType != domain.BundleTransaction {
		response.Error(w, http.StatusBadRequest, "bundle type must be batch or transaction")
		return
	}

	bundle := &domain.Bundle{Type: bundleType, Entries: make([]domain.BundleEntry, 0, len(req.Entries))}
	for _, e := range req.Entries {
		// Unknown verbs fail their own entry inside the processor, not the
		// whole submission, so the raw method passes through unvalidated.
		bundle.Entries = append(bundle.Entries, domain.BundleEntry{
			Verb:         domain.Verb(e.Method),
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			FullURL:      e.FullURL,
			Payload:      e.Payload,
		})
	}

	result := h.svc.Process(r.Context(), bundle, middleware.Actor(r.Context()))
	response.JSON(w, http.StatusOK, result)
}
