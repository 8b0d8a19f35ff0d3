// Package fhir is the boundary with the resource-model collaborator. The
// core treats payloads as opaque JSON documents: this package decodes them
// only far enough to extract the resource type and id, and stamps
// server-assigned metadata back in on the way out. It never interprets
// deeper resource semantics.
package fhir

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

type envelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// Decode validates that payload is a JSON object carrying a resourceType,
// and returns the declared type and optional id.
func Decode(payload []byte) (resourceType, id string, err error) {
	if len(payload) == 0 {
		return "", "", fmt.Errorf("%w: empty payload", domain.ErrInvalidInput)
	}
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", "", fmt.Errorf("%w: undecodable payload: %v", domain.ErrInvalidInput, err)
	}
	if env.ResourceType == "" {
		return "", "", fmt.Errorf("%w: payload is missing resourceType", domain.ErrInvalidInput)
	}
	return env.ResourceType, env.ID, nil
}

// Stamp injects the server-assigned id and meta (versionId, lastUpdated)
// into the payload, returning the updated serialization. Caller-supplied
// values for these fields are overwritten; they are owned by the store.
func Stamp(payload []byte, resourceID string, versionID int64, lastUpdated time.Time) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: undecodable payload: %v", domain.ErrInvalidInput, err)
	}
	doc["id"] = resourceID

	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["versionId"] = strconv.FormatInt(versionID, 10)
	meta["lastUpdated"] = lastUpdated.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
