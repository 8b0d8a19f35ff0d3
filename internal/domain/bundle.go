package domain

import (
	"encoding/json"
	"fmt"
)

// BundleType is the submission mode. Both modes are processed with the same
// best-effort per-entry semantics; the label only changes the expectation
// signalled back to the caller. This mirrors the documented limitation that
// "transaction" bundles are not all-or-nothing.
type BundleType string

const (
	BundleBatch       BundleType = "batch"
	BundleTransaction BundleType = "transaction"
)

// Verb is the operation of one bundle entry. It is a closed set; handlers
// switch exhaustively over it instead of dispatching on raw strings.
type Verb string

const (
	VerbCreate Verb = "POST"
	VerbUpdate Verb = "PUT"
	VerbDelete Verb = "DELETE"
	VerbRead   Verb = "GET"
)

// ParseVerb maps a wire-level method onto a Verb.
func ParseVerb(s string) (Verb, error) {
	switch Verb(s) {
	case VerbCreate, VerbUpdate, VerbDelete, VerbRead:
		return Verb(s), nil
	default:
		return "", fmt.Errorf("%w: unknown bundle verb %q", ErrInvalidInput, s)
	}
}

// BundleEntry is one operation inside a submission. FullURL is an optional
// caller-supplied correlation token (urn:uuid:...) that later entries in the
// same submission may use to reference a resource created by this one.
type BundleEntry struct {
	Verb         Verb            `json:"verb"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	FullURL      string          `json:"full_url,omitempty"`
}

type Bundle struct {
	Type    BundleType    `json:"type"`
	Entries []BundleEntry `json:"entries"`
}

// BundleResult describes the outcome of one entry. A failing entry carries
// Error and never aborts its siblings.
type BundleResult struct {
	Status   string          `json:"status"` // e.g. "201 Created", "200 OK", "204 No Content", "400 Bad Request"
	Location string          `json:"location,omitempty"`
	ETag     string          `json:"etag,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type BundleResponse struct {
	Type    BundleType     `json:"type"`
	Results []BundleResult `json:"results"`
}
