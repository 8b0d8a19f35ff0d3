package fhir

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

func TestDecode(t *testing.T) {
	rt, id, err := Decode([]byte(`{"resourceType":"Patient","id":"pt-1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rt != "Patient" || id != "pt-1" {
		t.Fatalf("got %s/%s", rt, id)
	}

	if _, _, err := Decode(nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty payload, got %v", err)
	}
	if _, _, err := Decode([]byte(`{`)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for malformed payload, got %v", err)
	}
	if _, _, err := Decode([]byte(`{"id":"x"}`)); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing resourceType, got %v", err)
	}
}

func TestStamp_OverwritesServerOwnedFields(t *testing.T) {
	payload := []byte(`{"resourceType":"Patient","id":"caller-id","meta":{"versionId":"9","source":"upstream"},"gender":"female"}`)
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

	out, err := Stamp(payload, "server-id", 3, now)
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}

	var doc struct {
		ID   string `json:"id"`
		Meta struct {
			VersionID   string `json:"versionId"`
			LastUpdated string `json:"lastUpdated"`
			Source      string `json:"source"`
		} `json:"meta"`
		Gender string `json:"gender"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ID != "server-id" {
		t.Fatalf("expected server-assigned id, got %s", doc.ID)
	}
	if doc.Meta.VersionID != "3" {
		t.Fatalf("expected versionId 3, got %s", doc.Meta.VersionID)
	}
	if doc.Meta.LastUpdated != "2024-03-15T12:00:00Z" {
		t.Fatalf("unexpected lastUpdated %s", doc.Meta.LastUpdated)
	}
	// Other meta fields survive.
	if doc.Meta.Source != "upstream" {
		t.Fatalf("expected meta.source preserved, got %q", doc.Meta.Source)
	}
	if doc.Gender != "female" {
		t.Fatal("expected resource content untouched")
	}
}
