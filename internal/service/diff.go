package service

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/vireohealth/fhirvault/internal/domain"
)

// Identity and versioning metadata change on every write and carry no
// semantic signal, so diffs skip them.
var ignoredDiffFields = map[string]bool{
	"id":           true,
	"resourceType": true,
	"meta":         true,
}

// ComputeChanges reports the top-level field differences between two payload
// documents. The result is symmetric: swapping the arguments swaps old/new
// and flips ADDED/REMOVED, but the changed field set is identical.
func ComputeChanges(oldPayload, newPayload []byte) (map[string]domain.FieldChange, error) {
	oldDoc, err := topLevelFields(oldPayload)
	if err != nil {
		return nil, fmt.Errorf("parse old payload: %w", err)
	}
	newDoc, err := topLevelFields(newPayload)
	if err != nil {
		return nil, fmt.Errorf("parse new payload: %w", err)
	}

	changes := map[string]domain.FieldChange{}
	for key, oldVal := range oldDoc {
		if ignoredDiffFields[key] {
			continue
		}
		newVal, ok := newDoc[key]
		if !ok {
			changes[key] = domain.FieldChange{Old: oldVal, Type: domain.ChangeRemoved}
			continue
		}
		if !jsonEqual(oldVal, newVal) {
			changes[key] = domain.FieldChange{Old: oldVal, New: newVal, Type: domain.ChangeModified}
		}
	}
	for key, newVal := range newDoc {
		if ignoredDiffFields[key] {
			continue
		}
		if _, ok := oldDoc[key]; !ok {
			changes[key] = domain.FieldChange{New: newVal, Type: domain.ChangeAdded}
		}
	}
	return changes, nil
}

func topLevelFields(payload []byte) (map[string]json.RawMessage, error) {
	if len(payload) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// jsonEqual compares two raw values structurally, ignoring formatting.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
