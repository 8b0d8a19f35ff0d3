package search

import "strings"

// ParamType tells the compiler how to interpret a parameter's value.
type ParamType int

const (
	TypeString ParamType = iota
	TypeDate
)

// ParamDef maps one search parameter onto a field path inside the payload.
type ParamDef struct {
	Path []string
	Type ParamType
}

// ParamMap is the immutable (resourceType, paramName) -> field-path table
// the compiler resolves resource parameters against. It is built once at
// construction and injected; there is no global mutable registry. The "*"
// resource type holds parameters shared by every type.
type ParamMap struct {
	defs map[string]map[string]ParamDef
}

// NewParamMap builds a ParamMap from per-type definitions. Paths are given
// dot-separated ("name.family"). The input is copied; later mutation of the
// argument does not affect the map.
func NewParamMap(defs map[string]map[string]ParamDef) *ParamMap {
	m := make(map[string]map[string]ParamDef, len(defs))
	for rt, params := range defs {
		inner := make(map[string]ParamDef, len(params))
		for name, def := range params {
			inner[name] = def
		}
		m[rt] = inner
	}
	return &ParamMap{defs: m}
}

// Lookup resolves (resourceType, name), falling back to the wildcard type.
func (p *ParamMap) Lookup(resourceType, name string) (ParamDef, bool) {
	if params, ok := p.defs[resourceType]; ok {
		if def, ok := params[name]; ok {
			return def, true
		}
	}
	if params, ok := p.defs["*"]; ok {
		if def, ok := params[name]; ok {
			return def, true
		}
	}
	return ParamDef{}, false
}

func path(dotted string) []string {
	return strings.Split(dotted, ".")
}

// DefaultParamMap covers the common resource types served out of the box.
// Deployments extend it through config without recompiling.
func DefaultParamMap() *ParamMap {
	return NewParamMap(map[string]map[string]ParamDef{
		"Patient": {
			"gender":     {Path: path("gender")},
			"family":     {Path: path("name.family")},
			"given":      {Path: path("name.given")},
			"name":       {Path: path("name.text")},
			"birthdate":  {Path: path("birthDate"), Type: TypeDate},
			"identifier": {Path: path("identifier.value")},
			"active":     {Path: path("active")},
		},
		"Observation": {
			"status":   {Path: path("status")},
			"code":     {Path: path("code.coding.code")},
			"subject":  {Path: path("subject.reference")},
			"patient":  {Path: path("subject.reference")},
			"date":     {Path: path("effectiveDateTime"), Type: TypeDate},
			"category": {Path: path("category.coding.code")},
		},
		"Encounter": {
			"status":  {Path: path("status")},
			"class":   {Path: path("class.code")},
			"subject": {Path: path("subject.reference")},
			"date":    {Path: path("period.start"), Type: TypeDate},
		},
		"Condition": {
			"code":          {Path: path("code.coding.code")},
			"subject":       {Path: path("subject.reference")},
			"clinicalstatus": {Path: path("clinicalStatus.coding.code")},
			"onset-date":    {Path: path("onsetDateTime"), Type: TypeDate},
		},
		"*": {
			"identifier": {Path: path("identifier.value")},
			"status":     {Path: path("status")},
		},
	})
}
