// Package search compiles external search-parameter maps into the
// store-agnostic filter trees executed by the repositories.
package search

import (
	"log/slog"
	"strings"

	"github.com/vireohealth/fhirvault/internal/domain"
)

type Compiler struct {
	params *ParamMap
	log    *slog.Logger
}

func NewCompiler(params *ParamMap, log *slog.Logger) *Compiler {
	return &Compiler{params: params, log: log}
}

// Compile translates a parameter map into a SearchFilter. Unknown parameter
// names are ignored rather than rejected, so a query never fails because a
// type's parameter table is incomplete; the dropped parameter is logged.
// Malformed date values likewise drop only their own predicate.
func (c *Compiler) Compile(resourceType string, query map[string]string) *domain.SearchFilter {
	filter := &domain.SearchFilter{}

	for rawName, value := range query {
		if strings.HasPrefix(rawName, "_") {
			c.compileSystem(filter, resourceType, rawName, value)
			continue
		}

		name, modifier := splitModifier(rawName)
		def, ok := c.params.Lookup(resourceType, name)
		if !ok {
			c.log.Debug("ignoring unknown search parameter",
				"resource_type", resourceType, "param", name)
			continue
		}

		if def.Type == TypeDate {
			pred, err := compileDate("", def.Path, value)
			if err != nil {
				c.log.Debug("dropping malformed date predicate",
					"resource_type", resourceType, "param", name, "value", value, "err", err)
				continue
			}
			filter.Predicates = append(filter.Predicates, pred)
			continue
		}

		filter.Predicates = append(filter.Predicates, compileString(def.Path, modifier, value))
	}

	return filter
}

func (c *Compiler) compileSystem(filter *domain.SearchFilter, resourceType, name, value string) {
	switch name {
	case "_id":
		p := domain.Predicate{Column: "resource_id", Op: domain.OpEquals, Values: []string{value}}
		if strings.Contains(value, ",") {
			p.Op = domain.OpIn
			p.Values = splitValues(value)
		}
		filter.Predicates = append(filter.Predicates, p)
	case "_lastUpdated":
		pred, err := compileDate("last_updated", nil, value)
		if err != nil {
			c.log.Debug("dropping malformed _lastUpdated predicate",
				"resource_type", resourceType, "value", value, "err", err)
			return
		}
		filter.Predicates = append(filter.Predicates, pred)
	case "_tag":
		filter.Predicates = append(filter.Predicates, domain.Predicate{
			Path: []string{"meta", "tag"}, Op: domain.OpContains, Values: []string{value},
		})
	case "_profile":
		filter.Predicates = append(filter.Predicates, domain.Predicate{
			Path: []string{"meta", "profile"}, Op: domain.OpContains, Values: []string{value},
		})
	case "_security":
		filter.Predicates = append(filter.Predicates, domain.Predicate{
			Path: []string{"meta", "security"}, Op: domain.OpContains, Values: []string{value},
		})
	case "_text", "_content":
		filter.Predicates = append(filter.Predicates, domain.Predicate{
			Op: domain.OpText, Values: []string{value},
		})
	default:
		c.log.Debug("ignoring unknown system parameter",
			"resource_type", resourceType, "param", name)
	}
}

func compileString(fieldPath []string, modifier, value string) domain.Predicate {
	p := domain.Predicate{Path: fieldPath, Values: []string{value}}

	switch modifier {
	case "exact":
		p.Op = domain.OpEquals
	case "contains":
		p.Op = domain.OpContains
	case "missing":
		p.Op = domain.OpExists
		p.Exists = !strings.EqualFold(value, "true")
		p.Values = nil
	case "not":
		p.Op = domain.OpNotEquals
	default:
		if strings.Contains(value, ",") {
			p.Op = domain.OpIn
			p.Values = splitValues(value)
		} else {
			// Default search semantics: case-insensitive starts-with.
			p.Op = domain.OpPrefix
		}
	}
	return p
}

func splitModifier(name string) (string, string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

func splitValues(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
