package postgres

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

// whereBuilder accumulates WHERE clauses with positional args.
type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(format string, args ...any) {
	placeholders := make([]any, len(args))
	for i := range args {
		b.args = append(b.args, args[i])
		placeholders[i] = fmt.Sprintf("$%d", len(b.args))
	}
	b.conds = append(b.conds, fmt.Sprintf(format, placeholders...))
}

func (b *whereBuilder) where() string {
	return "WHERE " + strings.Join(b.conds, " AND ")
}

// buildWhere translates a compiled filter into SQL. Payload field predicates
// compile to jsonb_path_exists with a parameterized jsonpath; lax-mode path
// evaluation unwraps intermediate arrays, so "name.family" matches any
// element of a name array.
func buildWhere(resourceType string, f *domain.SearchFilter) *whereBuilder {
	b := &whereBuilder{}
	b.add("resource_type = %s", resourceType)
	if f == nil {
		f = domain.MatchAll()
	}
	if !f.IncludeDeleted {
		b.conds = append(b.conds, "NOT deleted")
	}

	for _, p := range f.Predicates {
		if p.Column != "" {
			buildColumnPred(b, p)
		} else if len(p.Path) > 0 {
			buildPayloadPred(b, p)
		} else if p.Op == domain.OpText {
			b.add("payload::text ILIKE %s", "%"+p.Values[0]+"%")
		}
	}
	return b
}

func buildColumnPred(b *whereBuilder, p domain.Predicate) {
	switch p.Op {
	case domain.OpEquals:
		b.add(p.Column+" = %s", p.Values[0])
	case domain.OpNotEquals:
		b.add(p.Column+" <> %s", p.Values[0])
	case domain.OpIn:
		b.add(p.Column+" = ANY(%s)", p.Values)
	case domain.OpPrefix:
		b.add(p.Column+" ILIKE %s", likeEscape(p.Values[0])+"%")
	case domain.OpContains:
		b.add(p.Column+" ILIKE %s", "%"+likeEscape(p.Values[0])+"%")
	case domain.OpRange:
		buildColumnRange(b, p)
	}
}

func buildColumnRange(b *whereBuilder, p domain.Predicate) {
	var conds []string
	var args []any
	if p.Start != nil {
		args = append(args, *p.Start)
		conds = append(conds, fmt.Sprintf("%s >= $%d", p.Column, len(b.args)+len(args)))
	}
	if p.End != nil {
		args = append(args, *p.End)
		conds = append(conds, fmt.Sprintf("%s < $%d", p.Column, len(b.args)+len(args)))
	}
	if len(conds) == 0 {
		return
	}
	cond := strings.Join(conds, " AND ")
	if p.Not {
		cond = "NOT (" + cond + ")"
	}
	b.args = append(b.args, args...)
	b.conds = append(b.conds, cond)
}

func buildPayloadPred(b *whereBuilder, p domain.Predicate) {
	switch p.Op {
	case domain.OpEquals:
		b.add("jsonb_path_exists(payload, %s::jsonpath)",
			fmt.Sprintf("%s ? (@ == %s)", jpPath(p.Path), jpString(p.Values[0])))
	case domain.OpNotEquals:
		b.add("NOT jsonb_path_exists(payload, %s::jsonpath)",
			fmt.Sprintf("%s ? (@ == %s)", jpPath(p.Path), jpString(p.Values[0])))
	case domain.OpIn:
		alts := make([]string, len(p.Values))
		for i, v := range p.Values {
			alts[i] = "@ == " + jpString(v)
		}
		b.add("jsonb_path_exists(payload, %s::jsonpath)",
			fmt.Sprintf("%s ? (%s)", jpPath(p.Path), strings.Join(alts, " || ")))
	case domain.OpPrefix:
		b.add("jsonb_path_exists(payload, %s::jsonpath)",
			fmt.Sprintf(`%s ? (@ like_regex %s flag "i")`, jpPath(p.Path), jpString("^"+regexp.QuoteMeta(p.Values[0]))))
	case domain.OpContains:
		b.add("jsonb_path_exists(payload, %s::jsonpath)",
			fmt.Sprintf(`%s ? (@ like_regex %s flag "i")`, jpPath(p.Path), jpString(regexp.QuoteMeta(p.Values[0]))))
	case domain.OpExists:
		if p.Exists {
			b.add("jsonb_path_exists(payload, %s::jsonpath)", jpPath(p.Path))
		} else {
			b.add("NOT jsonb_path_exists(payload, %s::jsonpath)", jpPath(p.Path))
		}
	case domain.OpRange:
		buildPayloadRange(b, p)
	}
}

// buildPayloadRange compares stored ISO date strings lexicographically,
// which is order-preserving for ISO-8601 values of the same or prefixed
// precision. Bounds at UTC midnight are formatted date-only so they compare
// correctly against date-only stored values.
func buildPayloadRange(b *whereBuilder, p domain.Predicate) {
	var conds []string
	if p.Start != nil {
		conds = append(conds, "@ >= "+jpString(formatBound(*p.Start)))
	}
	if p.End != nil {
		conds = append(conds, "@ < "+jpString(formatBound(*p.End)))
	}
	if len(conds) == 0 {
		return
	}
	path := fmt.Sprintf("%s ? (%s)", jpPath(p.Path), strings.Join(conds, " && "))
	if p.Not {
		b.add("NOT jsonb_path_exists(payload, %s::jsonpath)", path)
	} else {
		b.add("jsonb_path_exists(payload, %s::jsonpath)", path)
	}
}

func formatBound(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

func jpPath(path []string) string {
	return "$." + strings.Join(path, ".")
}

// jpString renders a jsonpath string literal with JSON escaping.
func jpString(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}

// likeEscape neutralizes LIKE metacharacters in user input.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
