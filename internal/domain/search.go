package domain

import "time"

// Operator is the predicate kind produced by the search compiler.
type Operator string

const (
	OpEquals    Operator = "equals"    // exact match
	OpNotEquals Operator = "not"      // negated exact match
	OpPrefix    Operator = "prefix"   // case-insensitive starts-with (default)
	OpContains  Operator = "contains" // case-insensitive substring
	OpIn        Operator = "in"       // set membership over Values
	OpExists    Operator = "exists"   // field presence, polarity in Exists
	OpRange     Operator = "range"    // half-open time interval [Start, End)
	OpText      Operator = "text"     // whole-payload text search
)

// Predicate is one compiled filter clause. Exactly one of Column or Path is
// set: Column addresses a native store column (resource_id, last_updated),
// Path addresses a field inside the payload document.
type Predicate struct {
	Column string
	Path   []string

	Op     Operator
	Values []string

	// Exists is the polarity for OpExists: true means "field must be present".
	Exists bool

	// Not negates an OpRange predicate (the `ne` date comparator).
	Not bool

	// Start/End bound OpRange predicates. A nil side is unbounded.
	Start *time.Time
	End   *time.Time
}

// SearchFilter is the compiled, store-agnostic predicate tree for one query.
// Predicates are ANDed. Soft-deleted rows are excluded unless IncludeDeleted
// is set (only internal maintenance paths set it).
type SearchFilter struct {
	IncludeDeleted bool
	Predicates     []Predicate
}

// MatchAll returns the filter that only excludes soft-deleted rows.
func MatchAll() *SearchFilter {
	return &SearchFilter{}
}
