package search

import (
	"fmt"
	"time"

	"github.com/vireohealth/fhirvault/internal/domain"
)

// date comparator prefixes, two letters each
var comparators = map[string]bool{
	"eq": true, "ne": true, "lt": true, "gt": true,
	"le": true, "ge": true, "sa": true, "eb": true, "ap": true,
}

const approxWindow = 24 * time.Hour

// parsePeriod expands a full or partial ISO date into the half-open
// interval [start, end) it denotes. "2013" covers the whole year,
// "2013-05" the month, "2013-05-14" the day, and a full timestamp covers
// one second.
func parsePeriod(s string) (start, end time.Time, err error) {
	type layout struct {
		format string
		width  func(time.Time) time.Time
	}
	layouts := []layout{
		{"2006-01-02T15:04:05Z07:00", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02T15:04:05", func(t time.Time) time.Time { return t.Add(time.Second) }},
		{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }},
		{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }},
		{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }},
	}
	for _, l := range layouts {
		t, perr := time.Parse(l.format, s)
		if perr == nil {
			t = t.UTC()
			return t, l.width(t), nil
		}
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w: malformed date %q", domain.ErrInvalidInput, s)
}

// compileDate turns one comparator-prefixed date value into a range
// predicate on the given column or payload path.
func compileDate(column string, fieldPath []string, value string) (domain.Predicate, error) {
	cmp := "eq"
	if len(value) > 2 && comparators[value[:2]] {
		cmp = value[:2]
		value = value[2:]
	}

	start, end, err := parsePeriod(value)
	if err != nil {
		return domain.Predicate{}, err
	}

	p := domain.Predicate{Column: column, Path: fieldPath, Op: domain.OpRange}
	switch cmp {
	case "eq":
		p.Start, p.End = &start, &end
	case "ne":
		p.Start, p.End = &start, &end
		p.Not = true
	case "lt", "eb":
		p.End = &start
	case "gt", "sa":
		p.Start = &end
	case "le":
		p.End = &end
	case "ge":
		p.Start = &start
	case "ap":
		lo := start.Add(-approxWindow)
		hi := end.Add(approxWindow)
		p.Start, p.End = &lo, &hi
	}
	return p, nil
}
