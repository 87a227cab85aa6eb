package datastore

import (
	"sort"
	"strings"
)

// FieldPath splits an orderBy field such as "schedule/date" or
// "schedule.date" into segments.
func FieldPath(field string) []string {
	field = strings.ReplaceAll(field, ".", "/")
	var out []string
	for _, s := range strings.Split(field, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// typeRank orders values of different JSON types: null, false, true,
// numbers, strings, then everything else.
func typeRank(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 2
		}
		return 1
	case float64:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

// CompareValues orders two JSON scalars.
func CompareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

// ApplyConstraints orders and limits children in process, mirroring what a
// Querier does server-side. Ties are broken by key. Without OrderBy the
// incoming (natural) order is kept.
func ApplyConstraints(children []Child, c Constraints) []Child {
	out := append([]Child(nil), children...)
	if c.OrderBy != "" {
		field := FieldPath(c.OrderBy)
		sort.SliceStable(out, func(i, j int) bool {
			cmp := CompareValues(Lookup(out[i].Value, field), Lookup(out[j].Value, field))
			if cmp != 0 {
				return cmp < 0
			}
			return out[i].Key < out[j].Key
		})
	}
	if c.Limit > 0 && len(out) > c.Limit {
		if c.LimitLast {
			out = out[len(out)-c.Limit:]
		} else {
			out = out[:c.Limit]
		}
	}
	return out
}
