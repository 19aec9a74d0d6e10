package storage

import (
	"fmt"
	"strings"
)

// Placeholder renders the n-th (1-based) SQL parameter for a backend.
type Placeholder func(n int) string

// QuestionMark is the sqlite placeholder style.
func QuestionMark(int) string { return "?" }

// Dollar is the postgres placeholder style.
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

// BuildStatWhere renders a StatQuery into a WHERE clause over the statistics
// table joined with nodes. Column references use the aliases s (statistics)
// and n (nodes).
//
// A value constrains its column with LIKE when it contains a SQL wildcard
// character, with equality otherwise; multiple values for one column are
// OR-ed together.
func BuildStatWhere(q StatQuery, ph Placeholder) (string, []any) {
	var conds []string
	var args []any

	next := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	conds = append(conds, "s.date >= "+next(q.Start))
	if q.End != "" {
		conds = append(conds, "s.date <= "+next(q.End))
	}

	addSet := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		parts := make([]string, 0, len(values))
		for _, v := range values {
			if strings.ContainsAny(v, "%_") {
				parts = append(parts, column+" LIKE "+next(v))
			} else {
				parts = append(parts, column+" = "+next(v))
			}
		}
		if len(parts) == 1 {
			conds = append(conds, parts[0])
		} else {
			conds = append(conds, "("+strings.Join(parts, " OR ")+")")
		}
	}

	addSet("n.name", q.Nodes)
	addSet("s.network", q.Networks)
	addSet("s.station", q.Stations)
	addSet("s.location", q.Locations)
	addSet("s.channel", q.Channels)
	addSet("s.country", q.Countries)

	return strings.Join(conds, " AND "), args
}
