package storage

import (
	"strconv"
	"strings"

	"github.com/filigreedb/filigree/internal/msgs"
)

// filterExpr is a parsed "<property id> <op> <literal>" comparison. Full
// expression evaluation belongs to the query engine; the storage engine
// only understands these flat comparisons pushed down with scans.
type filterExpr struct {
	property msgs.PropertyId
	op       string
	literal  msgs.Value
}

// parseFilterExpression parses expressions of the form "3 >= 42" or
// `1 == "name"`. Unparseable expressions are rejected so a silently
// ignored filter can never widen a result set.
func parseFilterExpression(expr string) (filterExpr, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return filterExpr{}, msgs.NewShardError(msgs.CodeInternal, "malformed filter expression %q", expr)
	}
	prop, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return filterExpr{}, msgs.NewShardError(msgs.CodeInternal, "filter expression %q: bad property id", expr)
	}
	switch fields[1] {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return filterExpr{}, msgs.NewShardError(msgs.CodeInternal, "filter expression %q: bad operator", expr)
	}
	lit := fields[2]
	var value msgs.Value
	switch {
	case strings.HasPrefix(lit, `"`) && strings.HasSuffix(lit, `"`) && len(lit) >= 2:
		value = msgs.StringValue(lit[1 : len(lit)-1])
	case lit == "true" || lit == "false":
		value = msgs.BoolValue(lit == "true")
	default:
		i, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return filterExpr{}, msgs.NewShardError(msgs.CodeInternal, "filter expression %q: bad literal", expr)
		}
		value = msgs.IntValue(i)
	}
	return filterExpr{property: msgs.PropertyId(prop), op: fields[1], literal: value}, nil
}

func parseFilterExpressions(exprs []string) ([]filterExpr, error) {
	out := make([]filterExpr, 0, len(exprs))
	for _, raw := range exprs {
		parsed, err := parseFilterExpression(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// matches evaluates the comparison against a property map. A missing
// property fails every comparison.
func (f filterExpr) matches(props map[msgs.PropertyId]msgs.Value) bool {
	value, ok := props[f.property]
	if !ok {
		return false
	}
	c := msgs.CompareValues(value, f.literal)
	switch f.op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func allMatch(filters []filterExpr, props map[msgs.PropertyId]msgs.Value) bool {
	for _, f := range filters {
		if !f.matches(props) {
			return false
		}
	}
	return true
}
