// internal/realtime/filter.go
package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFilter is returned for row filters that are not "column=op.value".
var ErrInvalidFilter = errors.New("invalid row filter")

// Filter is a parsed PostgREST-style row filter, e.g. "restaurant_id=eq.42".
type Filter struct {
	Column   string
	Operator string
	Value    string
}

var filterOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true, "in": true,
}

// ParseFilter validates and splits a filter string. An empty string is a
// zero Filter that matches every row.
func ParseFilter(filter string) (Filter, error) {
	if filter == "" {
		return Filter{}, nil
	}
	column, opValue, ok := strings.Cut(filter, "=")
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	operator, value, ok := strings.Cut(opValue, ".")
	if !ok {
		return Filter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	if !filterOperators[operator] {
		return Filter{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidFilter, operator)
	}
	return Filter{Column: column, Operator: operator, Value: value}, nil
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// Match evaluates the filter against a change. The new row is preferred,
// falling back to the old row when it is empty (DELETE).
func (f Filter) Match(newRow, oldRow map[string]any) bool {
	if f.IsZero() {
		return true
	}
	row := newRow
	if len(row) == 0 {
		row = oldRow
	}
	if len(row) == 0 {
		return false
	}
	rowValue, exists := row[f.Column]
	if !exists {
		return false
	}
	return evaluateOperator(f.Operator, rowValue, f.Value)
}

// evaluateOperator evaluates a single operator comparison
func evaluateOperator(operator string, rowValue any, filterValue string) bool {
	switch operator {
	case "eq":
		return compareEqual(rowValue, filterValue)
	case "neq":
		return !compareEqual(rowValue, filterValue)
	case "gt":
		return compareNumeric(rowValue, filterValue) > 0
	case "gte":
		return compareNumeric(rowValue, filterValue) >= 0
	case "lt":
		return compareNumeric(rowValue, filterValue) < 0
	case "lte":
		return compareNumeric(rowValue, filterValue) <= 0
	case "in":
		return compareIn(rowValue, filterValue)
	default:
		return false
	}
}

func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		if err != nil {
			return false
		}
		return v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		if err != nil {
			return false
		}
		return v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		if err != nil {
			return false
		}
		return v == iv
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric returns -1, 0 or 1. Values that cannot be compared are
// treated as equal.
func compareNumeric(rowValue any, filterValue string) int {
	var rowNum float64

	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		var err error
		rowNum, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
	default:
		return 0
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0
	}

	if rowNum < filterNum {
		return -1
	} else if rowNum > filterNum {
		return 1
	}
	return 0
}

// compareIn checks membership in "(a,b,c)".
func compareIn(rowValue any, filterValue string) bool {
	filterValue = strings.TrimPrefix(filterValue, "(")
	filterValue = strings.TrimSuffix(filterValue, ")")

	for _, v := range strings.Split(filterValue, ",") {
		if compareEqual(rowValue, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
