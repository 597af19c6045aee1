package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"proposal-workflow/backend/pkg/models"
)

// ErrUnknownOperator is returned by Compare for operators outside the
// supported set.
var ErrUnknownOperator = errors.New("unknown operator")

// Compare evaluates `actual <operator> expected`. Numbers of any Go numeric
// kind compare as float64. Ordered operators also accept two strings;
// operands of other kinds make them false.
func Compare(actual any, operator string, expected any) (bool, error) {
	a, e := normalize(actual), normalize(expected)
	switch operator {
	case models.OpEqual:
		return reflect.DeepEqual(a, e), nil
	case models.OpNotEqual:
		return !reflect.DeepEqual(a, e), nil
	case models.OpGreater, models.OpLess, models.OpGreaterEqual, models.OpLessEqual:
		c, ok := order(a, e)
		if !ok {
			return false, nil
		}
		switch operator {
		case models.OpGreater:
			return c > 0, nil
		case models.OpLess:
			return c < 0, nil
		case models.OpGreaterEqual:
			return c >= 0, nil
		default:
			return c <= 0, nil
		}
	case models.OpIn:
		in, ok := member(a, e)
		return ok && in, nil
	case models.OpNotIn:
		in, ok := member(a, e)
		return ok && !in, nil
	case models.OpContains:
		in, ok := member(e, a)
		return ok && in, nil
	default:
		return false, fmt.Errorf("%w %q", ErrUnknownOperator, operator)
	}
}

// member reports whether needle is in haystack: an element of an array, a
// substring of a string, or a key of an object. The second result is false
// when haystack is not a collection.
func member(needle, haystack any) (bool, bool) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if reflect.DeepEqual(needle, item) {
				return true, true
			}
		}
		return false, true
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, true
		}
		return strings.Contains(h, s), true
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false, true
		}
		_, found := h[s]
		return found, true
	default:
		return false, false
	}
}

func order(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	}
	return 0, false
}

// normalize converts numbers to float64 and rebuilds nested collections so
// values decoded by different codecs compare equal.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}
