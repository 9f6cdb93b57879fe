// Package condition evaluates CONDITION step predicates against a contact snapshot.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// Evaluate returns true when every predicate holds. An empty list is vacuously true.
func Evaluate(preds []model.Predicate, subject map[string]any) bool {
	for _, p := range preds {
		if !evaluateOne(p, subject) {
			return false
		}
	}
	return true
}

// ValidOperator reports whether op is one of the supported operators.
func ValidOperator(op model.Operator) bool {
	switch op {
	case model.OpEquals, model.OpNotEquals, model.OpContains, model.OpGreaterThan, model.OpLessThan:
		return true
	}
	return false
}

// Lookup walks a dot-separated path through nested maps.
// The second return value is false when any segment is missing.
func Lookup(subject map[string]any, path string) (any, bool) {
	var cur any = subject
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func evaluateOne(p model.Predicate, subject map[string]any) bool {
	v, ok := Lookup(subject, p.Field)
	if !ok {
		return p.Operator == model.OpNotEquals
	}

	switch p.Operator {
	case model.OpEquals:
		return equal(v, p.Value)
	case model.OpNotEquals:
		return !equal(v, p.Value)
	case model.OpContains:
		return strings.Contains(stringify(v), stringify(p.Value))
	case model.OpGreaterThan:
		return toNumber(v) > toNumber(p.Value)
	case model.OpLessThan:
		return toNumber(v) < toNumber(p.Value)
	default:
		return false
	}
}

// equal is strict: values of different kinds never match, "30" != 30.
func equal(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toNumber coerces anything to a float; non-numeric values become 0.
func toNumber(v any) float64 {
	if f, ok := asFloat(v); ok {
		return f
	}
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func stringify(v any) string {
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case []string:
		return strings.Join(x, ",")
	case []any:
		parts := make([]string, len(x))
		for i := range x {
			parts[i] = stringify(x[i])
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}
