package mapping

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type mappingFunc func(args []any) (any, error)

var builtinFunctions map[string]mappingFunc

func init() {
	builtinFunctions = map[string]mappingFunc{
		"length":    fnLength,
		"sort":      fnSort,
		"max":       fnMax,
		"min":       fnMin,
		"map":       fnMap,
		"merge":     fnMerge,
		"uppercase": fnUppercase,
		"split":     fnSplit,
		"concat":    fnConcat,
		"gt":        fnGt,
	}
}

func lookupFunction(name string) (mappingFunc, bool) {
	fn, ok := builtinFunctions[name]
	return fn, ok
}

func arityError(name string, want, got int) error {
	return &RuntimeError{Reason: fmt.Sprintf("%s: expected %d argument(s), got %d", name, want, got)}
}

func fnLength(args []any) (any, error) {
	if len(args) != 1 {
		return nil, arityError("length", 1, len(args))
	}
	switch v := args[0].(type) {
	case string:
		return float64(len([]rune(v))), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	default:
		return nil, &RuntimeError{Reason: "length: argument must be string, array, or object"}
	}
}

func fnSort(args []any) (any, error) {
	if len(args) != 1 {
		return nil, arityError("sort", 1, len(args))
	}
	arr, ok := args[0].([]any)
	if !ok {
		return nil, &RuntimeError{Reason: "sort: argument must be an array"}
	}
	out := append([]any(nil), arr...)
	sort.SliceStable(out, func(i, j int) bool {
		return lessThan(out[i], out[j])
	})
	return out, nil
}

func fnMax(args []any) (any, error) { return extremum(args, "max", false) }
func fnMin(args []any) (any, error) { return extremum(args, "min", true) }

func extremum(args []any, name string, wantMin bool) (any, error) {
	if len(args) != 1 {
		return nil, arityError(name, 1, len(args))
	}
	arr, ok := args[0].([]any)
	if !ok || len(arr) == 0 {
		return nil, nil
	}
	best := arr[0]
	for _, v := range arr[1:] {
		if wantMin && lessThan(v, best) {
			best = v
		}
		if !wantMin && lessThan(best, v) {
			best = v
		}
	}
	return best, nil
}

func lessThan(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	as, asok := a.(string)
	bs, bsok := b.(string)
	if asok && bsok {
		return as < bs
	}
	return false
}

// fnMap applies an expref (produced by `&expr`) to every element of an
// array: map(&expr, array).
func fnMap(args []any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("map", 2, len(args))
	}
	ref, ok := args[0].(exprefValue)
	if !ok {
		return nil, &RuntimeError{Reason: "map: first argument must be an expression reference"}
	}
	arr, ok := args[1].([]any)
	if !ok {
		return nil, &RuntimeError{Reason: "map: second argument must be an array"}
	}
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		v, err := eval(ref.ast, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// fnMerge shallow-merges any number of objects left to right, later
// keys overwriting earlier ones.
func fnMerge(args []any) (any, error) {
	out := make(map[string]any)
	for _, a := range args {
		obj, ok := a.(map[string]any)
		if !ok {
			return nil, &RuntimeError{Reason: "merge: all arguments must be objects"}
		}
		for k, v := range obj {
			out[k] = v
		}
	}
	return out, nil
}

func fnUppercase(args []any) (any, error) {
	if len(args) != 1 {
		return nil, arityError("uppercase", 1, len(args))
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, &RuntimeError{Reason: "uppercase: argument must be a string"}
	}
	return strings.ToUpper(s), nil
}

func fnSplit(args []any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("split", 2, len(args))
	}
	delim, ok1 := args[0].(string)
	input, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, &RuntimeError{Reason: "split: both arguments must be strings"}
	}
	parts := strings.Split(input, delim)
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	return out, nil
}

// fnConcat stringifies every argument (stripping the outer quotes from
// a JSON-encoded string) and joins them with no separator.
func fnConcat(args []any) (any, error) {
	var sb strings.Builder
	for _, a := range args {
		sb.WriteString(stringify(a))
	}
	return sb.String(), nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// fnGt compares two values numerically if both are numbers or
// numeric-parseable strings, else lexicographically if both are
// strings, else returns false.
func fnGt(args []any) (any, error) {
	if len(args) != 2 {
		return nil, arityError("gt", 2, len(args))
	}
	ln, lok := asFloat(args[0])
	rn, rok := asFloat(args[1])
	if lok && rok {
		return ln > rn, nil
	}
	ls, lsok := args[0].(string)
	rs, rsok := args[1].(string)
	if lsok && rsok {
		return ls > rs, nil
	}
	return false, nil
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// compare implements the six comparison operators per spec: numeric
// comparison for ordering operators, deep equality for equal/not-equal
// across any JSON shape. Returns ok=false under an ordering operator
// unless both operands are numbers.
func compare(c Comparator, left, right any) (bool, bool) {
	switch c {
	case Equal:
		return deepEqual(left, right), true
	case NotEqual:
		return !deepEqual(left, right), true
	default:
		lf, lok := left.(float64)
		rf, rok := right.(float64)
		if !lok || !rok {
			return false, false
		}
		switch c {
		case LessThan:
			return lf < rf, true
		case LessThanEqual:
			return lf <= rf, true
		case GreaterThan:
			return lf > rf, true
		case GreaterThanEqual:
			return lf >= rf, true
		default:
			return false, false
		}
	}
}

func deepEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
