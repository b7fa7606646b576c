package mapping

import (
	"encoding/json"
	"testing"
)

func evalExpr(t *testing.T, expr string, data any) any {
	t.Helper()
	ast, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	v, err := Evaluate(ast, data)
	if err != nil {
		t.Fatalf("evaluate %q: %v", expr, err)
	}
	return v
}

func runCases(t *testing.T, data any, cases [][2]any) {
	t.Helper()
	for _, c := range cases {
		expr := c[0].(string)
		want := c[1]
		got := evalExpr(t, expr, data)
		if !deepEqual(got, want) {
			t.Errorf("expr %q: got %#v, want %#v", expr, got, want)
		}
	}
}

// Ported from the original_source compliance suite's test_group_1_or_expressions.
func TestGroup1OrExpressions(t *testing.T) {
	data := map[string]any{
		"outer": map[string]any{"foo": "foo", "bar": "bar", "baz": "baz"},
	}
	runCases(t, data, [][2]any{
		{"outer.foo || outer.bar", "foo"},
		{"outer.foo||outer.bar", "foo"},
		{"outer.bar || outer.baz", "bar"},
		{"outer.bad || outer.foo", "foo"},
		{"outer.foo || outer.bad", "foo"},
		{"outer.bad || outer.alsobad", nil},
	})
}

// Ported from test_group_2_or_with_empty_values.
func TestGroup2OrWithEmptyValues(t *testing.T) {
	data := map[string]any{
		"outer": map[string]any{
			"foo": "foo", "bool": false, "empty_list": []any{}, "empty_string": "",
		},
	}
	runCases(t, data, [][2]any{
		{"outer.empty_string || outer.foo", "foo"},
		{"outer.nokey || outer.bool || outer.empty_list || outer.empty_string || outer.foo", "foo"},
	})
}

// Ported from test_group_3_logic_expressions.
func TestGroup3LogicExpressions(t *testing.T) {
	data := map[string]any{
		"True": true, "False": false, "Number": 5.0, "EmptyList": []any{}, "Zero": 0.0,
	}
	runCases(t, data, [][2]any{
		{"True && False", false},
		{"False && True", false},
		{"True && True", true},
		{"False && False", false},
		{"True && Number", 5.0},
		{"Number && True", true},
		{"Number && False", false},
		{"Number && EmptyList", []any{}},
		{"EmptyList && True", []any{}},
		{"EmptyList && False", []any{}},
		{"True || False", true},
		{"True || True", true},
		{"False || True", true},
		{"False || False", false},
		{"Number || EmptyList", 5.0},
		{"Number || True", 5.0},
		{"Number || True && False", 5.0},
		{"(Number || True) && False", false},
		{"Number || (True && False)", 5.0},
		{"!True", false},
		{"!False", true},
		{"!Number", false},
		{"!EmptyList", true},
		{"True && !False", true},
		{"True && !EmptyList", true},
		{"!False && !EmptyList", true},
		{"!(True && False)", true},
		{"!Zero", true}, // per spec.md §4.7: 0 is falsy, so !Zero is true (see DESIGN.md open question #4)
		{"!!Zero", false},
	})
}

// Ported from test_group_4_comparison_expressions.
func TestGroup4ComparisonExpressions(t *testing.T) {
	data := map[string]any{"one": 1.0, "two": 2.0, "three": 3.0}
	runCases(t, data, [][2]any{
		{"one < two", true},
		{"one <= two", true},
		{"one == one", true},
		{"one == two", false},
		{"one > two", false},
		{"one >= two", false},
		{"one != two", true},
		{"one < two && three > one", true},
		{"one < two || three > one", true},
		{"one < two || three < one", true},
		{"two < one || three < one", false},
	})
}

// Ported from test_gt_function_with_string_number.
func TestGtFunctionStringNumberCoercion(t *testing.T) {
	got := evalExpr(t, "gt(@.i, '5')", map[string]any{"i": 10.0})
	if got != true {
		t.Errorf("gt(@.i, '5') = %#v, want true", got)
	}
}

// spec.md §8 scenario 5: Mapping - Single.
func TestMappingSingleScenario(t *testing.T) {
	expr := "{a: 12, b: @.c}"
	got := evalExpr(t, expr, map[string]any{"c": 2.0})
	want := map[string]any{"a": 12.0, "b": 2.0}
	if !deepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

// spec.md §8 scenario 6: Mapping - missing field.
func TestMappingMissingFieldScenario(t *testing.T) {
	expr := "{a: 12, b: concat('Value is: ', @.d)}"
	got := evalExpr(t, expr, map[string]any{"c": 2.0})
	want := map[string]any{"a": 12.0, "b": "Value is: null"}
	if !deepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

// spec.md §8 scenario 7: workflow chain via a Single input_mapping.
func TestMappingWorkflowChainScenario(t *testing.T) {
	im := InputMapping{Single: strPtr("uppercase(@.response)")}
	got, err := Apply(im, map[string]any{"response": "hello"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != "HELLO" {
		t.Errorf("got %#v, want HELLO", got)
	}
}

// spec.md §8 scenario 8: gt coercion through InputMapping.
func TestMappingGtCoercionScenario(t *testing.T) {
	im := InputMapping{Single: strPtr("gt(@.i, '5')")}
	got, err := Apply(im, map[string]any{"i": 10.0})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got != true {
		t.Errorf("got %#v, want true", got)
	}
}

func TestMappingMultiFields(t *testing.T) {
	im := InputMapping{Multi: &MultiMapping{Fields: []MultiField{
		{Key: "first", Expression: "@.c"},
		{Key: "second", Expression: "concat(prefix, @.d)"},
		{Key: "third", Expression: "@.e"},
	}}}
	data := map[string]any{"c": 2.0, "d": "world", "prefix": "Hello, ", "e": 42.0}
	got, err := Apply(im, data)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := map[string]any{"first": 2.0, "second": "Hello, world", "third": 42.0}
	if !deepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestInputMappingSingleRoundTripsThroughJSON(t *testing.T) {
	im := InputMapping{Single: strPtr("uppercase(@.response)")}
	data, err := json.Marshal(im)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got InputMapping
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Multi != nil {
		t.Fatalf("got.Multi = %+v, want nil", got.Multi)
	}
	if got.Single == nil || *got.Single != *im.Single {
		t.Fatalf("got.Single = %v, want %q", got.Single, *im.Single)
	}
}

func TestInputMappingMultiRoundTripsThroughJSON(t *testing.T) {
	im := InputMapping{Multi: &MultiMapping{
		Fields: []MultiField{
			{Key: "first", Expression: "@.c"},
			{Key: "second", Expression: "@.d"},
		},
		DefaultValue: "none",
	}}
	data, err := json.Marshal(im)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got InputMapping
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Single != nil {
		t.Fatalf("got.Single = %v, want nil", got.Single)
	}
	if got.Multi == nil || len(got.Multi.Fields) != 2 || got.Multi.Fields[0].Key != "first" {
		t.Fatalf("got.Multi = %+v", got.Multi)
	}
	if got.Multi.DefaultValue != "none" {
		t.Fatalf("got.Multi.DefaultValue = %v, want none", got.Multi.DefaultValue)
	}
}

func TestIdentityAndFieldAccess(t *testing.T) {
	data := map[string]any{"foo": map[string]any{"bar": true}}
	got := evalExpr(t, "foo.bar", data)
	if got != true {
		t.Errorf("got %#v, want true", got)
	}
	if evalExpr(t, "@", data).(map[string]any)["foo"] == nil {
		t.Errorf("identity should return data unchanged")
	}
}

func TestFieldAccessOnNonObjectIsNull(t *testing.T) {
	if got := evalExpr(t, "foo", "not an object"); got != nil {
		t.Errorf("got %#v, want nil", got)
	}
}

func TestIndexNegativeAndOutOfRange(t *testing.T) {
	data := []any{"a", "b", "c"}
	if got := evalExpr(t, "[-1]", data); got != "c" {
		t.Errorf("[-1] = %#v, want c", got)
	}
	if got := evalExpr(t, "[10]", data); got != nil {
		t.Errorf("[10] = %#v, want nil", got)
	}
}

func TestProjectionAndFlatten(t *testing.T) {
	data := map[string]any{"items": []any{
		map[string]any{"n": 1.0},
		map[string]any{"n": 2.0},
		map[string]any{},
	}}
	got := evalExpr(t, "items[*].n", data)
	want := []any{1.0, 2.0} // null results filtered from projection output
	if !deepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	flat := evalExpr(t, "nested[]", map[string]any{"nested": []any{
		[]any{1.0, 2.0}, []any{3.0},
	}})
	wantFlat := []any{1.0, 2.0, 3.0}
	if !deepEqual(flat, wantFlat) {
		t.Errorf("got %#v, want %#v", flat, wantFlat)
	}
}

func TestFilterProjectionDefaultsToIdentity(t *testing.T) {
	data := []any{1.0, 5.0, 10.0}
	got := evalExpr(t, "[?@ > `3`]", data)
	want := []any{5.0, 10.0}
	if !deepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestSliceExpression(t *testing.T) {
	data := []any{0.0, 1.0, 2.0, 3.0, 4.0}
	if got := evalExpr(t, "[1:3]", data); !deepEqual(got, []any{1.0, 2.0}) {
		t.Errorf("[1:3] = %#v", got)
	}
	if got := evalExpr(t, "[::-1]", data); !deepEqual(got, []any{4.0, 3.0, 2.0, 1.0, 0.0}) {
		t.Errorf("[::-1] = %#v", got)
	}
}

func TestSliceZeroStepIsRuntimeError(t *testing.T) {
	ast, err := Parse("[::0]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := Evaluate(ast, []any{1.0, 2.0}); err == nil {
		t.Fatalf("expected InvalidSlice error, got nil")
	}
}

func TestBuiltinFunctions(t *testing.T) {
	if got := evalExpr(t, "length(@)", "hello"); got != 5.0 {
		t.Errorf("length = %#v", got)
	}
	if got := evalExpr(t, "sort(@)", []any{3.0, 1.0, 2.0}); !deepEqual(got, []any{1.0, 2.0, 3.0}) {
		t.Errorf("sort = %#v", got)
	}
	if got := evalExpr(t, "max(@)", []any{3.0, 1.0, 2.0}); got != 3.0 {
		t.Errorf("max = %#v", got)
	}
	if got := evalExpr(t, "min(@)", []any{3.0, 1.0, 2.0}); got != 1.0 {
		t.Errorf("min = %#v", got)
	}
	if got := evalExpr(t, "map(&n, items)", map[string]any{"items": []any{
		map[string]any{"n": 1.0}, map[string]any{"n": 2.0},
	}}); !deepEqual(got, []any{1.0, 2.0}) {
		t.Errorf("map = %#v", got)
	}
	if got := evalExpr(t, "merge(a, b)", map[string]any{
		"a": map[string]any{"x": 1.0}, "b": map[string]any{"y": 2.0},
	}); !deepEqual(got, map[string]any{"x": 1.0, "y": 2.0}) {
		t.Errorf("merge = %#v", got)
	}
}

func TestUnknownFunctionIsRuntimeError(t *testing.T) {
	ast, err := Parse("nope(@)")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := Evaluate(ast, 1.0); err == nil {
		t.Fatalf("expected UnknownFunction error, got nil")
	}
}

func strPtr(s string) *string { return &s }
