package mapping

import "fmt"

// InputMapping is the sum type a Node attaches to reshape its
// merged-ancestor input before execution: either a single expression
// whose result becomes the whole input, or a set of named expressions
// assembled into an object.
type InputMapping struct {
	Single *string       `json:"single,omitempty"`
	Multi  *MultiMapping `json:"multi,omitempty"`
}

// MultiMapping builds an object from an ordered set of (key, expression)
// pairs, with an optional default value substituted for any field whose
// expression evaluates to null.
type MultiMapping struct {
	Fields       []MultiField `json:"fields"`
	DefaultValue any          `json:"default_value,omitempty"`
}

// MultiField is one named expression in a MultiMapping, kept as a slice
// (not a map) to preserve field order.
type MultiField struct {
	Key        string `json:"key"`
	Expression string `json:"expression"`
}

// Apply evaluates an InputMapping against root ($json) and returns the
// resulting JSON value. A mapping failure is fatal for the whole
// workflow run per spec — callers should abort on error, annotating it
// with the originating node name.
func Apply(im InputMapping, root any) (any, error) {
	switch {
	case im.Single != nil:
		ast, err := Parse(*im.Single)
		if err != nil {
			return nil, fmt.Errorf("parse mapping %q: %w", *im.Single, err)
		}
		return Evaluate(ast, root)

	case im.Multi != nil:
		out := make(map[string]any, len(im.Multi.Fields))
		for _, f := range im.Multi.Fields {
			ast, err := Parse(f.Expression)
			if err != nil {
				return nil, fmt.Errorf("parse mapping field %q (%q): %w", f.Key, f.Expression, err)
			}
			v, err := Evaluate(ast, root)
			if err != nil {
				return nil, fmt.Errorf("evaluate mapping field %q: %w", f.Key, err)
			}
			if v == nil && im.Multi.DefaultValue != nil {
				v = im.Multi.DefaultValue
			}
			out[f.Key] = v
		}
		return out, nil

	default:
		return root, nil
	}
}
