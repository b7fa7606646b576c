package registry

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PolicyNode evaluates an inline Rego policy against input_data and
// returns the decision. Kept intentionally thin (one prepared query per
// call, no bundle manager, no partial evaluation) — business logic
// beyond the abstract NodeType contract is out of scope.
type PolicyNode struct {
	tracer trace.Tracer
}

// NewPolicyNode constructs a PolicyNode.
func NewPolicyNode() *PolicyNode {
	return &PolicyNode{tracer: otel.Tracer("orchestrator-policy-node")}
}

func (n *PolicyNode) Name() string        { return "policy" }
func (n *PolicyNode) DisplayName() string { return "Policy Decision" }

func (n *PolicyNode) Description() *NodeDescription {
	return &NodeDescription{
		Name:        n.Name(),
		DisplayName: n.DisplayName(),
		Properties: []NodeProperty{
			{Name: "query", DisplayName: "Rego query", Type: "string", Required: true},
			{Name: "module", DisplayName: "Rego module source", Type: "string", Required: true},
		},
	}
}

type policyParams struct {
	Query  string `json:"query"`  // e.g. "data.orchestrator.allow"
	Module string `json:"module"` // inline .rego source
}

func (n *PolicyNode) Execute(ctx context.Context, ectx NodeExecutionContext) (NodeOutput, error) {
	params, ok := ectx.Parameters.(map[string]any)
	if !ok {
		return NodeOutput{}, &InvalidConfigError{Message: "policy node requires object parameters"}
	}
	query, _ := params["query"].(string)
	module, _ := params["module"].(string)
	if query == "" || module == "" {
		return NodeOutput{}, &InvalidConfigError{Message: "policy node requires 'query' and 'module' parameters"}
	}

	ctx, span := n.tracer.Start(ctx, "policy_node.execute", trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return NodeOutput{}, &InvalidConfigError{Message: fmt.Sprintf("prepare policy: %v", err)}
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(ectx.InputData))
	if err != nil {
		return NodeOutput{}, &ExecutionFailedError{Message: fmt.Sprintf("evaluate policy: %v", err)}
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return NodeOutput{Data: map[string]any{"allow": false}}, nil
	}

	decision := results[0].Expressions[0].Value
	span.SetAttributes(attribute.String("decision", fmt.Sprintf("%v", decision)))
	return NodeOutput{Data: map[string]any{"allow": decision}}, nil
}
