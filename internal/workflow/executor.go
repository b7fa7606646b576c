package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nodeflow/orchestrator/internal/mapping"
	"github.com/nodeflow/orchestrator/internal/registry"
)

// Executor drives one Workflow to completion by traversing its DAG in
// Kahn-topological order, assembling each node's input from its ancestors'
// outputs, and invoking the node type directly (no Task Queue involved —
// this is a separate call path from the Dispatcher's /v1/tasks surface).
type Executor struct {
	registry *registry.Registry
	tracer   trace.Tracer
}

// NewExecutor builds an Executor against a shared Node Registry.
func NewExecutor(r *registry.Registry) *Executor {
	return &Executor{registry: r, tracer: otel.Tracer("orchestrator-workflow-executor")}
}

// Execute runs wf to completion and returns the node_name -> output map, or
// the first error encountered, which aborts the whole run.
func (e *Executor) Execute(ctx context.Context, wf *Workflow) (map[string]any, error) {
	g, err := wf.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(attribute.String("workflow", wf.Name)))
	defer span.End()

	outputs := make(map[string]any, len(g.nodes))
	indeg := make(map[string]int, len(g.inDegree))
	for name, d := range g.inDegree {
		indeg[name] = d
	}

	var frontier []string
	for name, d := range indeg {
		if d == 0 {
			frontier = append(frontier, name)
		}
	}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]

		node := g.nodes[name]
		if node.Disabled {
			outputs[name] = nil
			e.releaseChildren(g, indeg, name, &frontier)
			continue
		}

		out, err := e.executeNode(ctx, g, node, outputs)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		outputs[name] = out
		e.releaseChildren(g, indeg, name, &frontier)
	}

	return outputs, nil
}

// releaseChildren decrements each child's in-degree and enqueues it once
// it reaches zero — a node with two parents is enqueued exactly once, only
// after both have produced output.
func (e *Executor) releaseChildren(g *graph, indeg map[string]int, name string, frontier *[]string) {
	for _, child := range g.children[name] {
		indeg[child]--
		if indeg[child] == 0 {
			*frontier = append(*frontier, child)
		}
	}
}

func (e *Executor) executeNode(ctx context.Context, g *graph, node *Node, outputs map[string]any) (any, error) {
	nodeType, found := e.registry.Lookup(node.NodeTypeName)
	if !found {
		return nil, &registry.InvalidConfigError{Message: fmt.Sprintf("unknown node type %q", node.NodeTypeName)}
	}

	merged := mergedInput(g.parents[node.Name], outputs)

	finalInput := merged
	if node.InputMapping != nil {
		mapped, err := mapping.Apply(*node.InputMapping, merged)
		if err != nil {
			return nil, &registry.InvalidConfigError{Message: fmt.Sprintf("input mapping: %v", err)}
		}
		finalInput = mapped
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute_node", trace.WithAttributes(
		attribute.String("node", node.Name),
		attribute.String("node_type", node.NodeTypeName),
	))
	defer span.End()

	ectx := registry.NodeExecutionContext{
		Parameters: node.CustomConfig,
		InputData:  finalInput,
	}
	result, err := nodeType.Execute(ctx, ectx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result.Data, nil
}

// mergedInput assembles merged_input per spec: {} for zero ancestors, the
// single ancestor's output verbatim for one, or an ordered array of
// outputs for many — parents is already in connection order.
func mergedInput(parents []string, outputs map[string]any) any {
	switch len(parents) {
	case 0:
		return map[string]any{}
	case 1:
		return outputs[parents[0]]
	default:
		merged := make([]any, len(parents))
		for i, p := range parents {
			merged[i] = outputs[p]
		}
		return merged
	}
}
