package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/nodeflow/orchestrator/internal/mapping"
	"github.com/nodeflow/orchestrator/internal/registry"
)

// echoNode returns its InputData verbatim, recording what it saw.
type echoNode struct {
	name string
	seen []any
}

func (n *echoNode) Name() string                            { return n.name }
func (n *echoNode) DisplayName() string                     { return n.name }
func (n *echoNode) Description() *registry.NodeDescription { return nil }
func (n *echoNode) Execute(_ context.Context, ectx registry.NodeExecutionContext) (registry.NodeOutput, error) {
	n.seen = append(n.seen, ectx.InputData)
	return registry.NodeOutput{Data: ectx.InputData}, nil
}

type failNode struct{ name string }

func (n *failNode) Name() string                          { return n.name }
func (n *failNode) DisplayName() string                    { return n.name }
func (n *failNode) Description() *registry.NodeDescription { return nil }
func (n *failNode) Execute(context.Context, registry.NodeExecutionContext) (registry.NodeOutput, error) {
	return registry.NodeOutput{}, &registry.ExecutionFailedError{Message: "boom"}
}

func newTestRegistry(nodes ...registry.NodeType) *registry.Registry {
	r := registry.New()
	for _, n := range nodes {
		r.Register(n)
	}
	return r
}

func TestExecuteZeroAncestorsGetsEmptyObject(t *testing.T) {
	root := &echoNode{name: "root"}
	exec := NewExecutor(newTestRegistry(root))

	wf := &Workflow{Nodes: []Node{{Name: "a", NodeTypeName: "root"}}}
	out, err := exec.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := out["a"].(map[string]any); !ok || len(got) != 0 {
		t.Fatalf("expected empty object input, got %#v", out["a"])
	}
}

func TestExecuteSingleAncestorPassesVerbatim(t *testing.T) {
	producer := &echoNode{name: "producer"}
	consumer := &echoNode{name: "consumer"}
	exec := NewExecutor(newTestRegistry(producer, consumer))

	wf := &Workflow{
		Nodes: []Node{
			{Name: "p", NodeTypeName: "producer"},
			{Name: "c", NodeTypeName: "consumer"},
		},
		Connection: []Connection{{From: "p", To: "c"}},
	}
	out, err := exec.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pOut, _ := out["p"].(map[string]any)
	if len(pOut) != 0 {
		t.Fatalf("producer output should be the empty-object it was given")
	}
	if len(consumer.seen) != 1 {
		t.Fatalf("consumer should have executed once, got %d", len(consumer.seen))
	}
}

func TestExecuteManyAncestorsProduceOrderedArray(t *testing.T) {
	a := &echoNode{name: "a"}
	b := &echoNode{name: "b"}
	merge := &echoNode{name: "merge"}
	exec := NewExecutor(newTestRegistry(a, b, merge))

	wf := &Workflow{
		Nodes: []Node{
			{Name: "a", NodeTypeName: "a"},
			{Name: "b", NodeTypeName: "b"},
			{Name: "m", NodeTypeName: "merge"},
		},
		Connection: []Connection{
			{From: "a", To: "m"},
			{From: "b", To: "m"},
		},
	}
	// seed each producer's own "output" via input mapping so we can tell them apart.
	wf.Nodes[0].InputMapping = &mapping.InputMapping{Single: strPtrExec("'A'")}
	wf.Nodes[1].InputMapping = &mapping.InputMapping{Single: strPtrExec("'B'")}

	out, err := exec.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	merged, ok := out["m"].([]any)
	if !ok || len(merged) != 2 {
		t.Fatalf("expected a 2-element array input for the merge node, got %#v", out["m"])
	}
	if merged[0] != "A" || merged[1] != "B" {
		t.Fatalf("expected ordered [A, B], got %#v", merged)
	}
}

func TestExecuteInputMappingSingle(t *testing.T) {
	producer := &echoNode{name: "producer"}
	consumer := &echoNode{name: "consumer"}
	exec := NewExecutor(newTestRegistry(producer, consumer))

	wf := &Workflow{
		Nodes: []Node{
			{Name: "p", NodeTypeName: "producer", InputMapping: &mapping.InputMapping{Single: strPtrExec("'hello'")}},
			{Name: "c", NodeTypeName: "consumer", InputMapping: &mapping.InputMapping{Single: strPtrExec("uppercase(@)")}},
		},
		Connection: []Connection{{From: "p", To: "c"}},
	}
	out, err := exec.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["c"] != "HELLO" {
		t.Fatalf("expected HELLO, got %#v", out["c"])
	}
}

func TestExecuteUnknownNodeTypeAborts(t *testing.T) {
	exec := NewExecutor(newTestRegistry())
	wf := &Workflow{Nodes: []Node{{Name: "a", NodeTypeName: "nope"}}}
	if _, err := exec.Execute(context.Background(), wf); err == nil {
		t.Fatalf("expected error for unknown node type")
	}
}

func TestExecuteNodeErrorAbortsRun(t *testing.T) {
	fail := &failNode{name: "fail"}
	after := &echoNode{name: "after"}
	exec := NewExecutor(newTestRegistry(fail, after))

	wf := &Workflow{
		Nodes: []Node{
			{Name: "f", NodeTypeName: "fail"},
			{Name: "a", NodeTypeName: "after"},
		},
		Connection: []Connection{{From: "f", To: "a"}},
	}
	_, err := exec.Execute(context.Background(), wf)
	if err == nil {
		t.Fatalf("expected the run to abort")
	}
	var execErr *registry.ExecutionFailedError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected the original ExecutionFailedError to unwrap, got %v", err)
	}
	if len(after.seen) != 0 {
		t.Fatalf("downstream node should never have run")
	}
}

func TestExecuteDisabledNodeSkipped(t *testing.T) {
	consumer := &echoNode{name: "consumer"}
	exec := NewExecutor(newTestRegistry(consumer))

	wf := &Workflow{
		Nodes: []Node{
			{Name: "d", NodeTypeName: "consumer", Disabled: true},
		},
	}
	out, err := exec.Execute(context.Background(), wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["d"] != nil {
		t.Fatalf("disabled node should record a nil output")
	}
	if len(consumer.seen) != 0 {
		t.Fatalf("disabled node should never execute")
	}
}

func TestExecuteMappingFailureAborts(t *testing.T) {
	consumer := &echoNode{name: "consumer"}
	exec := NewExecutor(newTestRegistry(consumer))

	wf := &Workflow{
		Nodes: []Node{
			{Name: "c", NodeTypeName: "consumer", InputMapping: &mapping.InputMapping{Single: strPtrExec("[")}},
		},
	}
	_, err := exec.Execute(context.Background(), wf)
	if err == nil {
		t.Fatalf("expected a mapping parse error to abort the run")
	}
	var cfgErr *registry.InvalidConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected InvalidConfigError, got %v", err)
	}
}

func strPtrExec(s string) *string { return &s }
