package registry

import (
	"context"
	"fmt"
)

// NodeExecutionContext is the JSON-shaped input a NodeType's Execute
// method receives: the task's declared parameters, the upstream input
// data, and process-wide globals/env/pin-data bindings.
type NodeExecutionContext struct {
	Parameters any
	InputData  any
	Globals    any
	Env        any
	PinData    any
}

// NodeOutput carries a node's result JSON.
type NodeOutput struct {
	Data any
}

// InvalidConfigError signals invalid or missing node parameters.
type InvalidConfigError struct{ Message string }

func (e *InvalidConfigError) Error() string { return fmt.Sprintf("invalid config: %s", e.Message) }

// ExecutionFailedError signals a runtime failure inside a node (network,
// IO, or other non-timeout fault).
type ExecutionFailedError struct{ Message string }

func (e *ExecutionFailedError) Error() string { return fmt.Sprintf("execution failed: %s", e.Message) }

// NodeProperty describes one configurable node parameter, for UI
// generation.
type NodeProperty struct {
	Name        string
	DisplayName string
	Type        string
	Required    bool
}

// NodeDescription is optional UI metadata a NodeType may expose.
type NodeDescription struct {
	Name        string
	DisplayName string
	Properties  []NodeProperty
}

// NodeType is the contract every registered handler implements.
type NodeType interface {
	Name() string
	DisplayName() string
	Description() *NodeDescription // nil if the node type has none
	Execute(ctx context.Context, ectx NodeExecutionContext) (NodeOutput, error)
}
