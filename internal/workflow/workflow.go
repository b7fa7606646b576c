// Package workflow implements the Workflow DAG Executor: a graph of named
// nodes, wired by connections, traversed in topological order with fan-in
// assembly and per-edge mapping through the mapping engine.
package workflow

import (
	"fmt"

	"github.com/nodeflow/orchestrator/internal/mapping"
)

// Node is a workflow-level entity: a named reference to a registered node
// type, plus the configuration the Workflow Executor hands it at execution
// time.
type Node struct {
	Name         string                `json:"name"`
	NodeTypeName string                `json:"node_type_name"`
	Disabled     bool                  `json:"disabled,omitempty"`
	InputMapping *mapping.InputMapping `json:"input_mapping,omitempty"`
	CustomConfig any                   `json:"custom_config,omitempty"`
	DisplayName  string                `json:"display_name,omitempty"`
	Description  string                `json:"description,omitempty"`
}

// Connection is a directed edge from one node's output to another node's
// input, identified by node name (not index — see Workflow.Validate).
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Workflow is the persisted/exchange form: a named graph of nodes and
// connections plus opaque settings.
type Workflow struct {
	ID         string       `json:"id,omitempty"`
	Name       string       `json:"name"`
	Nodes      []Node       `json:"nodes"`
	Connection []Connection `json:"connections"`
	Settings   any          `json:"settings,omitempty"`
}

// graph is the validated, adjacency-indexed form of a Workflow built by
// Validate, keyed by node name throughout (never by slice index) so that
// removing or reordering nodes never invalidates a stored handle.
type graph struct {
	nodes    map[string]*Node
	children map[string][]string // name -> child names
	parents  map[string][]string // name -> parent names, in connection order
	inDegree map[string]int
}

// Validate builds the adjacency graph for wf and rejects it if any node
// name is duplicated, any connection references an unknown node, or the
// graph contains a cycle (detected by Kahn's algorithm: every node must be
// reachable by repeatedly removing in-degree-0 nodes).
func (wf *Workflow) Validate() (*graph, error) {
	g := &graph{
		nodes:    make(map[string]*Node, len(wf.Nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
		inDegree: make(map[string]int, len(wf.Nodes)),
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, exists := g.nodes[n.Name]; exists {
			return nil, fmt.Errorf("duplicate node name %q", n.Name)
		}
		g.nodes[n.Name] = n
		g.inDegree[n.Name] = 0
	}
	for _, c := range wf.Connection {
		if _, ok := g.nodes[c.From]; !ok {
			return nil, fmt.Errorf("connection references unknown node %q", c.From)
		}
		if _, ok := g.nodes[c.To]; !ok {
			return nil, fmt.Errorf("connection references unknown node %q", c.To)
		}
		g.children[c.From] = append(g.children[c.From], c.To)
		g.parents[c.To] = append(g.parents[c.To], c.From)
		g.inDegree[c.To]++
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm against a scratch copy of in-degrees:
// if the set of nodes it can fully drain is smaller than the node count,
// at least one node sits on a cycle (mirroring dag_engine.go's "no root
// nodes" check, generalized to catch cycles not rooted at every node).
func (g *graph) checkAcyclic() error {
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
	if len(frontier) == 0 && len(g.nodes) > 0 {
		return fmt.Errorf("workflow graph has no root nodes: circular dependency")
	}

	visited := 0
	for len(frontier) > 0 {
		name := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		visited++
		for _, child := range g.children[name] {
			indeg[child]--
			if indeg[child] == 0 {
				frontier = append(frontier, child)
			}
		}
	}
	if visited != len(g.nodes) {
		return fmt.Errorf("workflow graph contains a cycle")
	}
	return nil
}
