package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphBuilder builds a directed acyclic graph from service dependencies.
// It performs topological sorting and assigns start levels: every service
// at level N only depends on services at levels below N, so a level can be
// started in parallel once all earlier levels are ready.
type GraphBuilder struct {
	// nodes maps service names to their dependency lists
	nodes map[string][]string

	// dependents maps service names to the services that depend on them
	dependents map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps start level to service names at that level
	levels [][]string
}

// DependencyGraph is the computed start-order graph for a topology.
type DependencyGraph struct {
	// Nodes maps service names to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Roots are the services with no dependencies.
	Roots []string `json:"roots"`

	// Levels are the parallel start waves in order.
	Levels [][]string `json:"levels"`

	// Depth is the number of start levels.
	Depth int `json:"depth"`
}

// GraphNode represents one service in the dependency graph.
type GraphNode struct {
	// Service is the service name.
	Service string `json:"service"`

	// Level is the topological start level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the services this one waits for.
	Dependencies []string `json:"dependencies"`

	// Dependents are the services waiting for this one.
	Dependents []string `json:"dependents"`
}

// NewGraphBuilder creates a new dependency graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes:      make(map[string][]string),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int),
		levels:     make([][]string, 0),
	}
}

// AddService adds a service and its dependencies to the graph.
func (b *GraphBuilder) AddService(name string, dependsOn []string) error {
	if name == "" {
		return NewPermanentError("service has empty name", nil).
			WithCode(ErrCodeValidation)
	}
	if _, exists := b.nodes[name]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate service: %s", name), nil).
			WithCode(ErrCodeValidation)
	}
	b.nodes[name] = append([]string(nil), dependsOn...)
	return nil
}

// Build validates the edges, detects cycles, and computes start levels.
func (b *GraphBuilder) Build() (*DependencyGraph, error) {
	if len(b.nodes) == 0 {
		return &DependencyGraph{
			Nodes:  make(map[string]*GraphNode),
			Roots:  make([]string, 0),
			Levels: make([][]string, 0),
		}, nil
	}

	if err := b.wireEdges(); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// wireEdges builds the dependent lists and in-degrees, validating that
// every dependency target is declared.
func (b *GraphBuilder) wireEdges() error {
	for name := range b.nodes {
		b.inDegree[name] = 0
	}
	for name, deps := range b.nodes {
		for _, dep := range deps {
			if _, exists := b.nodes[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("service %s depends on undeclared service %s", name, dep),
					nil,
				).WithCode(ErrCodeValidation).WithService(name)
			}
			b.dependents[dep] = append(b.dependents[dep], name)
			b.inDegree[name]++
		}
	}
	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(name string, path []string) []string
	visit = func(name string, path []string) []string {
		visited[name] = true
		recStack[name] = true
		path = append(path, name)

		for _, dependent := range b.dependents[name] {
			if !visited[dependent] {
				if cycle := visit(dependent, path); cycle != nil {
					return cycle
				}
			} else if recStack[dependent] {
				for i, id := range path {
					if id == dependent {
						return append(path[i:], dependent)
					}
				}
			}
		}

		recStack[name] = false
		return nil
	}

	// Deterministic iteration keeps cycle error messages stable.
	for _, name := range b.sortedNames() {
		if !visited[name] {
			if cycle := visit(name, nil); cycle != nil {
				return NewPermanentError(
					fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
					nil,
				).WithCode(ErrCodeValidation)
			}
		}
	}

	return nil
}

// computeLevels assigns start levels using Kahn's algorithm.
func (b *GraphBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for name, degree := range b.inDegree {
		inDegree[name] = degree
	}

	var current []string
	for _, name := range b.sortedNames() {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	if len(current) == 0 {
		return NewPermanentError("no root services found - all services have dependencies", nil).
			WithCode(ErrCodeValidation)
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		var next []string
		for _, name := range current {
			for _, dependent := range b.dependents[name] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// Unreachable if cycle detection held, kept as an internal guard.
	if processed != len(b.nodes) {
		return NewPermanentError("failed to order all services - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildGraph creates the final DependencyGraph structure.
func (b *GraphBuilder) buildGraph() *DependencyGraph {
	graph := &DependencyGraph{
		Nodes:  make(map[string]*GraphNode),
		Roots:  append([]string(nil), b.levels[0]...),
		Levels: b.levels,
		Depth:  len(b.levels),
	}

	for level, names := range b.levels {
		for _, name := range names {
			graph.Nodes[name] = &GraphNode{
				Service:      name,
				Level:        level,
				Dependencies: b.nodes[name],
				Dependents:   b.dependents[name],
			}
		}
	}

	return graph
}

// sortedNames returns all service names in lexical order.
func (b *GraphBuilder) sortedNames() []string {
	names := make([]string, 0, len(b.nodes))
	for name := range b.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToDOT generates a DOT representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph StartOrder {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.Levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("    %q;\n", name))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range sortedNodeNames(g.Nodes) {
		for _, dep := range g.Nodes[name].Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func sortedNodeNames(nodes map[string]*GraphNode) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
