package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one (entity, target) configuration in the dependency graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Entity       string   `json:"entity"`
	Target       string   `json:"target"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// GraphEdge points from a dependency to the configuration that needs it.
type GraphEdge struct {
	From     string            `json:"from"`
	To       string            `json:"to"`
	Type     DependencyType    `json:"type"`
	Settings DependencySetting `json:"settings"`
}

// DependencyGraph is the build-order graph of resolved configurations.
type DependencyGraph struct {
	Nodes map[string]*GraphNode `json:"nodes"`
	Edges []GraphEdge           `json:"edges"`
	Roots []string              `json:"roots"`
	Depth int                   `json:"depth"`
}

// NodeID returns the graph node id of an entity's configuration.
func NodeID(entity, target string) string {
	return entity + "/" + target
}

// DependencyGraphBuilder builds a DAG from the dependency edges of resolved
// configurations. It only reads configurations.
type DependencyGraphBuilder struct {
	// nodes maps node IDs to their configurations
	nodes map[string]*Configuration

	// adjacencyList maps node IDs to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	edges []GraphEdge

	// levels maps build level to node IDs at that level
	levels [][]string
}

// NewDependencyGraphBuilder creates a new graph builder.
func NewDependencyGraphBuilder() *DependencyGraphBuilder {
	return &DependencyGraphBuilder{
		nodes:                make(map[string]*Configuration),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		edges:                make([]GraphEdge, 0),
		levels:               make([][]string, 0),
	}
}

// Build constructs the graph over the published configurations of entities.
// A dependency on an entity without a configuration for the same target
// string is an error, as is any cycle.
func (b *DependencyGraphBuilder) Build(entities []*Configurable) (*DependencyGraph, error) {
	if err := b.initialize(entities); err != nil {
		return nil, err
	}

	if len(b.nodes) == 0 {
		return &DependencyGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildGraph(), nil
}

// initialize indexes every configuration and wires its dependency edges.
func (b *DependencyGraphBuilder) initialize(entities []*Configurable) error {
	for _, c := range entities {
		for _, conf := range c.Configurations() {
			id := NodeID(c.name, conf.target.String())
			if _, exists := b.nodes[id]; exists {
				return NewSchemaError(fmt.Sprintf("duplicate graph node: %s", id), nil).
					WithEntity(c.name)
			}
			b.nodes[id] = conf
			b.adjacencyList[id] = make([]string, 0)
			b.reverseAdjacencyList[id] = make([]string, 0)
			b.inDegree[id] = 0
		}
	}

	for _, id := range sortedKeys(b.nodes) {
		conf := b.nodes[id]
		for _, dep := range conf.Dependencies() {
			depID := NodeID(dep.Entity, conf.target.String())
			if _, exists := b.nodes[depID]; !exists {
				return NewSchemaError(
					fmt.Sprintf("%s depends on %s which has no configuration for target %q",
						conf.entity, dep.Entity, conf.target.String()), nil,
				).WithCode(ErrCodeNotFound).
					WithEntity(conf.entity).
					WithTarget(conf.target.String())
			}

			// Edge from dependency to dependent
			// (dependency must build before the dependent)
			b.adjacencyList[depID] = append(b.adjacencyList[depID], id)
			b.reverseAdjacencyList[id] = append(b.reverseAdjacencyList[id], depID)
			b.inDegree[id]++
			b.edges = append(b.edges, GraphEdge{From: depID, To: id, Type: dep.Type, Settings: dep.Settings})
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DependencyGraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range sortedKeys(b.nodes) {
		if visited[id] {
			continue
		}
		if cycle := b.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return NewSchemaError(
				fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeDependencyCycle)
		}
	}
	return nil
}

// detectCyclesUtil returns the cycle path if one is reachable from nodeID.
func (b *DependencyGraphBuilder) detectCyclesUtil(
	nodeID string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range b.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// computeLevels assigns build levels with Kahn's algorithm. Nodes on the
// same level do not depend on each other.
func (b *DependencyGraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}
	sort.Strings(currentLevel)

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)
		currentLevel = nextLevel
	}

	if processedCount != len(b.nodes) {
		return NewInternalError("failed to order all configurations - possible cycle", nil)
	}
	return nil
}

func (b *DependencyGraphBuilder) buildGraph() *DependencyGraph {
	graph := &DependencyGraph{
		Nodes: make(map[string]*GraphNode, len(b.nodes)),
		Edges: b.edges,
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			conf := b.nodes[id]
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Entity:       conf.entity,
				Target:       conf.target.String(),
				Level:        level,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}
	return graph
}

// GetLevels returns the computed build levels.
func (b *DependencyGraphBuilder) GetLevels() [][]string {
	return b.levels
}

// Inherited returns what node id receives from its dependencies: its direct
// dependencies plus, transitively, the public dependencies of those. The
// settings of a path are the intersection of the settings along it.
func (b *DependencyGraphBuilder) Inherited(id string) map[string]DependencySetting {
	out := make(map[string]DependencySetting)

	var walk func(from string, settings DependencySetting, direct bool)
	walk = func(from string, settings DependencySetting, direct bool) {
		conf, ok := b.nodes[from]
		if !ok {
			return
		}
		for _, dep := range conf.Dependencies() {
			if !direct && dep.Type != DependencyPublic {
				continue
			}
			s := dep.Settings
			if !direct {
				s &= settings
			}
			depID := NodeID(dep.Entity, conf.target.String())
			prev, seen := out[depID]
			if seen && prev|s == prev {
				continue
			}
			out[depID] = prev | s
			walk(depID, out[depID], false)
		}
	}
	walk(id, DependencyDefault, true)
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
func (b *DependencyGraphBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Dependencies {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			conf := b.nodes[id]
			label := fmt.Sprintf("%s\\n%s", conf.entity, conf.target.String())
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\"];\n", id, label))
		}

		sb.WriteString("  }\n\n")
	}

	for _, e := range b.edges {
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", e.To, e.From, getDependencyStyle(e)))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// getDependencyStyle returns a DOT style string for an edge.
func getDependencyStyle(e GraphEdge) string {
	if e.Settings == DependencyOnlyBuildOrder {
		return "style=dotted, color=gray"
	}
	if e.Type == DependencyPublic {
		return "style=solid, color=black"
	}
	return "style=dashed, color=blue"
}

func sortedKeys(m map[string]*Configuration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
