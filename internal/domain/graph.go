package domain

import (
	"fmt"
	"sort"
	"strings"
)

// DependencyGraph is the validated form of a WorkflowDefinition: vertices are
// node ids, edges are connections, and levels hold the topological layering
// computed with Kahn's algorithm.
type DependencyGraph struct {
	definition *WorkflowDefinition
	nodes      map[string]NodeDefinition
	outgoing   map[string][]Connection
	incoming   map[string][]Connection
	levels     [][]string
}

// BuildGraph validates a definition and computes its levels. Every structural
// violation is collected before returning so callers see all problems at
// once; the returned error is a *ValidationError in that case.
func BuildGraph(def *WorkflowDefinition) (*DependencyGraph, error) {
	verr := &ValidationError{Workflow: def.Name}

	if strings.TrimSpace(def.Name) == "" {
		verr.Add(ValidationEmptyName, "", "workflow name must not be empty")
	}
	if len(def.Nodes) == 0 {
		verr.Add(ValidationNoNodes, "", "workflow must define at least one node")
	}

	nodes := make(map[string]NodeDefinition, len(def.Nodes))
	for _, node := range def.Nodes {
		if _, exists := nodes[node.ID]; exists {
			verr.Add(ValidationDuplicateNodeID, node.ID, fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		nodes[node.ID] = node
	}

	outgoing := make(map[string][]Connection)
	incoming := make(map[string][]Connection)
	for _, conn := range def.Connections {
		valid := true
		if _, ok := nodes[conn.Source]; !ok {
			verr.Add(ValidationUnknownNode, conn.Source,
				fmt.Sprintf("connection references unknown source node %q", conn.Source))
			valid = false
		}
		if _, ok := nodes[conn.Target]; !ok {
			verr.Add(ValidationUnknownNode, conn.Target,
				fmt.Sprintf("connection references unknown target node %q", conn.Target))
			valid = false
		}
		if conn.Source == conn.Target && conn.Source != "" {
			verr.Add(ValidationSelfLoop, conn.Source,
				fmt.Sprintf("node %q connects to itself", conn.Source))
			valid = false
		}
		if valid {
			outgoing[conn.Source] = append(outgoing[conn.Source], conn)
			incoming[conn.Target] = append(incoming[conn.Target], conn)
		}
	}

	validateParameterRefs(def, nodes, incoming, verr)

	if cycle := findCycle(nodes, outgoing); len(cycle) > 0 {
		verr.Add(ValidationCycleDetected, cycle[0],
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if len(def.Nodes) > 0 && len(entryNodes(nodes, incoming)) == 0 {
		verr.Add(ValidationNoEntryNodes, "",
			"workflow has no entry nodes: every node has at least one dependency")
	}

	if !verr.Empty() {
		return nil, verr
	}

	g := &DependencyGraph{
		definition: def,
		nodes:      nodes,
		outgoing:   outgoing,
		incoming:   incoming,
	}
	g.levels = g.computeLevels()
	return g, nil
}

// validateParameterRefs checks every parameter reference: the source node
// must exist and must be an ancestor of the referencing node, since only
// ancestor outputs are durably available when the node's inputs resolve.
func validateParameterRefs(def *WorkflowDefinition, nodes map[string]NodeDefinition, incoming map[string][]Connection, verr *ValidationError) {
	for _, node := range def.Nodes {
		if len(node.Parameters) == 0 {
			continue
		}
		names := make([]string, 0, len(node.Parameters))
		for name := range node.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			param := node.Parameters[name]
			if !param.IsRef() {
				continue
			}
			ref := param.Ref
			if ref.SourceNodeID == "" {
				verr.Add(ValidationInvalidParamRef, node.ID,
					fmt.Sprintf("node %q parameter %q references an empty source node", node.ID, name))
				continue
			}
			if _, ok := nodes[ref.SourceNodeID]; !ok {
				verr.Add(ValidationUnknownNode, ref.SourceNodeID,
					fmt.Sprintf("node %q parameter %q references unknown node %q", node.ID, name, ref.SourceNodeID))
				continue
			}
			if ref.SourceNodeID == node.ID {
				verr.Add(ValidationInvalidParamRef, node.ID,
					fmt.Sprintf("node %q parameter %q references itself", node.ID, name))
				continue
			}
			if !ancestors(node.ID, incoming)[ref.SourceNodeID] {
				verr.Add(ValidationInvalidParamRef, node.ID,
					fmt.Sprintf("node %q parameter %q references %q which is not one of its predecessors", node.ID, name, ref.SourceNodeID))
			}
		}
	}
}

// findCycle runs a depth-first search with white/grey/black marking and
// returns the first cycle found as a node id path, or nil.
func findCycle(nodes map[string]NodeDefinition, outgoing map[string][]Connection) []string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	parent := make(map[string]string)

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, conn := range outgoing[id] {
			next := conn.Target
			switch color[next] {
			case white:
				parent[next] = id
				if visit(next) {
					return true
				}
			case grey:
				cycle = tracePath(parent, id, next)
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func tracePath(parent map[string]string, from, to string) []string {
	path := []string{to}
	for at := from; ; at = parent[at] {
		path = append(path, at)
		if at == to {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

func entryNodes(nodes map[string]NodeDefinition, incoming map[string][]Connection) []string {
	entries := make([]string, 0)
	for id := range nodes {
		if len(incoming[id]) == 0 {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

// ancestors returns the transitive predecessor set of a node, walking the
// incoming edges. Safe on cyclic input: visited nodes are never re-entered.
func ancestors(id string, incoming map[string][]Connection) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, conn := range incoming[current] {
			if !seen[conn.Source] {
				seen[conn.Source] = true
				stack = append(stack, conn.Source)
			}
		}
	}
	return seen
}

// computeLevels runs iterative Kahn leveling: level 0 holds the nodes with
// in-degree 0; removing a level's outgoing edges yields the next level from
// the nodes whose remaining in-degree drops to zero. Acyclicity guarantees
// termination with every node assigned exactly once.
func (g *DependencyGraph) computeLevels() [][]string {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.incoming[id])
	}

	current := make([]string, 0)
	for id, degree := range inDegree {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	levels := make([][]string, 0)
	for len(current) > 0 {
		levels = append(levels, current)
		next := make([]string, 0)
		for _, id := range current {
			for _, conn := range g.outgoing[id] {
				inDegree[conn.Target]--
				if inDegree[conn.Target] == 0 {
					next = append(next, conn.Target)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
	return levels
}

func (g *DependencyGraph) Definition() *WorkflowDefinition {
	return g.definition
}

func (g *DependencyGraph) Node(id string) (NodeDefinition, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

func (g *DependencyGraph) NodeCount() int {
	return len(g.nodes)
}

func (g *DependencyGraph) Incoming(id string) []Connection {
	return g.incoming[id]
}

func (g *DependencyGraph) Outgoing(id string) []Connection {
	return g.outgoing[id]
}

func (g *DependencyGraph) EntryNodes() []string {
	return entryNodes(g.nodes, g.incoming)
}

// Levels returns a defensive copy of the computed topological levels.
func (g *DependencyGraph) Levels() [][]string {
	levels := make([][]string, len(g.levels))
	for i, level := range g.levels {
		levels[i] = append([]string(nil), level...)
	}
	return levels
}
