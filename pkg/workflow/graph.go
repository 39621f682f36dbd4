package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is a validated, immutable workflow graph.
type Graph struct {
	// nodes maps node names to their definitions
	nodes map[string]*Node

	// transitions maps node names to their ordered successors
	transitions map[string][]string

	// predecessors maps node names to the nodes that transition into them
	predecessors map[string][]string

	// startNodes are scheduled as soon as a run begins
	startNodes []string

	// parallelGroups are advisory names for independent branches
	parallelGroups map[string][]string

	// levels groups nodes by topological depth
	levels [][]string
}

// Node returns the node registered under name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// NodeNames returns all node names in sorted order.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Successors returns the declared transitions of a node.
func (g *Graph) Successors(name string) []string {
	return append([]string(nil), g.transitions[name]...)
}

// Predecessors returns the nodes that declare a transition into name.
func (g *Graph) Predecessors(name string) []string {
	return append([]string(nil), g.predecessors[name]...)
}

// StartNodes returns the start nodes of the graph.
func (g *Graph) StartNodes() []string {
	return append([]string(nil), g.startNodes...)
}

// ParallelGroups returns a copy of the parallel-group hints.
func (g *Graph) ParallelGroups() map[string][]string {
	out := make(map[string][]string, len(g.parallelGroups))
	for k, v := range g.parallelGroups {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Levels returns the nodes grouped by topological depth.
// Nodes in the same level have no path between them.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, level := range g.levels {
		out[i] = append([]string(nil), level...)
	}
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// reachable returns the set of nodes reachable from the start nodes.
func (g *Graph) reachable() map[string]bool {
	seen := make(map[string]bool, len(g.nodes))
	stack := append([]string(nil), g.startNodes...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[name] {
			continue
		}
		seen[name] = true
		stack = append(stack, g.transitions[name]...)
	}
	return seen
}

// GraphBuilder builds a Graph and validates it.
// Errors are accumulated and reported by Build.
type GraphBuilder struct {
	nodes          map[string]*Node
	order          []string
	transitions    map[string][]string
	startNodes     []string
	parallelGroups map[string][]string
	errs           []string
}

// NewGraphBuilder creates an empty graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		nodes:          make(map[string]*Node),
		transitions:    make(map[string][]string),
		parallelGroups: make(map[string][]string),
	}
}

// AddNode registers a node. Names must be unique and handlers non-nil.
func (b *GraphBuilder) AddNode(node Node) *GraphBuilder {
	switch {
	case node.Name == "":
		b.errs = append(b.errs, "node has empty name")
		return b
	case node.Handler == nil:
		b.errs = append(b.errs, fmt.Sprintf("node %s has no handler", node.Name))
		return b
	case node.RetryCount < 0:
		b.errs = append(b.errs, fmt.Sprintf("node %s has negative retry count", node.Name))
		return b
	}
	if _, exists := b.nodes[node.Name]; exists {
		b.errs = append(b.errs, fmt.Sprintf("duplicate node name: %s", node.Name))
		return b
	}

	n := node
	b.nodes[n.Name] = &n
	b.order = append(b.order, n.Name)
	return b
}

// AddTransition declares that to... run after from.
func (b *GraphBuilder) AddTransition(from string, to ...string) *GraphBuilder {
	for _, t := range to {
		if contains(b.transitions[from], t) {
			continue
		}
		b.transitions[from] = append(b.transitions[from], t)
	}
	return b
}

// AddStartNode declares nodes scheduled as soon as a run begins.
func (b *GraphBuilder) AddStartNode(names ...string) *GraphBuilder {
	for _, name := range names {
		if !contains(b.startNodes, name) {
			b.startNodes = append(b.startNodes, name)
		}
	}
	return b
}

// AddParallelGroup records an advisory group of independent branches.
func (b *GraphBuilder) AddParallelGroup(group string, names ...string) *GraphBuilder {
	b.parallelGroups[group] = append(b.parallelGroups[group], names...)
	return b
}

// Build validates the definition and returns the immutable graph.
// If no start node was declared, every node without predecessors becomes one.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, NewPermanentError(
			fmt.Sprintf("invalid workflow graph: %s", strings.Join(b.errs, "; ")), nil,
		).WithCode(ErrCodeValidation)
	}

	if err := b.validateReferences(); err != nil {
		return nil, err
	}

	predecessors := make(map[string][]string, len(b.nodes))
	for _, from := range b.order {
		for _, to := range b.transitions[from] {
			predecessors[to] = append(predecessors[to], from)
		}
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	startNodes := append([]string(nil), b.startNodes...)
	if len(startNodes) == 0 {
		for _, name := range b.order {
			if len(predecessors[name]) == 0 {
				startNodes = append(startNodes, name)
			}
		}
	}
	if len(startNodes) == 0 && len(b.nodes) > 0 {
		return nil, NewPermanentError("no start nodes found", nil).WithCode(ErrCodeValidation)
	}

	graph := &Graph{
		nodes:          make(map[string]*Node, len(b.nodes)),
		transitions:    make(map[string][]string, len(b.transitions)),
		predecessors:   predecessors,
		startNodes:     startNodes,
		parallelGroups: make(map[string][]string, len(b.parallelGroups)),
	}
	for name, n := range b.nodes {
		copied := *n
		graph.nodes[name] = &copied
	}
	for from, to := range b.transitions {
		graph.transitions[from] = append([]string(nil), to...)
	}
	for group, names := range b.parallelGroups {
		graph.parallelGroups[group] = append([]string(nil), names...)
	}
	graph.levels = b.computeLevels(predecessors)

	return graph, nil
}

// validateReferences checks that every referenced name is a registered node.
func (b *GraphBuilder) validateReferences() error {
	var missing []string

	for from, to := range b.transitions {
		if _, ok := b.nodes[from]; !ok {
			missing = append(missing, fmt.Sprintf("transition source %s", from))
		}
		for _, t := range to {
			if _, ok := b.nodes[t]; !ok {
				missing = append(missing, fmt.Sprintf("transition target %s (from %s)", t, from))
			}
		}
	}
	for _, name := range b.startNodes {
		if _, ok := b.nodes[name]; !ok {
			missing = append(missing, fmt.Sprintf("start node %s", name))
		}
	}
	for group, names := range b.parallelGroups {
		for _, name := range names {
			if _, ok := b.nodes[name]; !ok {
				missing = append(missing, fmt.Sprintf("parallel group %s member %s", group, name))
			}
		}
	}

	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return NewPermanentError(
		fmt.Sprintf("graph references unknown nodes: %s", strings.Join(missing, ", ")), nil,
	).WithCode(ErrCodeValidation)
}

// detectCycles uses depth-first search to detect cycles in the transition relation.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range b.order {
		if visited[name] {
			continue
		}
		if cycle := b.detectCyclesUtil(name, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular transition detected: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}

// detectCyclesUtil performs DFS from name and returns the cycle path if one is found.
func (b *GraphBuilder) detectCyclesUtil(
	name string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, next := range b.transitions[name] {
		if !visited[next] {
			if cycle := b.detectCyclesUtil(next, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[next] {
			for i, id := range path {
				if id == next {
					return append(append([]string(nil), path[i:]...), next)
				}
			}
		}
	}

	recStack[name] = false
	return nil
}

// computeLevels assigns each node a topological level using Kahn's algorithm.
func (b *GraphBuilder) computeLevels(predecessors map[string][]string) [][]string {
	inDegree := make(map[string]int, len(b.nodes))
	for _, name := range b.order {
		inDegree[name] = len(predecessors[name])
	}

	current := make([]string, 0)
	for _, name := range b.order {
		if inDegree[name] == 0 {
			current = append(current, name)
		}
	}

	levels := make([][]string, 0)
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)

		next := make([]string, 0)
		for _, name := range current {
			for _, succ := range b.transitions[name] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}
	return levels
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Workflow {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, names := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, name := range names {
			node := g.nodes[name]
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				name, nodeLabel(node), nodeColor(node)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, from := range g.NodeNames() {
		for _, to := range g.transitions[from] {
			style := "style=solid, color=black"
			if g.nodes[to].AlwaysRun {
				style = "style=dashed, color=red"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", from, to, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// nodeLabel renders the DOT label for a node.
func nodeLabel(n *Node) string {
	var flags []string
	if n.Optional {
		flags = append(flags, "optional")
	}
	if n.RetryCount > 0 {
		flags = append(flags, fmt.Sprintf("retries=%d", n.RetryCount))
	}
	if n.Timeout > 0 {
		flags = append(flags, fmt.Sprintf("timeout=%s", n.Timeout))
	}
	if len(flags) == 0 {
		return n.Name
	}
	return fmt.Sprintf("%s\\n%s", n.Name, strings.Join(flags, ", "))
}

// nodeColor returns a fill color for visualizing node flags.
func nodeColor(n *Node) string {
	switch {
	case n.AlwaysRun:
		return "lightcoral"
	case n.Optional:
		return "lightgray"
	default:
		return "lightblue"
	}
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
