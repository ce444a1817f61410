package validation

import (
	"sort"

	"github.com/rendis/procflow/pkg/schema"
)

// adjacency is a forward edge list that skips loop edges.
type adjacency map[string][]string

func forwardEdges(def *schema.GraphDefinition) adjacency {
	adj := adjacency{}
	for _, e := range def.Edges {
		if e.Loop != nil {
			continue
		}
		adj[e.SourceNodeID] = append(adj[e.SourceNodeID], e.TargetNodeID)
	}
	return adj
}

// validateGraph checks reachability from start, that every node can reach an
// end, that only loop edges close cycles and that parallel branches do not
// share steps before their join. It assumes the semantic pass succeeded.
func validateGraph(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	all := map[string][]string{}
	reverse := map[string][]string{}
	for _, e := range def.Edges {
		all[e.SourceNodeID] = append(all[e.SourceNodeID], e.TargetNodeID)
		reverse[e.TargetNodeID] = append(reverse[e.TargetNodeID], e.SourceNodeID)
	}

	var start string
	var ends []string
	for _, n := range def.Nodes {
		switch n.Kind {
		case schema.NodeStart:
			start = n.ID
		case schema.NodeEnd:
			ends = append(ends, n.ID)
		}
	}

	// A parallel node hands control to its join node without an edge.
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Kind != schema.NodeParallel {
			continue
		}
		cfg, err := schema.DecodeConfig[schema.ParallelConfig](n)
		if err != nil {
			continue
		}
		if join := JoinNode(def, n.ID, cfg); join != "" {
			all[n.ID] = append(all[n.ID], join)
			reverse[join] = append(reverse[join], n.ID)
		}
	}

	reachable := bfs([]string{start}, all)
	canEnd := bfs(ends, reverse)
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			result.AddErrorf(nodePath(n.ID), schema.IssueUnreachable, "node %q is not reachable from start", n.ID)
			continue
		}
		if !canEnd[n.ID] {
			result.AddErrorf(nodePath(n.ID), schema.IssueNoEnd, "node %q has no path to an end node", n.ID)
		}
	}

	if cycle := findCycle(def); len(cycle) > 0 {
		result.AddErrorf("edges", schema.IssueCycle,
			"cycle %v must be closed by an edge with a loop guard", cycle)
	}

	if result.Valid() {
		validateBranchIsolation(def, result)
	}
	return result
}

// findCycle runs Kahn's algorithm on the non-loop edges and returns the
// nodes left on a cycle, sorted.
func findCycle(def *schema.GraphDefinition) []string {
	adj := forwardEdges(def)
	inDegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
		for _, t := range adj[n.ID] {
			inDegree[t]++
		}
	}

	queue := make([]string, 0, len(def.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, t := range adj[node] {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
		delete(inDegree, node)
	}

	if len(inDegree) == 0 {
		return nil
	}
	left := make([]string, 0, len(inDegree))
	for id := range inDegree {
		left = append(left, id)
	}
	sort.Strings(left)
	return left
}

// validateBranchIsolation rejects parallel nodes whose branches reach a
// common step before the join.
func validateBranchIsolation(def *schema.GraphDefinition, result *schema.ValidationResult) {
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Kind != schema.NodeParallel {
			continue
		}
		cfg, err := schema.DecodeConfig[schema.ParallelConfig](n)
		if err != nil {
			continue
		}
		owner := map[string]string{}
		for _, b := range cfg.Branches {
			for id := range BranchNodes(def, n.ID, cfg, b) {
				if other, taken := owner[id]; taken && other != b.ID {
					result.AddErrorf(nodePath(n.ID)+".config.branches", schema.IssueParallelBranch,
						"branches %q and %q share node %q before the join", other, b.ID, id)
					continue
				}
				owner[id] = b.ID
			}
		}
	}
}

// BranchNodes returns the steps a branch can run before it reaches the join
// node of its parallel. End nodes are not included.
func BranchNodes(def *schema.GraphDefinition, parallelID string, cfg *schema.ParallelConfig, branch schema.BranchSpec) map[string]bool {
	join := JoinNode(def, parallelID, cfg)
	kinds := nodeKinds(def)
	adj := forwardEdges(def)

	seen := map[string]bool{}
	queue := []string{branch.TargetNodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] || id == join || kinds[id] == schema.NodeEnd {
			continue
		}
		seen[id] = true
		queue = append(queue, adj[id]...)
	}
	return seen
}

// JoinNode returns the node where the branches of a parallel recombine: the
// explicit joinNodeId, or the nearest non-end node reachable from every branch
// target. Ties prefer the smallest worst-case distance, then the total
// distance, then the id. A parallel with a single branch or no common
// successor has no join and its branches finish at end nodes.
func JoinNode(def *schema.GraphDefinition, parallelID string, cfg *schema.ParallelConfig) string {
	if cfg.JoinNodeID != "" {
		return cfg.JoinNodeID
	}
	if len(cfg.Branches) < 2 {
		return ""
	}

	kinds := nodeKinds(def)
	adj := forwardEdges(def)
	targets := map[string]bool{}
	var dists []map[string]int
	for _, b := range cfg.Branches {
		targets[b.TargetNodeID] = true
		dists = append(dists, distances(b.TargetNodeID, adj))
	}

	best := ""
	bestMax, bestSum := 0, 0
	for id, d0 := range dists[0] {
		if targets[id] || id == parallelID || kinds[id] == schema.NodeEnd {
			continue
		}
		worst, sum := d0, d0
		common := true
		for _, d := range dists[1:] {
			di, ok := d[id]
			if !ok {
				common = false
				break
			}
			sum += di
			if di > worst {
				worst = di
			}
		}
		if !common {
			continue
		}
		if best == "" || worst < bestMax || (worst == bestMax && sum < bestSum) ||
			(worst == bestMax && sum == bestSum && id < best) {
			best, bestMax, bestSum = id, worst, sum
		}
	}
	return best
}

func distances(from string, adj adjacency) map[string]int {
	dist := map[string]int{from: 0}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range adj[id] {
			if _, ok := dist[t]; !ok {
				dist[t] = dist[id] + 1
				queue = append(queue, t)
			}
		}
	}
	return dist
}

func bfs(roots []string, adj map[string][]string) map[string]bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		seen[r] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, t := range adj[id] {
			if !seen[t] {
				seen[t] = true
				queue = append(queue, t)
			}
		}
	}
	return seen
}

func nodeKinds(def *schema.GraphDefinition) map[string]schema.NodeKind {
	kinds := make(map[string]schema.NodeKind, len(def.Nodes))
	for _, n := range def.Nodes {
		kinds[n.ID] = n.Kind
	}
	return kinds
}
