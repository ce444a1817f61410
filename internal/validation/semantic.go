package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// compilers bundles the expression compilers the semantic pass checks against.
type compilers struct {
	conditions *expressions.ConditionEvaluator
	templates  *expressions.Interpolator
	mappings   *expressions.OutputMapper
}

// validateSemantic checks ids, edge endpoints, start/end shape, edge tags and
// every kind-specific config. It assumes the structural pass succeeded.
func validateSemantic(def *schema.GraphDefinition, c compilers) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := nodes[n.ID]; dup {
			result.AddErrorf(nodePath(n.ID), schema.IssueDuplicateID, "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
	}

	edgeIDs := make(map[string]bool, len(def.Edges))
	outgoing := make(map[string][]*schema.Edge)
	incoming := make(map[string]int)
	for i := range def.Edges {
		e := &def.Edges[i]
		path := edgePath(e.ID)
		if edgeIDs[e.ID] {
			result.AddErrorf(path, schema.IssueDuplicateID, "duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = true

		dangling := false
		if _, ok := nodes[e.SourceNodeID]; !ok {
			result.AddErrorf(path+".sourceNodeId", schema.IssueDanglingEdge, "source node %q does not exist", e.SourceNodeID)
			dangling = true
		}
		if _, ok := nodes[e.TargetNodeID]; !ok {
			result.AddErrorf(path+".targetNodeId", schema.IssueDanglingEdge, "target node %q does not exist", e.TargetNodeID)
			dangling = true
		}
		if dangling {
			continue
		}
		outgoing[e.SourceNodeID] = append(outgoing[e.SourceNodeID], e)
		incoming[e.TargetNodeID]++
	}

	starts, ends := 0, 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		switch n.Kind {
		case schema.NodeStart:
			starts++
			if incoming[n.ID] > 0 {
				result.AddErrorf(nodePath(n.ID), schema.IssueStartNode, "start node %q has incoming edges", n.ID)
			}
		case schema.NodeEnd:
			ends++
			if len(outgoing[n.ID]) > 0 {
				result.AddErrorf(nodePath(n.ID), schema.IssueEndNode, "end node %q has outgoing edges", n.ID)
			}
		}
	}
	if starts != 1 {
		result.AddErrorf("nodes", schema.IssueStartNode, "graph must have exactly one start node, found %d", starts)
	}
	if ends == 0 {
		result.AddError("nodes", schema.IssueEndNode, "graph must have at least one end node")
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if nodes[n.ID] != n {
			continue
		}
		validateEdgeTags(n, outgoing[n.ID], result)
		validateNodeConfig(def, n, nodes, outgoing[n.ID], c, result)
	}

	return result
}

// allowedTags returns the edge tags a node kind may emit. nil means any tag
// is allowed and the kind validates its own tags.
func allowedTags(kind schema.NodeKind) map[string]bool {
	switch kind {
	case schema.NodeStart:
		return map[string]bool{"": true}
	case schema.NodeTask, schema.NodeAIAgent:
		return map[string]bool{"": true, schema.TagError: true}
	case schema.NodeApproval:
		return map[string]bool{
			"": true, schema.TagError: true, schema.TagExpired: true,
			schema.TagApproved: true, schema.TagRejected: true,
		}
	case schema.NodeConditional:
		return map[string]bool{schema.TagTrue: true, schema.TagFalse: true}
	}
	return nil
}

func validateEdgeTags(n *schema.Node, out []*schema.Edge, result *schema.ValidationResult) {
	allowed := allowedTags(n.Kind)
	perTag := map[string]int{}
	for _, e := range out {
		perTag[e.BranchTag]++
		if allowed != nil && !allowed[e.BranchTag] {
			result.AddErrorf(edgePath(e.ID)+".branchTag", schema.IssueEdgeTag,
				"edge tag %q is not valid on a %s node", e.BranchTag, n.Kind)
		}
	}
	for _, tag := range []string{schema.TagError, schema.TagExpired} {
		if perTag[tag] > 1 {
			result.AddErrorf(nodePath(n.ID), schema.IssueEdgeTag, "node %q has %d %q edges, at most one allowed", n.ID, perTag[tag], tag)
		}
	}
}

func validateNodeConfig(def *schema.GraphDefinition, n *schema.Node, nodes map[string]*schema.Node, out []*schema.Edge, c compilers, result *schema.ValidationResult) {
	path := nodePath(n.ID) + ".config"

	switch n.Kind {
	case schema.NodeTask:
		cfg, err := schema.DecodeConfig[schema.TaskConfig](n)
		if err != nil {
			result.AddError(path, schema.IssueConfig, err.Error())
			return
		}
		validateRetryPolicy(path+".retryPolicy", cfg.RetryPolicy, result)
		errs := c.templates.CompileValue(path+".params", cfg.Params)
		for _, p := range sortedKeys(errs) {
			result.AddError(p, schema.IssueConfig, errs[p].Error())
		}
		validateOutputMapping(path+".outputMapping", cfg.OutputMapping, c, result)

	case schema.NodeAIAgent:
		cfg, err := schema.DecodeConfig[schema.AIAgentConfig](n)
		if err != nil {
			result.AddError(path, schema.IssueConfig, err.Error())
			return
		}
		validateRetryPolicy(path+".retryPolicy", cfg.RetryPolicy, result)
		if _, err := c.templates.Compile(cfg.Prompt); err != nil {
			result.AddError(path+".prompt", schema.IssueConfig, err.Error())
		}
		validateOutputMapping(path+".outputMapping", cfg.OutputMapping, c, result)

	case schema.NodeApproval:
		cfg, err := schema.DecodeConfig[schema.ApprovalConfig](n)
		if err != nil {
			result.AddError(path, schema.IssueConfig, err.Error())
			return
		}
		validateApproval(def, path, cfg, c, result)

	case schema.NodeConditional:
		cfg, err := schema.DecodeConfig[schema.ConditionalConfig](n)
		if err != nil {
			result.AddError(path, schema.IssueConfig, err.Error())
			return
		}
		validateConditional(def, n, path, cfg, out, c, result)

	case schema.NodeParallel:
		cfg, err := schema.DecodeConfig[schema.ParallelConfig](n)
		if err != nil {
			result.AddError(path, schema.IssueConfig, err.Error())
			return
		}
		validateParallel(n, path, cfg, nodes, out, result)
	}
}

func validateRetryPolicy(path string, p *schema.RetryPolicy, result *schema.ValidationResult) {
	if p == nil {
		return
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.RetryDelay {
		result.AddErrorf(path+".maxDelay", schema.IssueConfig,
			"maxDelay (%gs) is shorter than retryDelay (%gs)", p.MaxDelay, p.RetryDelay)
	}
	if p.MaxRetries > 10 {
		result.AddWarning(path+".maxRetries", schema.IssueConfig,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.MaxRetries))
	}
}

func validateOutputMapping(path string, mapping map[string]string, c compilers, result *schema.ValidationResult) {
	for _, name := range sortedKeys(mapping) {
		if _, err := c.mappings.Compile(mapping[name]); err != nil {
			result.AddError(path+"."+name, schema.IssueConfig, err.Error())
		}
	}
}

func validateApproval(def *schema.GraphDefinition, path string, cfg *schema.ApprovalConfig, c compilers, result *schema.ValidationResult) {
	seen := map[string]bool{}
	for i, a := range cfg.Approvers {
		if seen[a] {
			result.AddErrorf(fmt.Sprintf("%s.approvers[%d]", path, i), schema.IssueConfig, "approver %q listed twice", a)
		}
		seen[a] = true
	}

	if esc := cfg.Escalation; esc != nil && esc.Enabled {
		if len(esc.EscalateTo) == 0 {
			result.AddError(path+".escalation.escalateTo", schema.IssueConfig, "escalation requires at least one escalateTo approver")
		}
		if esc.EscalateAfterHours <= 0 {
			result.AddError(path+".escalation.escalateAfterHours", schema.IssueConfig, "escalateAfterHours must be positive")
		}
		if cfg.DueInHours > 0 && esc.EscalateAfterHours >= cfg.DueInHours {
			result.AddWarning(path+".escalation.escalateAfterHours", schema.IssueConfig,
				"escalation fires after the request expires")
		}
	}

	if auto := cfg.AutoApprove; auto != nil {
		for i, cond := range auto.Conditions {
			p := fmt.Sprintf("%s.autoApprove.conditions[%d]", path, i)
			compiled, err := c.conditions.Compile(cond)
			if err != nil {
				result.AddError(p, schema.IssueConditionSyntax, err.Error())
				continue
			}
			warnUndeclared(def, p, compiled, result)
		}
	}
}

func validateConditional(def *schema.GraphDefinition, n *schema.Node, path string, cfg *schema.ConditionalConfig, out []*schema.Edge, c compilers, result *schema.ValidationResult) {
	compiled, err := c.conditions.Compile(cfg.Condition)
	if err != nil {
		result.AddError(path+".condition", schema.IssueConditionSyntax, err.Error())
	} else {
		warnUndeclared(def, path+".condition", compiled, result)
	}

	byTag := map[string]*schema.Edge{}
	for _, e := range out {
		byTag[e.BranchTag] = e
	}
	if len(out) != 2 || byTag[schema.TagTrue] == nil || byTag[schema.TagFalse] == nil {
		result.AddErrorf(nodePath(n.ID), schema.IssueConditionalEdges,
			"conditional node %q needs exactly one true and one false edge", n.ID)
		return
	}
	if cfg.TrueEdgeID != "" && cfg.TrueEdgeID != byTag[schema.TagTrue].ID {
		result.AddErrorf(path+".trueEdgeId", schema.IssueConditionalEdges,
			"trueEdgeId %q does not name the edge tagged true", cfg.TrueEdgeID)
	}
	if cfg.FalseEdgeID != "" && cfg.FalseEdgeID != byTag[schema.TagFalse].ID {
		result.AddErrorf(path+".falseEdgeId", schema.IssueConditionalEdges,
			"falseEdgeId %q does not name the edge tagged false", cfg.FalseEdgeID)
	}
}

func validateParallel(n *schema.Node, path string, cfg *schema.ParallelConfig, nodes map[string]*schema.Node, out []*schema.Edge, result *schema.ValidationResult) {
	branchIDs := map[string]bool{}
	for i, b := range cfg.Branches {
		bp := fmt.Sprintf("%s.branches[%d]", path, i)
		if branchIDs[b.ID] {
			result.AddErrorf(bp+".id", schema.IssueParallelBranch, "duplicate branch id %q", b.ID)
		}
		branchIDs[b.ID] = true

		if b.ID == schema.TagError {
			result.AddErrorf(bp+".id", schema.IssueParallelBranch, "branch id %q is reserved", b.ID)
		}
		if _, ok := nodes[b.TargetNodeID]; !ok {
			result.AddErrorf(bp+".targetNodeId", schema.IssueParallelBranch, "branch target %q does not exist", b.TargetNodeID)
			continue
		}
		matched := false
		for _, e := range out {
			if e.BranchTag == b.ID && e.TargetNodeID == b.TargetNodeID {
				matched = true
				break
			}
		}
		if !matched {
			result.AddErrorf(bp, schema.IssueParallelBranch,
				"branch %q needs an edge from %q to %q tagged %q", b.ID, n.ID, b.TargetNodeID, b.ID)
		}
	}

	for _, e := range out {
		if e.BranchTag != schema.TagError && !branchIDs[e.BranchTag] {
			result.AddErrorf(edgePath(e.ID)+".branchTag", schema.IssueEdgeTag,
				"parallel edge tag %q does not name a branch", e.BranchTag)
		}
	}

	if cfg.JoinNodeID != "" {
		join, ok := nodes[cfg.JoinNodeID]
		switch {
		case !ok:
			result.AddErrorf(path+".joinNodeId", schema.IssueParallelBranch, "join node %q does not exist", cfg.JoinNodeID)
		case join.Kind == schema.NodeStart || cfg.JoinNodeID == n.ID:
			result.AddErrorf(path+".joinNodeId", schema.IssueParallelBranch, "node %q cannot be a join node", cfg.JoinNodeID)
		}
	}
}

// warnUndeclared flags condition roots missing from a non-empty variableSchema.
func warnUndeclared(def *schema.GraphDefinition, path string, c *expressions.Condition, result *schema.ValidationResult) {
	if len(def.VariableSchema) == 0 {
		return
	}
	for _, root := range c.Roots {
		if _, ok := def.VariableSchema[root]; !ok {
			result.AddWarning(path, schema.IssueUndeclaredVar,
				fmt.Sprintf("variable %q is not declared in variableSchema", root))
		}
	}
}

func nodePath(id string) string { return "nodes[" + id + "]" }
func edgePath(id string) string { return "edges[" + id + "]" }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
