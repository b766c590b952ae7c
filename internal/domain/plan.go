package domain

import (
	"fmt"
	"time"
)

// ExecutionPlan is the precomputed execution order for one definition
// version: an ordered list of levels, each holding nodes that share no edge
// and are safe to run concurrently once every earlier level is terminal.
type ExecutionPlan struct {
	WorkflowName      string      `json:"workflow_name"`
	DefinitionVersion int64       `json:"definition_version"`
	Levels            []PlanLevel `json:"levels"`
}

type PlanLevel struct {
	Index int        `json:"index"`
	Nodes []PlanNode `json:"nodes"`
}

// PlanNode carries everything the orchestrator needs to run one node:
// action key, parameter values with their reference sources, the incoming
// edges whose conditions gate the node, and the effective retry budget.
type PlanNode struct {
	ID         string                    `json:"id"`
	ActionKey  string                    `json:"action_key"`
	Parameters map[string]ParameterValue `json:"parameters,omitempty"`
	Incoming   []Connection              `json:"incoming,omitempty"`
	Retry      RetryConfig               `json:"retry"`
	Timeout    time.Duration             `json:"timeout,omitempty"`
}

// NewExecutionPlan derives the plan from a validated graph, resolving each
// node's retry budget and timeout against the engine-wide base values. Pure:
// the same graph and bases always yield the same plan.
func NewExecutionPlan(g *DependencyGraph, baseRetry RetryConfig, baseNodeTimeout time.Duration) *ExecutionPlan {
	def := g.Definition()
	levels := g.Levels()

	plan := &ExecutionPlan{
		WorkflowName:      def.Name,
		DefinitionVersion: def.EffectiveVersion(),
		Levels:            make([]PlanLevel, 0, len(levels)),
	}

	for index, ids := range levels {
		level := PlanLevel{Index: index, Nodes: make([]PlanNode, 0, len(ids))}
		for _, id := range ids {
			node, _ := g.Node(id)
			level.Nodes = append(level.Nodes, PlanNode{
				ID:         id,
				ActionKey:  node.ActionKey,
				Parameters: node.Parameters,
				Incoming:   g.Incoming(id),
				Retry:      def.EffectiveRetry(node, baseRetry),
				Timeout:    def.EffectiveNodeTimeout(node, baseNodeTimeout),
			})
		}
		plan.Levels = append(plan.Levels, level)
	}
	return plan
}

func (p *ExecutionPlan) CacheKey() string {
	return PlanCacheKey(p.WorkflowName, p.DefinitionVersion)
}

func PlanCacheKey(name string, version int64) string {
	return fmt.Sprintf("%s@v%d", name, version)
}

func (p *ExecutionPlan) NodeCount() int {
	count := 0
	for _, level := range p.Levels {
		count += len(level.Nodes)
	}
	return count
}

func (p *ExecutionPlan) FindNode(id string) (PlanNode, int, bool) {
	for _, level := range p.Levels {
		for _, node := range level.Nodes {
			if node.ID == id {
				return node, level.Index, true
			}
		}
	}
	return PlanNode{}, -1, false
}
