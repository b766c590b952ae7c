package engine

import (
	"fmt"
	"sync"

	"github.com/eleven-am/weft/internal/domain"
)

// planCache memoizes validated plans per workflow name and version.
// Planning is pure, so a cached plan is exactly what replanning would
// produce; a bumped definition version takes a fresh cache slot.
type planCache struct {
	mu    sync.RWMutex
	plans map[string]*domain.ExecutionPlan
}

func newPlanCache() *planCache {
	return &planCache{plans: make(map[string]*domain.ExecutionPlan)}
}

func (c *planCache) get(key string) (*domain.ExecutionPlan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	plan, ok := c.plans[key]
	return plan, ok
}

func (c *planCache) put(plan *domain.ExecutionPlan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[plan.CacheKey()] = plan
}

// planFor validates the definition into an execution plan: graph
// construction rejects structural faults, then every node's action key and
// parameters are checked against the registered action metadata.
func (e *Engine) planFor(def *domain.WorkflowDefinition) (*domain.ExecutionPlan, error) {
	key := domain.PlanCacheKey(def.Name, def.EffectiveVersion())
	if plan, ok := e.plans.get(key); ok {
		return plan, nil
	}

	graph, err := domain.BuildGraph(def)
	if err != nil {
		return nil, err
	}
	if err := e.validateActions(def); err != nil {
		return nil, err
	}

	plan := domain.NewExecutionPlan(graph, e.config.Retry, e.config.Engine.NodeExecutionTimeout)
	e.plans.put(plan)
	e.logger.Debug("plan built",
		"workflow", def.Name,
		"version", def.EffectiveVersion(),
		"levels", len(plan.Levels),
		"nodes", plan.NodeCount())
	return plan, nil
}

func (e *Engine) validateActions(def *domain.WorkflowDefinition) error {
	for _, node := range def.Nodes {
		metadata, err := e.actions.Resolve(node.ActionKey)
		if err != nil {
			return domain.NewPlanValidationError(
				fmt.Sprintf("node %s references unknown action %q", node.ID, node.ActionKey),
				map[string]string{"node": node.ID, "action": node.ActionKey})
		}

		for name := range node.Parameters {
			if !metadata.Accepts(name) {
				return domain.NewPlanValidationError(
					fmt.Sprintf("node %s passes parameter %q not accepted by action %q", node.ID, name, node.ActionKey),
					map[string]string{"node": node.ID, "parameter": name})
			}
		}
		for _, required := range metadata.RequiredParameters() {
			if _, ok := node.Parameters[required]; !ok {
				return domain.NewPlanValidationError(
					fmt.Sprintf("node %s is missing required parameter %q of action %q", node.ID, required, node.ActionKey),
					map[string]string{"node": node.ID, "parameter": required})
			}
		}
	}
	return nil
}
