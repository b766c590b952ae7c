package domain

import (
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type WorkflowDefinition struct {
	Name        string           `json:"name" yaml:"name"`
	Version     int64            `json:"version" yaml:"version"`
	Nodes       []NodeDefinition `json:"nodes" yaml:"nodes"`
	Connections []Connection     `json:"connections,omitempty" yaml:"connections,omitempty"`
	Config      WorkflowConfig   `json:"config" yaml:"config"`
}

type NodeDefinition struct {
	ID             string                    `json:"id" yaml:"id"`
	ActionKey      string                    `json:"action_key" yaml:"action_key"`
	Parameters     map[string]ParameterValue `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Retry          *RetrySpec                `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutSeconds int                       `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

type ParameterValue struct {
	Literal interface{}         `json:"literal,omitempty" yaml:"literal,omitempty"`
	Ref     *ParameterReference `json:"ref,omitempty" yaml:"ref,omitempty"`
}

func (p ParameterValue) IsRef() bool {
	return p.Ref != nil
}

type ParameterReference struct {
	SourceNodeID string `json:"source_node_id" yaml:"source_node_id"`
	OutputPath   string `json:"output_path,omitempty" yaml:"output_path,omitempty"`
}

type Connection struct {
	Source    string        `json:"source" yaml:"source"`
	Target    string        `json:"target" yaml:"target"`
	Condition EdgeCondition `json:"condition" yaml:"condition"`
}

type EdgeConditionType string

const (
	EdgeUnconditional EdgeConditionType = "unconditional"
	EdgeOnResultMatch EdgeConditionType = "on_result_match"
	EdgeOnErrorMatch  EdgeConditionType = "on_error_match"
)

type EdgeCondition struct {
	Type    EdgeConditionType `json:"type" yaml:"type"`
	Pattern string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

func Unconditional() EdgeCondition {
	return EdgeCondition{Type: EdgeUnconditional}
}

func OnResultMatch(pattern string) EdgeCondition {
	return EdgeCondition{Type: EdgeOnResultMatch, Pattern: pattern}
}

func OnErrorMatch(pattern string) EdgeCondition {
	return EdgeCondition{Type: EdgeOnErrorMatch, Pattern: pattern}
}

// MatchesPattern reports whether the condition's pattern accepts the given
// string. Patterns without glob metacharacters match as substrings.
func (c EdgeCondition) MatchesPattern(s string) bool {
	if c.Pattern == "" {
		return true
	}
	if strings.ContainsAny(c.Pattern, "*?[") {
		matched, err := path.Match(c.Pattern, s)
		return err == nil && matched
	}
	return strings.Contains(s, c.Pattern)
}

type FailurePolicy string

const (
	FailurePolicyFailFast            FailurePolicy = "fail_fast"
	FailurePolicyContinueIndependent FailurePolicy = "continue_independent"
)

// RetrySpec is the serialized retry override carried by definitions. Zero
// fields inherit from the base policy, delays are written in milliseconds so
// workflow files stay portable.
type RetrySpec struct {
	MaxAttempts int   `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelayMS int64 `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS  int64 `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

func (s RetrySpec) Apply(base RetryConfig) RetryConfig {
	if s.MaxAttempts > 0 {
		base.MaxAttempts = s.MaxAttempts
	}
	if s.BaseDelayMS > 0 {
		base.BaseDelay = time.Duration(s.BaseDelayMS) * time.Millisecond
	}
	if s.MaxDelayMS > 0 {
		base.MaxDelay = time.Duration(s.MaxDelayMS) * time.Millisecond
	}
	return base
}

type WorkflowConfig struct {
	Retry                   RetrySpec     `json:"retry,omitempty" yaml:"retry,omitempty"`
	FailurePolicy           FailurePolicy `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	NodeTimeoutSeconds      int           `json:"node_timeout_seconds,omitempty" yaml:"node_timeout_seconds,omitempty"`
	ExecutionTimeoutSeconds int           `json:"execution_timeout_seconds,omitempty" yaml:"execution_timeout_seconds,omitempty"`
}

func (d *WorkflowDefinition) FindNode(id string) (NodeDefinition, bool) {
	for _, node := range d.Nodes {
		if node.ID == id {
			return node, true
		}
	}
	return NodeDefinition{}, false
}

// EffectiveVersion treats an unset version as the first one so plan cache
// keys stay stable for callers that never bump versions explicitly.
func (d *WorkflowDefinition) EffectiveVersion() int64 {
	if d.Version <= 0 {
		return 1
	}
	return d.Version
}

// EffectiveRetry layers the retry overrides: engine base policy, then the
// workflow's config block, then the node's own spec.
func (d *WorkflowDefinition) EffectiveRetry(node NodeDefinition, base RetryConfig) RetryConfig {
	cfg := d.Config.Retry.Apply(base)
	if node.Retry != nil {
		cfg = node.Retry.Apply(cfg)
	}
	return cfg
}

func (d *WorkflowDefinition) EffectiveNodeTimeout(node NodeDefinition, base time.Duration) time.Duration {
	timeout := base
	if d.Config.NodeTimeoutSeconds > 0 {
		timeout = time.Duration(d.Config.NodeTimeoutSeconds) * time.Second
	}
	if node.TimeoutSeconds > 0 {
		timeout = time.Duration(node.TimeoutSeconds) * time.Second
	}
	return timeout
}

func (d *WorkflowDefinition) EffectiveExecutionTimeout(base time.Duration) time.Duration {
	if d.Config.ExecutionTimeoutSeconds > 0 {
		return time.Duration(d.Config.ExecutionTimeoutSeconds) * time.Second
	}
	return base
}

// EffectiveFailurePolicy falls back to the engine-wide policy when the
// definition does not choose one.
func (d *WorkflowDefinition) EffectiveFailurePolicy(base FailurePolicy) FailurePolicy {
	if d.Config.FailurePolicy != "" {
		return d.Config.FailurePolicy
	}
	if base != "" {
		return base
	}
	return FailurePolicyFailFast
}

func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewSerializationError("definition yaml parse", err)
	}
	applyDefinitionDefaults(&def)
	return &def, nil
}

func LoadDefinition(filePath string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseDefinitionYAML(data)
}

func applyDefinitionDefaults(def *WorkflowDefinition) {
	for i := range def.Connections {
		if def.Connections[i].Condition.Type == "" {
			def.Connections[i].Condition.Type = EdgeUnconditional
		}
	}
}
