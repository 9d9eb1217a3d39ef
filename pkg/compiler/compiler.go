// Package compiler validates workflow graphs and compiles them into state machines.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/convoflow/pkg/condition"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

// MaxRecommendedNodes is the size above which a performance warning is raised.
const MaxRecommendedNodes = 50

var ErrMalformedGraph = errors.New("malformed workflow graph")

// ActionCatalog is the compiler's view of the action handler registry.
type ActionCatalog interface {
	Schema(actionType string) (map[string]any, bool)
	ValidateConfig(actionType string, config map[string]any) (models.ValidationResult, bool)
}

// Compiler is safe for concurrent use.
type Compiler struct {
	logger  *slog.Logger
	actions ActionCatalog

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// New creates a compiler. actions may be nil, in which case only the
// built-in action schemas are known.
func New(log *slog.Logger, actions ActionCatalog) *Compiler {
	return &Compiler{
		logger:  log.With("module", "compiler"),
		actions: actions,
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Validate runs every rule and collects all findings.
func (c *Compiler) Validate(graph *models.Graph) models.ValidationResult {
	result := models.ValidationResult{IsValid: true, Errors: []models.ValidationIssue{}, Warnings: []models.ValidationIssue{}}

	if graph == nil || len(graph.Nodes) == 0 {
		result.AddError(models.ValidationIssue{
			Code:    models.IssueInvalidStructure,
			Message: "workflow graph must contain at least one node",
		})

		return result
	}

	nodes := c.checkNodeIdentity(graph, &result)

	triggers := graph.NodesOfKind(models.NodeKindTrigger)
	if len(triggers) == 0 {
		result.AddError(models.ValidationIssue{
			Code:    models.IssueMissingTrigger,
			Message: "workflow must contain at least one trigger node",
		})
	}

	c.checkConnectivity(graph, triggers, &result)

	for _, node := range graph.Nodes {
		if node == nil {
			continue
		}

		result.Merge(c.ValidateNode(node))
	}

	c.checkEdges(graph, nodes, &result)

	if len(graph.Nodes) > MaxRecommendedNodes {
		result.AddWarning(models.ValidationIssue{
			Code:    models.IssuePerformance,
			Message: fmt.Sprintf("workflow has %d nodes; more than %d may slow down execution", len(graph.Nodes), MaxRecommendedNodes),
		})
	}

	return result
}

func (c *Compiler) checkNodeIdentity(graph *models.Graph, result *models.ValidationResult) map[string]*models.Node {
	nodes := make(map[string]*models.Node, len(graph.Nodes))

	for i, node := range graph.Nodes {
		switch {
		case node == nil || node.ID == "":
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidStructure,
				Message: fmt.Sprintf("node at position %d has no id", i),
			})

			continue
		case node.ID == models.StateIdle || node.ID == models.StateCompleted || node.ID == models.StateFailed:
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidStructure,
				Message: fmt.Sprintf("node id %q is reserved", node.ID),
				NodeID:  node.ID,
			})
		case nodes[node.ID] != nil:
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidStructure,
				Message: fmt.Sprintf("duplicate node id %q", node.ID),
				NodeID:  node.ID,
			})

			continue
		}

		if node.Kind != models.NodeKindTrigger && node.Kind != models.NodeKindAction && node.Kind != models.NodeKindCondition {
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidStructure,
				Message: fmt.Sprintf("node %q has unknown kind %q", node.ID, node.Kind),
				NodeID:  node.ID,
			})
		}

		nodes[node.ID] = node
	}

	return nodes
}

func (c *Compiler) checkConnectivity(graph *models.Graph, triggers []*models.Node, result *models.ValidationResult) {
	referenced := make(map[string]bool)
	adjacency := make(map[string][]string)

	for _, edge := range graph.Edges {
		if edge == nil {
			continue
		}

		referenced[edge.Source] = true
		referenced[edge.Target] = true
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	reachable := make(map[string]bool)
	queue := make([]string, 0, len(triggers))

	for _, trigger := range triggers {
		reachable[trigger.ID] = true
		queue = append(queue, trigger.ID)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range adjacency[current] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, node := range graph.Nodes {
		if node == nil || node.ID == "" || node.Kind == models.NodeKindTrigger {
			continue
		}

		switch {
		case !referenced[node.ID]:
			result.AddError(models.ValidationIssue{
				Code:    models.IssueOrphanedNode,
				Message: fmt.Sprintf("node %q is not connected to the workflow", node.ID),
				NodeID:  node.ID,
			})
		case !reachable[node.ID]:
			result.AddWarning(models.ValidationIssue{
				Code:    models.IssueUnreachableNode,
				Message: fmt.Sprintf("node %q cannot be reached from any trigger", node.ID),
				NodeID:  node.ID,
			})
		}
	}
}

func (c *Compiler) checkEdges(graph *models.Graph, nodes map[string]*models.Node, result *models.ValidationResult) {
	for i, edge := range graph.Edges {
		if edge == nil {
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidConnection,
				Message: fmt.Sprintf("edge at position %d is empty", i),
			})

			continue
		}

		source, target := nodes[edge.Source], nodes[edge.Target]

		switch {
		case source == nil || target == nil:
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidConnection,
				Message: fmt.Sprintf("edge %q references unknown node (%s -> %s)", edge.ID, edge.Source, edge.Target),
				EdgeID:  edge.ID,
			})
		case source.Kind == models.NodeKindAction && target.Kind == models.NodeKindTrigger:
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidConnection,
				Message: fmt.Sprintf("edge %q connects action %q to trigger %q", edge.ID, source.ID, target.ID),
				EdgeID:  edge.ID,
			})
		}
	}
}

// ValidateNode checks a single node's type and configuration.
func (c *Compiler) ValidateNode(node *models.Node) models.ValidationResult {
	result := models.ValidationResult{IsValid: true}

	switch node.Kind {
	case models.NodeKindTrigger:
		subType, ok := models.ResolveTriggerType(node.Type)
		if !ok {
			result.AddError(models.ValidationIssue{
				Code:    models.IssueUnknownTrigger,
				Message: fmt.Sprintf("trigger node %q has unknown type %q", node.ID, node.Type),
				NodeID:  node.ID,
			})

			return result
		}

		schema, ok := triggerSchemas[subType]
		if !ok && models.IsSentimentType(subType) {
			schema, ok = sentimentFamilySchema, true
		}

		if ok {
			c.validateSchema("trigger:"+subType, schema, node, &result)
		}
	case models.NodeKindAction:
		c.validateAction(node, &result)
	case models.NodeKindCondition:
		expr, _ := node.Config["expression"].(string)
		if strings.TrimSpace(expr) == "" {
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidConfig,
				Message: fmt.Sprintf("condition node %q requires an expression", node.ID),
				NodeID:  node.ID,
			})

			return result
		}

		if _, err := condition.Parse(expr); err != nil {
			result.AddError(models.ValidationIssue{
				Code:    models.IssueInvalidConfig,
				Message: fmt.Sprintf("condition node %q: %v", node.ID, err),
				NodeID:  node.ID,
			})
		}
	}

	return result
}

func (c *Compiler) validateAction(node *models.Node, result *models.ValidationResult) {
	var (
		schema map[string]any
		known  bool
	)

	if c.actions != nil {
		schema, known = c.actions.Schema(node.Type)
	}

	if !known {
		schema, known = actionSchemas[node.Type]
	}

	if !known {
		result.AddWarning(models.ValidationIssue{
			Code:    models.IssueUnknownAction,
			Message: fmt.Sprintf("action node %q has type %q with no registered handler", node.ID, node.Type),
			NodeID:  node.ID,
		})

		return
	}

	if schema != nil {
		c.validateSchema("action:"+node.Type, schema, node, result)
	}

	if c.actions != nil {
		if extra, ok := c.actions.ValidateConfig(node.Type, node.Config); ok {
			for i := range extra.Errors {
				if extra.Errors[i].NodeID == "" {
					extra.Errors[i].NodeID = node.ID
				}
			}

			result.Merge(extra)
		}
	}
}

func (c *Compiler) validateSchema(key string, schemaDoc map[string]any, node *models.Node, result *models.ValidationResult) {
	schema, err := c.schema(key, schemaDoc)
	if err != nil {
		c.logger.Error("Invalid config schema", "schema", key, "error", err)

		return
	}

	config := node.Config
	if config == nil {
		config = map[string]any{}
	}

	validation, err := schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		result.AddError(models.ValidationIssue{
			Code:    models.IssueInvalidConfig,
			Message: fmt.Sprintf("node %q config could not be validated: %v", node.ID, err),
			NodeID:  node.ID,
		})

		return
	}

	if validation.Valid() {
		return
	}

	messages := make([]string, 0, len(validation.Errors()))
	for _, desc := range validation.Errors() {
		messages = append(messages, desc.String())
	}

	sort.Strings(messages)

	for _, msg := range messages {
		result.AddError(models.ValidationIssue{
			Code:    models.IssueInvalidConfig,
			Message: fmt.Sprintf("node %q: %s", node.ID, msg),
			NodeID:  node.ID,
		})
	}
}

func (c *Compiler) schema(key string, doc map[string]any) (*gojsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.schemas[key]; ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, err
	}

	c.schemas[key] = s

	return s, nil
}
