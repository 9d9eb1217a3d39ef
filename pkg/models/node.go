package models

// NodeKind distinguishes the three families of workflow nodes.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
)

// Node is a single step in a workflow graph. Config is opaque to the graph
// layer and is interpreted by the matcher, handler or evaluator for Type.
type Node struct {
	ID     string         `json:"id"               validate:"required"`
	Kind   NodeKind       `json:"kind"             validate:"required,oneof=trigger action condition"`
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"                  validate:"required"`
	Target       string `json:"target"                  validate:"required"`
	Label        string `json:"label,omitempty"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// BranchLabel is the label used when compiling a condition branch.
func (e *Edge) BranchLabel() string {
	if e.Label != "" {
		return e.Label
	}

	return e.SourceHandle
}
