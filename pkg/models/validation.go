package models

// Validation issue codes.
const (
	IssueInvalidStructure  = "INVALID_STRUCTURE"
	IssueMissingTrigger    = "MISSING_TRIGGER"
	IssueOrphanedNode      = "ORPHANED_NODE"
	IssueUnreachableNode   = "UNREACHABLE_NODE"
	IssueInvalidConfig     = "INVALID_CONFIG"
	IssueUnknownTrigger    = "UNKNOWN_TRIGGER_TYPE"
	IssueUnknownAction     = "UNKNOWN_ACTION_TYPE"
	IssueInvalidConnection = "INVALID_CONNECTION"
	IssuePerformance       = "PERFORMANCE"
)

// ValidationIssue is one finding of the graph validator.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
}

// ValidationResult collects every error and warning found in a graph.
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// AddError appends an error and marks the result invalid.
func (r *ValidationResult) AddError(issue ValidationIssue) {
	r.Errors = append(r.Errors, issue)
	r.IsValid = false
}

// AddWarning appends a warning.
func (r *ValidationResult) AddWarning(issue ValidationIssue) {
	r.Warnings = append(r.Warnings, issue)
}

// Merge folds another result into r.
func (r *ValidationResult) Merge(other ValidationResult) {
	for _, e := range other.Errors {
		r.AddError(e)
	}

	r.Warnings = append(r.Warnings, other.Warnings...)
}
