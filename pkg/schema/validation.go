package schema

import "fmt"

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult aggregates all issues found while validating a definition.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
	// Cycle is the offending dependency cycle, as an ordered list of task
	// IDs, when one was detected.
	Cycle []string `json:"cycle,omitempty"`
	// Layers is the topological layering of an accepted graph, usable for
	// diagnostics. Only set when Valid.
	Layers [][]string `json:"layers,omitempty"`
}

// Valid returns true when no issues were recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// AddIssue appends an issue.
func (r *ValidationResult) AddIssue(path, code, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Code: code, Message: message})
}

// ToError converts the result to an Error if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msg := r.Issues[0].Message
	if len(r.Issues) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Issues))
	}
	code := ErrCodeValidation
	details := map[string]any{"issues": r.Issues}
	if len(r.Cycle) > 0 {
		code = ErrCodeCycleDetected
		details["cycle"] = r.Cycle
	}
	return NewError(code, msg).WithDetails(details)
}
