package schema

import (
	"fmt"
	"strings"
)

// Issue codes reported by the graph validator. Every issue is wrapped into a
// single VALIDATION_ERROR by ValidationResult.ToError.
const (
	IssueSchema           = "SCHEMA"
	IssueDuplicateID      = "DUPLICATE_ID"
	IssueDanglingEdge     = "DANGLING_EDGE"
	IssueStartNode        = "START_NODE"
	IssueEndNode          = "END_NODE"
	IssueUnreachable      = "UNREACHABLE"
	IssueNoEnd            = "NO_PATH_TO_END"
	IssueCycle            = "CYCLE"
	IssueConditionalEdges = "CONDITIONAL_EDGES"
	IssueConditionSyntax  = "CONDITION_SYNTAX"
	IssueParallelBranch   = "PARALLEL_BRANCH"
	IssueEdgeTag          = "EDGE_TAG"
	IssueConfig           = "CONFIG"
	IssueUndeclaredVar    = "UNDECLARED_VARIABLE"
	IssueVariableSchema   = "VARIABLE_SCHEMA"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates every issue found while validating a graph.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddErrorf appends an error-severity issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether any error carries the given issue code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// ToError converts the result into a VALIDATION_ERROR listing every error, or
// nil when the result is valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		parts := make([]string, 0, len(r.Errors))
		for _, issue := range r.Errors {
			parts = append(parts, issue.Path+": "+issue.Message)
		}
		msg = fmt.Sprintf("graph has %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
