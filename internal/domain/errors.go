package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages.
var (
	ErrUnsupportedFormat = errors.New("unsupported payload format")
	ErrFileMissing       = errors.New("catalog file missing")
	ErrOracleUnavailable = errors.New("terminology oracle unavailable")
)

// AdapterError reports a malformed payload. The transport surfaces it as
// a 4xx; no partial classification is performed.
type AdapterError struct {
	Format  string `json:"format"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter: %s: %v", e.Format, e.Message, e.Err)
	}
	return fmt.Sprintf("%s adapter: %s", e.Format, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *AdapterError) Unwrap() error { return e.Err }

// NewAdapterError builds an AdapterError for the named format.
func NewAdapterError(format, message string, err error) *AdapterError {
	return &AdapterError{Format: format, Message: message, Err: err}
}

// ViolationKind distinguishes catalog load failures.
type ViolationKind string

const (
	VIOLATION_PARSE    ViolationKind = "ParseError"
	VIOLATION_SCHEMA   ViolationKind = "SchemaViolation"
	VIOLATION_SEMANTIC ViolationKind = "SemanticError"
)

// Violation is one schema or semantic problem found during catalog load.
// Path locates the offending element within the document set.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Path    string        `json:"path"`
	Message string        `json:"message"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	return fmt.Sprintf("%s at %s: %s", v.Kind, v.Path, v.Message)
}

// LoadError aggregates every violation found while loading a catalog.
// Validation never stops at the first problem; callers get the full list.
type LoadError struct {
	Source     string      `json:"source"`
	Violations []Violation `json:"violations"`
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("catalog load failed for %s: %s", e.Source, e.Violations[0].Error())
	}
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("catalog load failed for %s (%d violations): %s",
		e.Source, len(e.Violations), strings.Join(msgs, "; "))
}

// Add appends a violation and returns the receiver for chaining.
func (e *LoadError) Add(kind ViolationKind, path, message string) *LoadError {
	e.Violations = append(e.Violations, Violation{Kind: kind, Path: path, Message: message})
	return e
}

// HasViolations reports whether any violation was recorded.
func (e *LoadError) HasViolations() bool {
	return len(e.Violations) > 0
}

// RuleEvaluationError reports an internal consistency failure during rule
// evaluation. The offending input becomes a REQUIRES_REVIEW result citing
// ErrorID; the transport surfaces a 5xx.
type RuleEvaluationError struct {
	ErrorID string
	RuleID  string
	Message string
}

// Error implements the error interface.
func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule evaluation error %s (rule %s): %s", e.ErrorID, e.RuleID, e.Message)
}
