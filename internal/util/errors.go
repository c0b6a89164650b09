// Package util provides shared helpers and error types for the
// routing core.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., CompileError, TransitionError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrTimeout            = errors.New("timeout")
	ErrSuperseded         = errors.New("superseded by newer generation")
	ErrStaleGeneration    = errors.New("stale generation version")
	ErrNoPreviousVersion  = errors.New("no previous generation to roll back to")
	ErrBreakerOpen        = errors.New("engine circuit breaker open")
	ErrNoHealthyTarget    = errors.New("no healthy target")
	ErrUnknownContainer   = errors.New("unknown container")
	ErrUnknownCertificate = errors.New("unknown certificate")
)

// ValidationIssues is the error form of a failed rule validation. It
// carries every issue found so callers can present the full list
// instead of fixing problems one at a time.
type ValidationIssues struct {
	RuleName string
	Issues   []string
}

// Error implements the error interface.
func (e *ValidationIssues) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("rule %q invalid: %s", e.RuleName, e.Issues[0])
	}
	return fmt.Sprintf("rule %q invalid: %d issues: %s",
		e.RuleName, len(e.Issues), strings.Join(e.Issues, "; "))
}

// Is checks if the error matches the target.
func (e *ValidationIssues) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*ValidationIssues)
	return ok
}

// NewValidationIssues creates a ValidationIssues error.
func NewValidationIssues(ruleName string, issues []string) *ValidationIssues {
	return &ValidationIssues{RuleName: ruleName, Issues: issues}
}

// CompileError reports a failure to render one rule into engine
// configuration. It is fatal to the generation being compiled only;
// the previously activated configuration keeps serving.
type CompileError struct {
	RuleID  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("compile rule %s: %s", e.RuleID, e.Message)
	}
	return fmt.Sprintf("compile: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CompileError) Is(target error) bool {
	_, ok := target.(*CompileError)
	return ok || errors.Is(e.Cause, target)
}

// NewCompileError creates a CompileError for a rule.
func NewCompileError(ruleID, message string) *CompileError {
	return &CompileError{RuleID: ruleID, Message: message}
}

// NewCompileErrorWithCause creates a CompileError wrapping a cause.
func NewCompileErrorWithCause(ruleID, message string, cause error) *CompileError {
	return &CompileError{RuleID: ruleID, Message: message, Cause: cause}
}

// TransitionError reports a state transition that the owning state
// machine does not permit, such as resolving an alert twice or
// activating a failed generation.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: illegal transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// Is checks if the error matches the target.
func (e *TransitionError) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*TransitionError)
	return ok
}

// NewTransitionError creates a TransitionError.
func NewTransitionError(entity, id, from, to string) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, From: from, To: to}
}

// NoHealthyTargetError reports that selection found no eligible
// target for a rule.
type NoHealthyTargetError struct {
	RuleID string
}

// Error implements the error interface.
func (e *NoHealthyTargetError) Error() string {
	return fmt.Sprintf("rule %s: no healthy target", e.RuleID)
}

// Is checks if the error matches the target.
func (e *NoHealthyTargetError) Is(target error) bool {
	if target == ErrNoHealthyTarget {
		return true
	}
	_, ok := target.(*NoHealthyTargetError)
	return ok
}

// NewNoHealthyTargetError creates a NoHealthyTargetError.
func NewNoHealthyTargetError(ruleID string) *NoHealthyTargetError {
	return &NoHealthyTargetError{RuleID: ruleID}
}

// ReloadError reports an engine verify or reload failure together
// with the engine's diagnostic output.
type ReloadError struct {
	Step       string
	Diagnostic string
	Cause      error
}

// Error implements the error interface.
func (e *ReloadError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("engine %s failed: %s", e.Step, e.Diagnostic)
	}
	return fmt.Sprintf("engine %s failed", e.Step)
}

// Unwrap returns the underlying error.
func (e *ReloadError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ReloadError) Is(target error) bool {
	_, ok := target.(*ReloadError)
	return ok || errors.Is(e.Cause, target)
}

// NewReloadError creates a ReloadError for an engine control step.
func NewReloadError(step, diagnostic string, cause error) *ReloadError {
	return &ReloadError{Step: step, Diagnostic: diagnostic, Cause: cause}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
