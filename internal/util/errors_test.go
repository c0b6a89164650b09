package util

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidationIssues_Error(t *testing.T) {
	t.Parallel()

	single := NewValidationIssues("web", []string{"name is required"})
	assert.Contains(t, single.Error(), "web")
	assert.Contains(t, single.Error(), "name is required")

	multi := NewValidationIssues("web", []string{"a", "b"})
	assert.Contains(t, multi.Error(), "2 issues")
}

func TestValidationIssues_Is(t *testing.T) {
	t.Parallel()

	err := NewValidationIssues("web", []string{"port out of range"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	var vi *ValidationIssues
	assert.ErrorAs(t, fmt.Errorf("add: %w", err), &vi)
	assert.Len(t, vi.Issues, 1)
}

func TestCompileError(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := NewCompileErrorWithCause("r-1", "unresolvable target", cause)

	assert.Contains(t, err.Error(), "r-1")
	assert.ErrorIs(t, err, cause)

	var ce *CompileError
	assert.ErrorAs(t, fmt.Errorf("compile: %w", err), &ce)
	assert.Equal(t, "r-1", ce.RuleID)
}

func TestCompileError_NoRuleID(t *testing.T) {
	t.Parallel()

	err := NewCompileError("", "empty rule set snapshot")
	assert.Equal(t, "compile: empty rule set snapshot", err.Error())
}

func TestTransitionError(t *testing.T) {
	t.Parallel()

	err := NewTransitionError("alert", "a-7", "RESOLVED", "ACKNOWLEDGED")
	assert.Contains(t, err.Error(), "RESOLVED -> ACKNOWLEDGED")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNoHealthyTargetError(t *testing.T) {
	t.Parallel()

	err := NewNoHealthyTargetError("r-9")
	assert.ErrorIs(t, err, ErrNoHealthyTarget)
	assert.Contains(t, err.Error(), "r-9")
}

func TestReloadError(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	err := NewReloadError("verify", "unexpected directive on line 4", cause)

	assert.Contains(t, err.Error(), "verify")
	assert.Contains(t, err.Error(), "line 4")
	assert.ErrorIs(t, err, cause)
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WrapError(nil, "context"))

	wrapped := WrapError(ErrNotFound, "lookup rule")
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Contains(t, wrapped.Error(), "lookup rule")
}

func TestFakeClock(t *testing.T) {
	t.Parallel()

	c := &FakeClock{T: time.Unix(1000, 0)}
	c.Advance(5 * time.Second)
	assert.Equal(t, time.Unix(1005, 0), c.Now())
}
