package alerting

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/traffic"
)

// expressionFilter compiles and caches CEL predicates over error event
// fields. Programs are cached by expression text, so configs sharing a
// predicate share one program.
type expressionFilter struct {
	logger observability.Logger
	env    *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
	warned   map[string]bool
}

// newExpressionFilter creates the CEL environment exposing the event
// fields expressions may reference.
func newExpressionFilter(logger observability.Logger) (*expressionFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("path", cel.StringType),
		cel.Variable("client_ip", cel.StringType),
		cel.Variable("rule_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &expressionFilter{
		logger:   logger,
		env:      env,
		programs: make(map[string]cel.Program),
		warned:   make(map[string]bool),
	}, nil
}

// compile returns the cached program for the expression, compiling it
// on first use.
func (f *expressionFilter) compile(expr string) (cel.Program, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.programs[expr]; ok {
		return p, nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	program, err := f.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}
	f.programs[expr] = program
	return program, nil
}

// match evaluates the expression against an event. An empty expression
// matches everything. Evaluation errors count as a non-match and are
// logged once per expression.
func (f *expressionFilter) match(expr string, ev traffic.ErrorEvent) bool {
	if expr == "" {
		return true
	}
	program, err := f.compile(expr)
	if err != nil {
		// Uncompilable expressions are reported by config validation;
		// here they simply never match.
		return false
	}

	result, _, err := program.Eval(map[string]interface{}{
		"kind":      string(ev.Kind),
		"status":    ev.StatusCode,
		"path":      ev.Path,
		"client_ip": ev.ClientIP,
		"rule_id":   ev.RuleID,
	})
	if err != nil {
		f.warnOnce(expr, err)
		return false
	}

	b, ok := result.Value().(bool)
	return ok && b
}

// warnOnce logs an evaluation error the first time it occurs for an
// expression.
func (f *expressionFilter) warnOnce(expr string, err error) {
	f.mu.Lock()
	seen := f.warned[expr]
	f.warned[expr] = true
	f.mu.Unlock()
	if seen {
		return
	}
	f.logger.Warn("CEL evaluation error",
		observability.String("expression", expr),
		observability.Error(err),
	)
}

// prune drops cached programs for expressions no longer in use.
func (f *expressionFilter) prune(active map[string]bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for expr := range f.programs {
		if !active[expr] {
			delete(f.programs, expr)
			delete(f.warned, expr)
		}
	}
}
