package dsl

import (
	"errors"
	"fmt"
	"strings"
)

// Validation rule names surfaced in structural errors.
const (
	RuleDuplicateRef       = "duplicate_ref"
	RuleEntrypoint         = "entrypoint"
	RuleUnknownDependency  = "unknown_dependency"
	RuleUnbalancedScope    = "unbalanced_scope"
	RuleCrossScopeEdge     = "cross_scope_dependency"
	RuleUpwardReference    = "illegal_upward_reference"
	RuleUnsynchronized     = "unsynchronized_branch"
	RuleMultiScopeLoopEnd  = "multi_scope_loop_end_dependency"
	RuleLoopCondition      = "loop_condition_reference"
	RuleDependencyCycle    = "dependency_cycle"
	RuleUnknownTestFixture = "unknown_test_fixture_ref"
)

// ValidationError is the single error kind raised at workflow load time.
// Execution never starts once one is raised.
type ValidationError struct {
	Rule    string
	Refs    []string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Refs) == 0 {
		return fmt.Sprintf("workflow validation failed (%s): %s", e.Rule, e.Message)
	}
	return fmt.Sprintf(
		"workflow validation failed (%s) at %s: %s",
		e.Rule, strings.Join(e.Refs, ", "), e.Message,
	)
}

func newValidationError(rule string, refs []string, format string, args ...any) *ValidationError {
	return &ValidationError{
		Rule:    rule,
		Refs:    refs,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
