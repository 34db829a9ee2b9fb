// Package condition evaluates branch conditions against a contact
// snapshot. The evaluator is pure: it never mutates state and never
// performs I/O, so a retried condition step always reproduces the same
// branch decision.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/relaycrm/campaign-engine/pkg/types"
)

// Evaluator evaluates condition clauses. Expression clauses are compiled
// once and cached for reuse across enrollments.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 4096).
	MaxExpressionLength int
}

// NewEvaluator creates a condition evaluator with an empty expression cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Evaluate runs all clauses against the contact snapshot and enrollment
// context. Clauses are evaluated in declaration order; each clause's
// logical operator combines its result with the running value, so there
// is no implicit precedence between AND and OR.
func (e *Evaluator) Evaluate(clauses []types.Clause, snap *types.ContactSnapshot, enrCtx map[string]any) (bool, error) {
	if len(clauses) == 0 {
		return false, fmt.Errorf("condition has no clauses")
	}
	result, err := e.evalClause(clauses[0], snap, enrCtx)
	if err != nil {
		return false, err
	}
	for _, c := range clauses[1:] {
		// Short-circuit: an AND that is already false and an OR that
		// is already true cannot change.
		if c.LogicalOperator == types.LogicalOr && result {
			continue
		}
		if c.LogicalOperator != types.LogicalOr && !result {
			continue
		}
		v, err := e.evalClause(c, snap, enrCtx)
		if err != nil {
			return false, err
		}
		if c.LogicalOperator == types.LogicalOr {
			result = result || v
		} else {
			result = result && v
		}
	}
	return result, nil
}

func (e *Evaluator) evalClause(c types.Clause, snap *types.ContactSnapshot, enrCtx map[string]any) (bool, error) {
	switch c.Source {
	case types.SourceTag:
		has := snap.HasTag(c.Field)
		switch c.Op {
		case types.OpEquals, types.OpContains, types.OpIsNotEmpty:
			return has, nil
		case types.OpNotEquals, types.OpNotContains, types.OpIsEmpty:
			return !has, nil
		}
		return false, fmt.Errorf("operator %q not valid for tag clauses", c.Op)
	case types.SourceCustomField:
		v, ok := snap.CustomFields[c.Field]
		return compare(v, ok, c.Op, c.Value)
	case types.SourceLastMessageAt:
		if snap.LastMessageAt == nil {
			return compare(nil, false, c.Op, c.Value)
		}
		return compare(*snap.LastMessageAt, true, c.Op, c.Value)
	case types.SourceStatus:
		return compare(snap.Status, snap.Status != "", c.Op, c.Value)
	case types.SourceSource:
		return compare(snap.Source, snap.Source != "", c.Op, c.Value)
	case types.SourceExpression:
		return e.evalExpression(c.Expression, snap, enrCtx)
	}
	return false, fmt.Errorf("unknown clause source %q", c.Source)
}

// compare applies an operator to a field value. present reports whether
// the field exists at all; an absent field is empty and never equal to,
// containing, or ordered against anything.
func compare(v any, present bool, op types.Operator, want string) (bool, error) {
	switch op {
	case types.OpIsEmpty:
		return !present || isEmpty(v), nil
	case types.OpIsNotEmpty:
		return present && !isEmpty(v), nil
	}
	if !present {
		switch op {
		case types.OpNotEquals, types.OpNotContains:
			return true, nil
		}
		return false, nil
	}
	switch op {
	case types.OpEquals:
		return asString(v) == want, nil
	case types.OpNotEquals:
		return asString(v) != want, nil
	case types.OpContains:
		s, ok := v.(string)
		if !ok {
			// Containment is only defined for strings.
			return false, nil
		}
		return strings.Contains(s, want), nil
	case types.OpNotContains:
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		return !strings.Contains(s, want), nil
	case types.OpGreaterThan:
		return ordered(v, want, func(cmp int) bool { return cmp > 0 })
	case types.OpLessThan:
		return ordered(v, want, func(cmp int) bool { return cmp < 0 })
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

// ordered compares v against want numerically when both sides parse as
// numbers, as timestamps when v is a time, and lexically otherwise.
func ordered(v any, want string, test func(int) bool) (bool, error) {
	switch t := v.(type) {
	case time.Time:
		w, err := time.Parse(time.RFC3339, want)
		if err != nil {
			return false, fmt.Errorf("parse comparison timestamp %q: %w", want, err)
		}
		return test(t.Compare(w)), nil
	case float64:
		w, err := strconv.ParseFloat(want, 64)
		if err != nil {
			return false, nil
		}
		return test(cmpFloat(t, w)), nil
	case string:
		if lv, err1 := strconv.ParseFloat(t, 64); err1 == nil {
			if w, err2 := strconv.ParseFloat(want, 64); err2 == nil {
				return test(cmpFloat(lv, w)), nil
			}
		}
		return test(strings.Compare(t, want)), nil
	}
	return false, nil
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (e *Evaluator) evalExpression(expression string, snap *types.ContactSnapshot, enrCtx map[string]any) (bool, error) {
	if expression == "" {
		return false, fmt.Errorf("expression clause has empty expression")
	}
	if len(expression) > e.MaxExpressionLength {
		return false, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	env := map[string]any{
		"tags":    snap.Tags,
		"fields":  snap.CustomFields,
		"status":  snap.Status,
		"source":  snap.Source,
		"context": enrCtx,
	}
	if snap.LastMessageAt != nil {
		env["last_message_at"] = *snap.LastMessageAt
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()

	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile expression %q: %w", expression, err)
		}
		e.mu.Lock()
		e.compiled[expression] = prog
		e.mu.Unlock()
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	}
	return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
}
