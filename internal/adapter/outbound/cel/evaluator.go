// Package cel compiles and evaluates rule expression conditions.
package cel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// maxCostBudget is the CEL runtime cost limit, bounding pathological
// expressions.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Activation carries the request-time values an expression can reference.
type Activation struct {
	ToolName  string
	Args      map[string]any
	SessionID string
	Counter   int64
	Taint     []string
}

// Evaluator compiles and evaluates boolean expression conditions for rules.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates an evaluator with the shield environment: variables
// tool_name, args, session_id, counter and taint, plus the glob, arg and
// arg_contains helpers.
func NewEvaluator() (*Evaluator, error) {
	env, err := newShieldEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create expression environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses, type-checks and caps an expression, returning a program
// ready for evaluation. Rule sets compile every expression at activation so
// a bad one rejects the whole set instead of failing at request time.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > rule.MaxExprLength {
		return nil, fmt.Errorf("expression is %d chars, max %d", len(expr), rule.MaxExprLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must produce a boolean, got %s", out)
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("create expression program: %w", err)
	}

	return prg, nil
}

// Evaluate runs a compiled program against the activation with a bounded
// timeout. A non-boolean result is an error, not a match.
func (e *Evaluator) Evaluate(prg cel.Program, act Activation) (bool, error) {
	args := act.Args
	if args == nil {
		args = map[string]any{}
	}
	taint := act.Taint
	if taint == nil {
		taint = []string{}
	}

	vars := map[string]any{
		"tool_name":  act.ToolName,
		"args":       args,
		"session_id": act.SessionID,
		"counter":    act.Counter,
		"taint":      taint,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}

	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", result.Value())
	}

	return b, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// newShieldEnvironment builds the CEL environment for rule expressions.
func newShieldEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		// Standard extensions
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("counter", cel.IntType),
		cel.Variable("taint", cel.ListType(cel.StringType)),

		// glob: tool-name pattern matching with the same semantics as
		// `when.tool`. Usage: glob("db_*", tool_name)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, pok := pattern.Value().(string)
					n, nok := name.Value().(string)
					if !pok || !nok {
						return types.Bool(false)
					}
					return types.Bool(rule.MatchPattern(p, n))
				}),
			),
		),

		// arg: extract an argument by key, null when absent.
		// Usage: arg(args, "path")
		cel.Function("arg",
			cel.Overload("arg_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key, ok := keyVal.Value().(string)
					if !ok {
						return types.NullValue
					}
					switch m := mapVal.Value().(type) {
					case map[ref.Val]ref.Val:
						if v, found := m[types.String(key)]; found {
							return v
						}
					case map[string]any:
						if v, found := m[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// arg_contains: true when any string argument value contains the
		// substring. Usage: arg_contains(args, "DROP TABLE")
		cel.Function("arg_contains",
			cel.Overload("arg_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr, ok := substrVal.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					switch m := mapVal.Value().(type) {
					case map[string]any:
						for _, v := range m {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					case map[ref.Val]ref.Val:
						for _, v := range m {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}
