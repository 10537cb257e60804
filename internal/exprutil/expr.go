// Package exprutil compiles and evaluates the CEL expressions the protocol
// accepts: waitForEvent's `if` filter, trigger expressions, and the
// dot-path `match` shorthand which expands into an equality expression over
// the triggering and incoming events.
package exprutil

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// env declares the two variables every protocol expression may reference:
// `event`, the run's triggering event, and `async`, the incoming candidate
// event a waitForEvent is filtering.
func env() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("async", cel.DynType),
	)
}

// Validate compiles expr and reports whether it is well-formed and boolean.
// Used at registration time so a bad trigger or cancelOn expression fails
// the PUT rather than every future run.
func Validate(expr string) error {
	e, err := env()
	if err != nil {
		return err
	}
	ast, iss := e.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("compiling expression %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return fmt.Errorf("expression %q must evaluate to a boolean, got %s", expr, ast.OutputType())
	}
	return nil
}

// MatchExpression expands a dot-path like "data.userId" into the equality
// expression the Executor evaluates for waitForEvent's `match` option:
// the named field must be equal in the triggering and incoming events.
func MatchExpression(path string) string {
	return fmt.Sprintf("event.%s == async.%s", path, path)
}

// Eval compiles and evaluates expr against the given triggering and async
// event values, both as loosely-typed maps.
func Eval(expr string, event, async map[string]any) (bool, error) {
	e, err := env()
	if err != nil {
		return false, err
	}
	ast, iss := e.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return false, fmt.Errorf("compiling expression %q: %w", expr, iss.Err())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return false, fmt.Errorf("building program for %q: %w", expr, err)
	}
	out, _, err := prg.Eval(map[string]any{
		"event": event,
		"async": async,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, want bool", expr, out.Value())
	}
	return b, nil
}
