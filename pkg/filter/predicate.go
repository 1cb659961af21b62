package filter

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

//nolint:gochecknoglobals // The CEL environment is immutable and safe to share
var (
	celEnv     *cel.Env
	celEnvOnce sync.Once
	celEnvErr  error
)

// env returns the shared CEL environment used for all compiled predicates.
func env() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		)
	})

	return celEnv, celEnvErr
}

// Predicate is a compiled AND-combination of filter conditions. It is compiled
// once and safe for concurrent evaluation.
type Predicate struct {
	prg        cel.Program
	expression string
}

// Compile builds a predicate from the given conditions. An empty condition
// list compiles to a predicate that matches everything.
func Compile(conditions []Condition) (*Predicate, error) {
	if len(conditions) == 0 {
		return &Predicate{}, nil
	}

	parts := make([]string, 0, len(conditions))
	for i, cond := range conditions {
		expr, err := cond.expression()
		if err != nil {
			return nil, fmt.Errorf("condition %d (%s): %w", i, cond.Field, err)
		}
		parts = append(parts, "("+expr+")")
	}
	expression := strings.Join(parts, " && ")

	celEnvironment, err := env()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize CEL environment: %w", err)
	}

	ast, issues := celEnvironment.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile filter expression %q: %w", expression, issues.Err())
	}

	prg, err := celEnvironment.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter program: %w", err)
	}

	return &Predicate{prg: prg, expression: expression}, nil
}

// Expression returns the compiled CEL expression, for logging.
func (p *Predicate) Expression() string {
	if p.prg == nil {
		return "true"
	}

	return p.expression
}

// Matches evaluates the predicate against an attribute map. Attributes absent
// from the map evaluate to null, so equality conditions on missing fields fail
// rather than erroring.
func (p *Predicate) Matches(attrs map[string]any) (bool, error) {
	if p.prg == nil {
		return true, nil
	}

	out, _, err := p.prg.Eval(map[string]any{"attrs": normalize(attrs)})
	if err != nil {
		// Missing map keys surface as eval errors in CEL; treat them as
		// a non-match rather than failing the whole build.
		if strings.Contains(err.Error(), "no such key") {
			return false, nil
		}
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter expression %q returned %T, want bool", p.expression, out.Value())
	}

	return result, nil
}

// normalize widens integer attribute values to float64 so numeric conditions
// compare consistently regardless of the source column type.
func normalize(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case int:
			out[k] = float64(val)
		case int32:
			out[k] = float64(val)
		case int64:
			out[k] = float64(val)
		case float32:
			out[k] = float64(val)
		case []any:
			out[k] = normalizeSlice(val)
		default:
			out[k] = v
		}
	}

	return out
}

func normalizeSlice(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case int:
			out[i] = float64(val)
		case int32:
			out[i] = float64(val)
		case int64:
			out[i] = float64(val)
		case float32:
			out[i] = float64(val)
		default:
			out[i] = v
		}
	}

	return out
}
