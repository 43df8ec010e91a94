package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/wajourney/pkg/schema"
)

// Engine evaluates expressions against an execution context.
// CEL and Expr back condition branches that opt into them.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// BranchEvaluator decides condition branches. Branches without an engine use
// EvaluateCondition; others are routed to the named Engine.
type BranchEvaluator struct {
	engines map[string]Engine
}

// NewBranchEvaluator registers the given engines by name.
func NewBranchEvaluator(engines ...Engine) *BranchEvaluator {
	m := make(map[string]Engine, len(engines))
	for _, e := range engines {
		m[e.Name()] = e
	}
	return &BranchEvaluator{engines: m}
}

// NewDefaultBranchEvaluator wires the CEL and Expr engines.
func NewDefaultBranchEvaluator() (*BranchEvaluator, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewBranchEvaluator(cel, NewExprEngine()), nil
}

// Evaluate returns whether branch matches. A non-boolean engine result is
// coerced with the fallback-truthy rule.
func (b *BranchEvaluator) Evaluate(ctx context.Context, branch schema.ConditionBranch, data map[string]any) (bool, error) {
	if branch.Engine == "" || branch.Engine == "builtin" {
		return EvaluateCondition(branch.Expression, data), nil
	}
	engine, ok := b.engines[branch.Engine]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown condition engine %q", branch.Engine)
	}
	out, err := engine.Evaluate(ctx, branch.Expression, data)
	if err != nil {
		return false, err
	}
	if v, ok := out.(bool); ok {
		return v, nil
	}
	if out == nil {
		return false, nil
	}
	return IsTruthy(fmt.Sprintf("%v", out)), nil
}
