package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name string
		expr string
		ctx  map[string]any
		want bool
	}{
		{"numeric equality coerces", "{{x}} == 5", map[string]any{"x": "5"}, true},
		{"numeric equality with decimals", "{{x}} == 5.0", map[string]any{"x": "5"}, true},
		{"not equal", "{{x}} != 5", map[string]any{"x": "6"}, true},
		{"gte numeric", "{{variables.score}} >= 7", map[string]any{"variables": map[string]any{"score": "8"}}, true},
		{"gte numeric false", "{{variables.score}} >= 7", map[string]any{"variables": map[string]any{"score": "3"}}, false},
		{"numeric not lexical", "{{x}} > 9", map[string]any{"x": "10"}, true},
		{"lexical when not numbers", "{{x}} > b", map[string]any{"x": "c"}, true},
		{"lte", "3 <= 3", nil, true},
		{"lt", "2 < 10", nil, true},
		{"string equality", "{{name}} == Ana", map[string]any{"name": "Ana"}, true},
		{"quoted operands", `{{name}} == "Ana"`, map[string]any{"name": "Ana"}, true},
		{"single quoted", "'{{name}}' == 'Ana'", map[string]any{"name": "Ana"}, true},
		{"contains", "{{body}} contains pizza", map[string]any{"body": "I want pizza now"}, true},
		{"contains false", "{{body}} contains sushi", map[string]any{"body": "I want pizza"}, false},
		{"starts_with", "{{body}} starts_with yes", map[string]any{"body": "yes please"}, true},
		{"starts_with false", "{{body}} starts_with no", map[string]any{"body": "yes"}, false},
		{"missing lhs compares empty", "{{missing}} == ", nil, true},
		{"truthy literal", "true", nil, true},
		{"truthy text", "{{x}}", map[string]any{"x": "anything"}, true},
		{"falsy zero", "{{x}}", map[string]any{"x": "0"}, false},
		{"falsy empty", "{{x}}", map[string]any{}, false},
		{"falsy false", "{{x}}", map[string]any{"x": "FALSE"}, false},
		{"falsy false lower", "false", nil, false},
		{"whitespace only", "   ", nil, false},
		{"word operator needs boundary", "{{x}}", map[string]any{"x": "uncontainsable"}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCondition(tc.expr, tc.ctx))
		})
	}
}

func TestEvaluateCondition_BranchFallback(t *testing.T) {
	branches := []string{"{{variables.score}} >= 7", "true"}

	pick := func(score string) int {
		ctx := map[string]any{"variables": map[string]any{"score": score}}
		for i, b := range branches {
			if EvaluateCondition(b, ctx) {
				return i
			}
		}
		return -1
	}

	assert.Equal(t, 0, pick("8"))
	assert.Equal(t, 1, pick("3"))
}

func TestSplitComparison_PrefersTwoCharOperators(t *testing.T) {
	lhs, op, rhs, ok := splitComparison("a >= b")
	assert.True(t, ok)
	assert.Equal(t, ">=", op)
	assert.Equal(t, "a ", lhs)
	assert.Equal(t, " b", rhs)

	_, op, _, ok = splitComparison("x <= 1")
	assert.True(t, ok)
	assert.Equal(t, "<=", op)

	_, _, _, ok = splitComparison("plain words")
	assert.False(t, ok)
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, IsTruthy(""))
	assert.False(t, IsTruthy("0"))
	assert.False(t, IsTruthy("False"))
	assert.True(t, IsTruthy("00"))
	assert.True(t, IsTruthy("no"))
}
