package expressions

import (
	"math"
	"strconv"
	"strings"
)

// Comparison operators recognised by EvaluateCondition. At a given position
// two-character symbols are tried before their one-character prefixes.
var symbolOperators = []string{">=", "<=", "==", "!=", ">", "<"}

var wordOperators = []string{"contains", "starts_with"}

// EvaluateCondition interpolates expression against ctx and evaluates it as a
// single binary comparison "<lhs> <op> <rhs>". Without an operator the
// interpolated text is truthy unless it is "", "0" or "false".
func EvaluateCondition(expression string, ctx map[string]any) bool {
	text := Interpolate(expression, ctx)

	lhs, op, rhs, ok := splitComparison(text)
	if !ok {
		return IsTruthy(text)
	}
	return compare(unquote(lhs), op, unquote(rhs))
}

// IsTruthy applies the fallback rule for operator-less conditions.
func IsTruthy(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" || s == "0" || strings.EqualFold(s, "false") {
		return false
	}
	return true
}

// splitComparison finds the leftmost operator in text.
func splitComparison(text string) (lhs, op, rhs string, ok bool) {
	for i := 0; i < len(text); i++ {
		for _, candidate := range symbolOperators {
			if strings.HasPrefix(text[i:], candidate) {
				return text[:i], candidate, text[i+len(candidate):], true
			}
		}
		for _, candidate := range wordOperators {
			if !strings.HasPrefix(text[i:], candidate) {
				continue
			}
			end := i + len(candidate)
			if isBoundary(text, i-1) && isBoundary(text, end) {
				return text[:i], candidate, text[end:], true
			}
		}
	}
	return "", "", "", false
}

// isBoundary reports whether position i is outside text or whitespace.
func isBoundary(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return true
	}
	switch text[i] {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func compare(lhs, op, rhs string) bool {
	switch op {
	case "contains":
		return strings.Contains(lhs, rhs)
	case "starts_with":
		return strings.HasPrefix(lhs, rhs)
	}

	if l, lok := parseNumber(lhs); lok {
		if r, rok := parseNumber(rhs); rok {
			return compareOrdered(l, r, op)
		}
	}
	return compareOrdered(lhs, rhs, op)
}

func compareOrdered[T float64 | string](l, r T, op string) bool {
	switch op {
	case "==":
		return l == r
	case "!=":
		return l != r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case "<":
		return l < r
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
