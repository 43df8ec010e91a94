package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpolate(t *testing.T) {
	ctx := map[string]any{
		"contact": map[string]any{
			"name":  "Ana",
			"phone": "+5511999990000",
			"tags":  []any{"vip", "beta"},
		},
		"variables": map[string]any{
			"score":   float64(8),
			"ratio":   0.25,
			"flag":    true,
			"nothing": nil,
			"order":   map[string]any{"id": "A-1"},
		},
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain text", "Hello there", "Hello there"},
		{"simple path", "Hello {{contact.name}}", "Hello Ana"},
		{"spaces inside braces", "Hello {{ contact.name }}", "Hello Ana"},
		{"missing path", "Hello {{contact.nickname}}", "Hello "},
		{"missing root", "{{campaign.name}}", ""},
		{"null value", "[{{variables.nothing}}]", "[]"},
		{"integer float", "{{variables.score}}", "8"},
		{"fraction", "{{variables.ratio}}", "0.25"},
		{"bool", "{{variables.flag}}", "true"},
		{"object as json", "{{variables.order}}", `{"id":"A-1"}`},
		{"array as json", "{{contact.tags}}", `["vip","beta"]`},
		{"array index", "{{contact.tags.1}}", "beta"},
		{"index out of range", "{{contact.tags.9}}", ""},
		{"multiple", "{{contact.name}}/{{variables.score}}", "Ana/8"},
		{"unclosed", "Hi {{contact.name", "Hi {{contact.name"},
		{"empty placeholder", "a{{}}b", "ab"},
		{"path through scalar", "{{contact.name.first}}", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Interpolate(tc.template, ctx))
		})
	}
}

func TestInterpolate_NameAbsent(t *testing.T) {
	assert.Equal(t, "Hello Ana", Interpolate("Hello {{contact.name}}", map[string]any{
		"contact": map[string]any{"name": "Ana"},
	}))
	assert.Equal(t, "Hello ", Interpolate("Hello {{contact.name}}", map[string]any{
		"contact": map[string]any{},
	}))
}

func TestInterpolate_NilContext(t *testing.T) {
	assert.Equal(t, "x=", Interpolate("x={{a.b}}", nil))
}

func TestLookup_StringMap(t *testing.T) {
	ctx := map[string]any{"headers": map[string]string{"X-Id": "7"}}
	assert.Equal(t, "7", Lookup(ctx, "headers.X-Id"))
	assert.Nil(t, Lookup(ctx, "headers.Missing"))
}
