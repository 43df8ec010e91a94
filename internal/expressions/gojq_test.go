package expressions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJQ(t *testing.T) {
	assert.Equal(t, `."data"."id"`, ToJQ("data.id"))
	assert.Equal(t, `."items"[0]."sku"`, ToJQ("items.0.sku"))
	assert.Equal(t, `.[1]`, ToJQ("1"))
	assert.Equal(t, `."x-request-id"`, ToJQ("x-request-id"))
	assert.Equal(t, `.data | length`, ToJQ(".data | length"))
	assert.Equal(t, "", ToJQ("  "))
}

func TestExtractor_Extract(t *testing.T) {
	var body any
	require.NoError(t, json.Unmarshal([]byte(`{"data":{"id":42,"items":[{"sku":"A"},{"sku":"B"}]}}`), &body))

	ex := NewExtractor()
	ctx := context.Background()

	v, err := ex.Extract(ctx, body, "data.id")
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	v, err = ex.Extract(ctx, body, "data.items.1.sku")
	require.NoError(t, err)
	assert.Equal(t, "B", v)

	v, err = ex.Extract(ctx, body, ".data.items[].sku")
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, v)

	v, err = ex.Extract(ctx, body, "data.missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ex.Extract(ctx, body, ".data[")
	require.Error(t, err)

	_, err = ex.Extract(ctx, body, "")
	require.Error(t, err)
}

func TestExtractor_NormalizesGoInts(t *testing.T) {
	ex := NewExtractor()
	v, err := ex.Extract(context.Background(), map[string]any{"n": 3}, ".n + 1")
	require.NoError(t, err)
	assert.Equal(t, float64(4), v)
}
