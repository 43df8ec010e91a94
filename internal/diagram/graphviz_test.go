package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/wajourney/pkg/schema"
)

func TestRenderImage(t *testing.T) {
	model := Build("welcome", welcomeGraph(t), &State{CurrentNodeID: "check", Status: schema.ExecutionStatusActive})

	png, err := RenderImage(context.Background(), model)
	require.NoError(t, err)
	require.Greater(t, len(png), 8)

	// PNG magic bytes.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}
