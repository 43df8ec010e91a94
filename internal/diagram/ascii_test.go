package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/wajourney/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	model := Build("welcome", welcomeGraph(t), &State{CurrentNodeID: "wait", Status: schema.ExecutionStatusWaiting})
	out := RenderASCII(model)

	assert.True(t, strings.HasPrefix(out, "=== welcome ===\n"))
	assert.Contains(t, out, "│ Start │")
	assert.Contains(t, out, "[WAIT]")
	assert.Contains(t, out, "▼")
	assert.Contains(t, out, "  wait ─→ nudge [timeout]\n")
	assert.Contains(t, out, "  check ┄→ bye [default]\n")
}

func TestMakeBox(t *testing.T) {
	box := makeBox(&Node{Label: "Wait", Status: StatusFailed})
	assert.Equal(t, []string{
		"┌────────┐",
		"│ Wait   │",
		"│ [FAIL] │",
		"└────────┘",
	}, box.lines)
	assert.Equal(t, 10, box.width)
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag(StatusCompleted))
	assert.Equal(t, "[TIMEOUT]", statusTag(StatusTimedOut))
	assert.Equal(t, "", statusTag(""))
}
