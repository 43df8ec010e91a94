package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// ExecutionNotifier pushes execution status changes to the MCP sessions
// watching them. Register Hook as an execution FSM transition hook.
type ExecutionNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewExecutionNotifier creates a notifier. It delivers nothing until a
// JourneyServer built with it is created.
func NewExecutionNotifier(sessions *SessionRegistry, logger *slog.Logger) *ExecutionNotifier {
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionNotifier{sessions: sessions, logger: logger}
}

func (n *ExecutionNotifier) attach(s *server.MCPServer) {
	n.mcpServer = s
}

// Hook sends a notifications/message to every session watching exec.
// Best-effort: delivery failures are logged, never returned.
func (n *ExecutionNotifier) Hook(_ context.Context, exec *store.Execution, from, to schema.ExecutionStatus) {
	if n.mcpServer == nil {
		return
	}
	payload := map[string]any{
		"execution_id":    exec.ID,
		"journey_id":      exec.JourneyID,
		"from":            string(from),
		"to":              string(to),
		"current_node_id": exec.CurrentNodeID,
	}
	for _, sid := range n.sessions.SessionsFor(exec.ID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, "notifications/message", payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			n.logger.Warn("execution notification failed",
				slog.String("execution_id", exec.ID),
				slog.String("session_id", sid),
				slog.String("error", err.Error()),
			)
		}
	}
	if to.IsTerminal() {
		n.sessions.Forget(exec.ID)
	}
}
