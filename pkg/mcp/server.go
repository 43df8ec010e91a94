package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// DefaultLaunchBatchSize is used when neither the tool call nor Deps set one.
const DefaultLaunchBatchSize = 100

// Enqueuer puts a job on the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType schema.JobType, payload any, runAt time.Time, priority int) (string, error)
}

// Deps holds the dependencies for creating a JourneyServer.
type Deps struct {
	Store           store.Store
	Enqueuer        Enqueuer
	Notifier        *ExecutionNotifier
	LaunchBatchSize int
	Logger          *slog.Logger
}

// JourneyServer wraps an MCP server with journey tool handlers.
type JourneyServer struct {
	store     store.Store
	enqueuer  Enqueuer
	notifier  *ExecutionNotifier
	batchSize int
	logger    *slog.Logger
	now       func() time.Time
	mcpServer *server.MCPServer
}

// NewJourneyServer creates a JourneyServer with every journey tool registered.
func NewJourneyServer(deps Deps) *JourneyServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	batchSize := deps.LaunchBatchSize
	if batchSize <= 0 {
		batchSize = DefaultLaunchBatchSize
	}

	s := &JourneyServer{
		store:     deps.Store,
		enqueuer:  deps.Enqueuer,
		notifier:  deps.Notifier,
		batchSize: batchSize,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}

	mcpSrv := server.NewMCPServer(
		"wajourney",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("wajourney runs WhatsApp conversation journeys. Use journey.launch to start a campaign, journey.status and journey.events to follow an execution, journey.inbound to simulate a contact reply, and journey.diagram to draw a journey."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if s.notifier != nil {
		s.notifier.attach(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *JourneyServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *JourneyServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *JourneyServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: launchTool(), Handler: s.handleLaunch},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: inboundTool(), Handler: s.handleInbound},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func launchTool() mcp.Tool {
	return mcp.NewTool("journey.launch",
		mcp.WithDescription("Queue the first batch of a campaign"),
		mcp.WithString("campaign_id", mcp.Required(), mcp.Description("ID of the campaign to launch")),
		mcp.WithNumber("batch_size", mcp.Description("Contacts per launch batch (default: server setting)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("journey.status",
		mcp.WithDescription("Get an execution and the path it has taken"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("journey.events",
		mcp.WithDescription("List the timeline events of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence greater than this")),
	)
}

func inboundTool() mcp.Tool {
	return mcp.NewTool("journey.inbound",
		mcp.WithDescription("Simulate an inbound WhatsApp message from a contact"),
		mcp.WithString("from", mcp.Required(), mcp.Description("Contact address, e.g. whatsapp:+5215512345678")),
		mcp.WithString("to", mcp.Required(), mcp.Description("Sender address the message was sent to")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("button_payload", mcp.Description("Quick reply button ID, if the contact tapped one")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("journey.diagram",
		mcp.WithDescription("Draw a journey graph, optionally highlighting where an execution is"),
		mcp.WithString("journey_id", mcp.Required(), mcp.Description("Journey to draw")),
		mcp.WithString("execution_id", mcp.Description("Execution whose position and path are overlaid")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "png"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
