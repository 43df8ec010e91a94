package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/wajourney/internal/diagram"
	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// handleLaunch queues the first batch of a campaign.
func (s *JourneyServer) handleLaunch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	campaignID, err := req.RequireString("campaign_id")
	if err != nil {
		return mcp.NewToolResultError("campaign_id is required"), nil
	}
	batchSize := req.GetInt("batch_size", s.batchSize)
	if batchSize < 1 || batchSize > 1000 {
		return mcp.NewToolResultError("batch_size must be between 1 and 1000"), nil
	}

	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("campaign lookup failed: %v", err)), nil
	}
	if campaign.Status == schema.CampaignStatusCancelled || campaign.Status == schema.CampaignStatusCompleted {
		return mcp.NewToolResultError(fmt.Sprintf("campaign is %s", campaign.Status)), nil
	}

	payload := schema.LaunchPayload{CampaignID: campaign.ID, BatchOffset: 0, BatchSize: batchSize}
	jobID, err := s.enqueuer.Enqueue(ctx, schema.JobLaunchCampaign, payload, time.Time{}, schema.JobLaunchCampaign.DefaultPriority())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue launch failed: %v", err)), nil
	}

	s.logger.Info("campaign launch queued",
		slog.String("campaign_id", campaign.ID),
		slog.String("job_id", jobID),
		slog.Int("batch_size", batchSize),
	)
	return marshalResult(map[string]any{
		"campaign_id": campaign.ID,
		"job_id":      jobID,
		"batch_size":  batchSize,
	})
}

// handleStatus returns an execution with its replayed timeline. The caller's
// session is subscribed to the execution's status changes.
func (s *JourneyServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	timeline, err := store.NewEventLog(s.store).Replay(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("timeline replay failed: %v", err)), nil
	}

	if !exec.Status.IsTerminal() {
		s.captureSession(ctx, executionID)
	}
	return marshalResult(map[string]any{
		"execution": exec,
		"path":      timeline.Path(),
		"timeline":  timeline,
	})
}

// handleEvents lists timeline events after an optional sequence number.
func (s *JourneyServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	since := req.GetInt("since", 0)
	if since < 0 {
		return mcp.NewToolResultError("since must be >= 0"), nil
	}

	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}
	events, err := s.store.ListEvents(ctx, executionID, int64(since))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// handleInbound enqueues a synthetic inbound message, as the webhook would.
func (s *JourneyServer) handleInbound(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := req.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError("from is required"), nil
	}
	to, err := req.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError("to is required"), nil
	}
	body, err := req.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError("body is required"), nil
	}

	payload := schema.InboundPayload{
		From:       from,
		To:         to,
		Body:       body,
		MessageSID: "mcp-" + uuid.NewString(),
		ReceivedAt: s.now(),
	}
	if button := req.GetString("button_payload", ""); button != "" {
		payload.InteractiveData = &schema.InteractiveData{Type: "button_reply", ButtonID: button, ButtonTitle: body}
	}

	jobID, err := s.enqueuer.Enqueue(ctx, schema.JobProcessInbound, payload, time.Time{}, schema.JobProcessInbound.DefaultPriority())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("enqueue inbound failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"job_id":      jobID,
		"message_sid": payload.MessageSID,
	})
}

// handleDiagram draws a journey in the requested format.
func (s *JourneyServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	journeyID, err := req.RequireString("journey_id")
	if err != nil {
		return mcp.NewToolResultError("journey_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "ascii" && format != "png" {
		return mcp.NewToolResultError("format must be mermaid, ascii, or png"), nil
	}

	journey, err := s.store.GetJourney(ctx, journeyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("journey lookup failed: %v", err)), nil
	}
	graph, err := schema.ParseGraph(journey.Graph)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid journey graph: %v", err)), nil
	}

	var state *diagram.State
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		exec, execErr := s.store.GetExecution(ctx, executionID)
		if execErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution lookup failed: %v", execErr)), nil
		}
		if exec.JourneyID != journey.ID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s does not belong to journey %s", exec.ID, journey.ID)), nil
		}
		state = &diagram.State{CurrentNodeID: exec.CurrentNodeID, Status: exec.Status}
		if tl, tlErr := store.NewEventLog(s.store).Replay(ctx, exec.ID); tlErr == nil {
			state.Visited = tl.Path()
		}
	}

	model := diagram.Build(journey.Name, graph, state)
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "png":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(journey.Name, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.Mermaid(model)), nil
	}
}

// --- Internal helpers ---

// captureSession subscribes the calling MCP session to an execution.
func (s *JourneyServer) captureSession(ctx context.Context, executionID string) {
	if s.notifier == nil {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.notifier.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
