package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

type launchRequest struct {
	BatchSize int `json:"batch_size" validate:"omitempty,min=1,max=1000"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Metrics != nil {
		body["worker"] = s.deps.Metrics()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleLaunchCampaign queues the first batch of a campaign.
func (s *Server) handleLaunchCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID := chi.URLParam(r, "id")

	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, badRequest("invalid request body: "+err.Error()))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, err)
		return
	}

	campaign, err := s.deps.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	if campaign.Status == schema.CampaignStatusCancelled || campaign.Status == schema.CampaignStatusCompleted {
		writeError(w, badRequest("campaign is "+string(campaign.Status)))
		return
	}

	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = s.deps.LaunchBatchSize
	}
	payload := schema.LaunchPayload{CampaignID: campaign.ID, BatchOffset: 0, BatchSize: batchSize}
	jobID, err := s.deps.Enqueuer.Enqueue(ctx, schema.JobLaunchCampaign, payload, time.Time{}, schema.JobLaunchCampaign.DefaultPriority())
	if err != nil {
		writeError(w, err)
		return
	}

	s.deps.Logger.Info("campaign launch queued",
		slog.String("campaign_id", campaign.ID),
		slog.String("job_id", jobID),
		slog.Int("batch_size", batchSize),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": campaign.ID,
		"job_id":      jobID,
		"batch_size":  batchSize,
	})
}

// handleCancelCampaign marks a campaign cancelled. Batches already queued
// notice it when they run.
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	campaignID := chi.URLParam(r, "id")

	campaign, err := s.deps.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		writeError(w, err)
		return
	}
	if campaign.Status == schema.CampaignStatusCompleted {
		writeError(w, badRequest("campaign already completed"))
		return
	}

	cancelled := schema.CampaignStatusCancelled
	if err := s.deps.Store.UpdateCampaign(ctx, campaign.ID, store.CampaignUpdate{Status: &cancelled}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"campaign_id": campaign.ID,
		"status":      string(cancelled),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := chi.URLParam(r, "id")

	if _, err := s.deps.Store.GetExecution(ctx, executionID); err != nil {
		writeError(w, err)
		return
	}

	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, badRequest("since must be a non-negative integer"))
			return
		}
		since = n
	}

	events, err := s.deps.Store.ListEvents(ctx, executionID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": executionID,
		"events":       events,
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetExecution(ctx, executionID); err != nil {
		writeError(w, err)
		return
	}
	tl, err := store.NewEventLog(s.deps.Store).Replay(ctx, executionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

type jobsQuery struct {
	Status string `validate:"omitempty,oneof=pending processing completed failed"`
	Type   string `validate:"omitempty,oneof=advance_execution launch_campaign handle_timeout process_inbound"`
	Limit  int    `validate:"min=1,max=500"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := jobsQuery{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 50),
	}
	if err := s.validate.Struct(q); err != nil {
		writeError(w, err)
		return
	}

	filter := store.JobFilter{Type: schema.JobType(q.Type), Limit: q.Limit}
	if q.Status != "" {
		status := schema.JobStatus(q.Status)
		filter.Status = &status
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
