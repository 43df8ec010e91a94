package engine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// DefaultLaunchBatchSize is the page size used when a launch job has none.
const DefaultLaunchBatchSize = 100

// LauncherConfig holds configuration for the campaign launcher.
type LauncherConfig struct {
	BatchSize int
}

// Launcher creates one execution per eligible contact of a campaign's list,
// a page at a time, re-enqueueing itself until the list is exhausted.
type Launcher struct {
	store    store.Store
	enqueuer Enqueuer
	config   LauncherConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewLauncher creates a Launcher.
func NewLauncher(s store.Store, enq Enqueuer, cfg LauncherConfig, logger *slog.Logger) *Launcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultLaunchBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Launcher{
		store:    s,
		enqueuer: enq,
		config:   cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// BatchSize returns the configured default page size.
func (l *Launcher) BatchSize() int {
	return l.config.BatchSize
}

// Launch processes one page of the campaign. It is safe to run more than
// once for the same page: contacts that already have an execution for the
// campaign are skipped.
func (l *Launcher) Launch(ctx context.Context, p schema.LaunchPayload) error {
	if p.BatchSize <= 0 {
		p.BatchSize = l.config.BatchSize
	}
	if p.BatchOffset < 0 {
		p.BatchOffset = 0
	}
	logger := l.logger.With(slog.String("campaign_id", p.CampaignID), slog.Int("batch_offset", p.BatchOffset))

	campaign, err := l.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case schema.CampaignStatusCancelled, schema.CampaignStatusCompleted:
		logger.InfoContext(ctx, "campaign launch skipped", slog.String("status", string(campaign.Status)))
		return nil
	}

	journey, err := l.store.GetJourney(ctx, campaign.JourneyID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if journey == nil || journey.Status != schema.JourneyStatusPublished {
		logger.WarnContext(ctx, "journey not published, cancelling campaign", slog.String("journey_id", campaign.JourneyID))
		return l.setStatus(ctx, campaign.ID, schema.CampaignStatusCancelled, nil, nil)
	}

	if campaign.Status == schema.CampaignStatusDraft || campaign.Status == schema.CampaignStatusScheduled {
		var started *time.Time
		if campaign.StartedAt == nil {
			now := l.now()
			started = &now
		}
		if err := l.setStatus(ctx, campaign.ID, schema.CampaignStatusRunning, started, nil); err != nil {
			return err
		}
	}

	members, err := l.store.ListMembers(ctx, campaign.ListID, p.BatchOffset, p.BatchSize)
	if err != nil {
		return err
	}

	senderID := campaign.SenderID
	if senderID == "" {
		senderID = journey.SenderID
	}

	created := 0
	for _, contact := range members {
		if !contact.Eligible() {
			continue
		}
		ok, err := l.launchContact(ctx, campaign, journey, contact, senderID)
		if err != nil {
			if created > 0 {
				// Keep the counter in step with the executions already made.
				if ierr := l.store.IncrementCampaignSent(ctx, campaign.ID, created); ierr != nil {
					logger.ErrorContext(ctx, "campaign sent counter not updated",
						slog.Int("created", created), slog.String("error", ierr.Error()))
				}
			}
			return err
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		if err := l.store.IncrementCampaignSent(ctx, campaign.ID, created); err != nil {
			return err
		}
	}
	logger.InfoContext(ctx, "campaign batch launched",
		slog.Int("members", len(members)), slog.Int("created", created))

	if len(members) == p.BatchSize {
		next := schema.LaunchPayload{CampaignID: campaign.ID, BatchOffset: p.BatchOffset + p.BatchSize, BatchSize: p.BatchSize}
		_, err := l.enqueuer.Enqueue(ctx, schema.JobLaunchCampaign, next, l.now(), schema.JobLaunchCampaign.DefaultPriority())
		return err
	}

	now := l.now()
	return l.setStatus(ctx, campaign.ID, schema.CampaignStatusCompleted, nil, &now)
}

// launchContact creates and enqueues the contact's execution. It reports
// whether a new execution was created.
func (l *Launcher) launchContact(ctx context.Context, campaign *store.Campaign, journey *store.Journey, contact *store.Contact, senderID string) (bool, error) {
	existing, err := l.store.FindCampaignExecution(ctx, campaign.ID, contact.ID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		// A previous attempt may have created it without enqueueing the start.
		if existing.Status == schema.ExecutionStatusActive && existing.CurrentNodeID == "" {
			return false, l.enqueueStart(ctx, existing.ID)
		}
		return false, nil
	}

	exec := &store.Execution{
		JourneyID:  journey.ID,
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		SenderID:   senderID,
		Status:     schema.ExecutionStatusActive,
		Variables: store.ExecutionVariables{
			Contact:   contact.Snapshot(),
			Variables: map[string]any{},
			Campaign:  &store.CampaignInfo{ID: campaign.ID, Name: campaign.Name},
		},
		StartedAt: l.now(),
	}
	if err := l.store.CreateExecution(ctx, exec); err != nil {
		// Lost a race with a concurrent delivery of the same batch.
		if again, ferr := l.store.FindCampaignExecution(ctx, campaign.ID, contact.ID); ferr == nil && again != nil {
			return false, nil
		}
		return false, err
	}
	return true, l.enqueueStart(ctx, exec.ID)
}

func (l *Launcher) enqueueStart(ctx context.Context, executionID string) error {
	payload := schema.AdvancePayload{ExecutionID: executionID, Trigger: schema.TriggerStart}
	_, err := l.enqueuer.Enqueue(ctx, schema.JobAdvanceExecution, payload, l.now(), schema.JobAdvanceExecution.DefaultPriority())
	return err
}

func (l *Launcher) setStatus(ctx context.Context, id string, status schema.CampaignStatus, startedAt, completedAt *time.Time) error {
	return l.store.UpdateCampaign(ctx, id, store.CampaignUpdate{Status: &status, StartedAt: startedAt, CompletedAt: completedAt})
}
