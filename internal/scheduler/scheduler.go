package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/wajourney/internal/store"
	"github.com/rendis/wajourney/pkg/schema"
)

// DefaultInterval is how often due campaigns are polled.
const DefaultInterval = 30 * time.Second

// Enqueuer is the slice of the job queue the scheduler needs.
// Satisfied by queue.Enqueuer (avoids import cycle).
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType schema.JobType, payload any, runAt time.Time, priority int) (string, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval  time.Duration
	BatchSize int
}

// Scheduler polls the store for scheduled campaigns whose time has come and
// hands their first launch batch to the job queue.
type Scheduler struct {
	store    store.Store
	enqueuer Enqueuer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // campaign IDs being triggered (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, enq Enqueuer, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		enqueuer: enq,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Catch up on anything that came due while we were down.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick triggers every due campaign and returns how many were triggered.
func (s *Scheduler) tick(ctx context.Context) int {
	campaigns, err := s.store.ListDueCampaigns(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to list due campaigns", slog.String("error", err.Error()))
		return 0
	}

	triggered := 0
	for _, c := range campaigns {
		if !s.tryAcquire(c.ID) {
			continue // already being triggered (dedup)
		}
		if err := s.trigger(ctx, c); err != nil {
			s.logger.Error("failed to trigger scheduled campaign",
				slog.String("campaign_id", c.ID),
				slog.String("error", err.Error()),
			)
		} else {
			triggered++
		}
		s.release(c.ID)
	}
	return triggered
}

// trigger enqueues the first batch before flipping the status, so a crash in
// between leaves the campaign due and the next tick retries it.
func (s *Scheduler) trigger(ctx context.Context, c *store.Campaign) error {
	payload := schema.LaunchPayload{CampaignID: c.ID, BatchOffset: 0, BatchSize: s.cfg.BatchSize}
	jobID, err := s.enqueuer.Enqueue(ctx, schema.JobLaunchCampaign, payload, time.Time{}, schema.JobLaunchCampaign.DefaultPriority())
	if err != nil {
		return fmt.Errorf("enqueue launch for campaign %q: %w", c.ID, err)
	}

	now := s.now()
	running := schema.CampaignStatusRunning
	if err := s.store.UpdateCampaign(ctx, c.ID, store.CampaignUpdate{Status: &running, StartedAt: &now}); err != nil {
		return fmt.Errorf("mark campaign %q running: %w", c.ID, err)
	}

	s.logger.Info("scheduled campaign triggered",
		slog.String("campaign_id", c.ID),
		slog.String("job_id", jobID),
	)
	return nil
}

// tryAcquire returns true and marks the campaign as in-flight if it is not already.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
