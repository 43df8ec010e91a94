package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Job queue
	EnqueueJob(ctx context.Context, job *Job) error
	// ClaimJobs atomically locks up to limit pending jobs due at or before
	// now. Claimed jobs belong to workerID until completed, retried or failed.
	ClaimJobs(ctx context.Context, workerID string, limit int, now time.Time) ([]*Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error
	FailJob(ctx context.Context, id string, attempts int, errMsg string) error
	// ReleaseStaleJobs returns processing jobs locked before cutoff to pending.
	ReleaseStaleJobs(ctx context.Context, cutoff time.Time) (int, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	// FindCampaignExecution returns the execution for (campaignID, contactID), or nil.
	FindCampaignExecution(ctx context.Context, campaignID, contactID string) (*Execution, error)
	// FindWaitingExecution returns the most recently updated waiting execution
	// of the contact, scoped to senderID when non-empty, or nil.
	FindWaitingExecution(ctx context.Context, contactID, senderID string) (*Execution, error)
	// FindOpenExecution returns the most recently updated active or waiting
	// execution of the contact, or nil.
	FindOpenExecution(ctx context.Context, contactID string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Event timeline (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Messages
	CreateMessage(ctx context.Context, msg *Message) error
	LinkMessage(ctx context.Context, messageID, executionID string) error
	ListMessages(ctx context.Context, executionID string) ([]*Message, error)
	// FindInboundMessage returns the inbound message with the provider SID,
	// or NOT_FOUND.
	FindInboundMessage(ctx context.Context, providerMessageID string) (*Message, error)

	// Flow responses
	CreateFlowResponse(ctx context.Context, resp *FlowResponse) error
	ListFlowResponses(ctx context.Context, contactID string) ([]*FlowResponse, error)

	// Journeys
	CreateJourney(ctx context.Context, j *Journey) error
	GetJourney(ctx context.Context, id string) (*Journey, error)
	// ListTriggerJourneys returns published journeys whose trigger can start
	// them from an inbound message, oldest first.
	ListTriggerJourneys(ctx context.Context) ([]*Journey, error)

	// Senders
	CreateSender(ctx context.Context, s *Sender) error
	GetSender(ctx context.Context, id string) (*Sender, error)
	FindSenderByPhone(ctx context.Context, phone string) (*Sender, error)

	// Contacts and lists
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	FindContactByPhone(ctx context.Context, phone string) (*Contact, error)
	AddListMember(ctx context.Context, listID, contactID string, position int) error
	// ListMembers returns one page of a contact list ordered by position.
	ListMembers(ctx context.Context, listID string, offset, limit int) ([]*Contact, error)

	// Campaigns
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	UpdateCampaign(ctx context.Context, id string, update CampaignUpdate) error
	IncrementCampaignSent(ctx context.Context, id string, n int) error
	// ListDueCampaigns returns scheduled campaigns whose scheduled_at has passed.
	ListDueCampaigns(ctx context.Context, now time.Time) ([]*Campaign, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
