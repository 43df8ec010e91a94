package schema

// Event types recorded on an execution's timeline.
const (
	EventNodeEntered        = "node_entered"
	EventNodeCompleted      = "node_completed"
	EventConditionEvaluated = "condition_evaluated"
	EventReplyReceived      = "reply_received"
	EventHTTPCalled         = "http_called"
	EventError              = "error"
	EventJourneyCompleted   = "journey_completed"
	EventTimeoutFired       = "timeout_fired"
)

// ExecutionStatus represents the lifecycle state of a journey execution.
type ExecutionStatus string

const (
	ExecutionStatusActive    ExecutionStatus = "active"
	ExecutionStatusWaiting   ExecutionStatus = "waiting"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimedOut  ExecutionStatus = "timed_out"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// MessageStatus tracks delivery of a single WhatsApp message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusReceived  MessageStatus = "received"
)

// MessageDirection is inbound (from the contact) or outbound (to the contact).
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusRunning   CampaignStatus = "running"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
)

// JourneyStatus represents the publication state of a journey.
type JourneyStatus string

const (
	JourneyStatusDraft     JourneyStatus = "draft"
	JourneyStatusPublished JourneyStatus = "published"
	JourneyStatusArchived  JourneyStatus = "archived"
)

// ContactStatus marks whether a contact may receive journeys.
type ContactStatus string

const (
	ContactStatusActive   ContactStatus = "active"
	ContactStatusInactive ContactStatus = "inactive"
)
