package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/wajourney/pkg/schema"
)

// Job is a unit of deferred work claimed and executed by queue workers.
type Job struct {
	ID          string           `json:"id"`
	Type        schema.JobType   `json:"type"`
	Payload     json.RawMessage  `json:"payload"`
	Priority    int              `json:"priority"`
	Status      schema.JobStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"max_attempts"`
	RunAt       time.Time        `json:"run_at"`
	LockedAt    *time.Time       `json:"locked_at,omitempty"`
	LockedBy    string           `json:"locked_by,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status *schema.JobStatus
	Type   schema.JobType
	Limit  int
}

// LastReply is the most recent inbound message of an execution's contact.
type LastReply struct {
	Body        string                  `json:"body"`
	MessageID   string                  `json:"message_id,omitempty"`
	ReceivedAt  time.Time               `json:"received_at"`
	Interactive *schema.InteractiveData `json:"interactive,omitempty"`
}

// CampaignInfo is the campaign snapshot carried in execution variables.
type CampaignInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ExecutionVariables is the persisted bag the execution context is rebuilt from.
type ExecutionVariables struct {
	Contact   map[string]any `json:"contact"`
	Variables map[string]any `json:"variables"`
	Campaign  *CampaignInfo  `json:"campaign,omitempty"`
	LastReply *LastReply     `json:"last_reply,omitempty"`
}

// Execution is one contact's run through one journey.
type Execution struct {
	ID            string                 `json:"id"`
	JourneyID     string                 `json:"journey_id"`
	CampaignID    string                 `json:"campaign_id,omitempty"`
	ContactID     string                 `json:"contact_id"`
	SenderID      string                 `json:"sender_id,omitempty"`
	Status        schema.ExecutionStatus `json:"status"`
	CurrentNodeID string                 `json:"current_node_id,omitempty"`
	Variables     ExecutionVariables     `json:"variables"`
	LastReply     *LastReply             `json:"last_reply,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Version       int64                  `json:"version"`
	StartedAt     time.Time              `json:"started_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt     time.Time              `json:"updated_at"`

	// LeaseOwner identifies the advance currently running the execution.
	// The lease is void once LeaseExpiresAt has passed.
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// Leased reports whether an advance other than owner holds a live lease.
func (e *Execution) Leased(owner string, now time.Time) bool {
	return e.LeaseOwner != "" && e.LeaseOwner != owner &&
		e.LeaseExpiresAt != nil && e.LeaseExpiresAt.After(now)
}

// ExecutionLease is the ownership claim of one advance. An empty Owner
// releases the lease.
type ExecutionLease struct {
	Owner     string
	ExpiresAt time.Time
}

// ExecutionUpdate holds the mutable fields of an execution. Nil fields are
// left unchanged. A non-nil ExpectVersion turns the update into a
// compare-and-set that fails with CONFLICT when the row moved on.
type ExecutionUpdate struct {
	Status        *schema.ExecutionStatus
	CurrentNodeID *string
	Variables     *ExecutionVariables
	LastReply     *LastReply
	Error         *string
	CompletedAt   *time.Time
	Lease         *ExecutionLease
	ExpectVersion *int64
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status     *schema.ExecutionStatus
	JourneyID  string
	CampaignID string
	ContactID  string
	Limit      int
}

// Event is an append-only timeline record of an execution.
type Event struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	NodeID      string          `json:"node_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Message is one outbound or inbound WhatsApp message.
type Message struct {
	ID                string                  `json:"id"`
	ExecutionID       string                  `json:"execution_id,omitempty"`
	ContactID         string                  `json:"contact_id"`
	SenderID          string                  `json:"sender_id,omitempty"`
	Direction         schema.MessageDirection `json:"direction"`
	ProviderMessageID string                  `json:"provider_message_id,omitempty"`
	Body              string                  `json:"body,omitempty"`
	TemplateRef       string                  `json:"template_ref,omitempty"`
	MediaURLs         []string                `json:"media_urls,omitempty"`
	Status            schema.MessageStatus    `json:"status"`
	ErrorCode         string                  `json:"error_code,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
}

// FlowResponse is a flattened WhatsApp Flow form submission.
type FlowResponse struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ContactID   string         `json:"contact_id"`
	MessageID   string         `json:"message_id,omitempty"`
	FlowToken   string         `json:"flow_token,omitempty"`
	Data        map[string]any `json:"data"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JourneyTrigger configures user-initiated starts of a journey.
type JourneyTrigger struct {
	Type     string   `json:"type"`
	Keywords []string `json:"keywords,omitempty"`
}

const (
	TriggerNone       = "none"
	TriggerAnyMessage = "any_message"
	TriggerKeyword    = "keyword"
)

// Matches reports whether an inbound body starts this journey.
// Keywords match as case-insensitive substrings.
func (t JourneyTrigger) Matches(body string) bool {
	switch t.Type {
	case TriggerAnyMessage:
		return true
	case TriggerKeyword:
		lower := strings.ToLower(body)
		for _, kw := range t.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// Journey is a versioned conversation graph.
type Journey struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	Status    schema.JourneyStatus `json:"status"`
	Version   int                  `json:"version"`
	Graph     json.RawMessage      `json:"graph"`
	SenderID  string               `json:"sender_id,omitempty"`
	Trigger   JourneyTrigger       `json:"trigger"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Sender is a WhatsApp business number messages are sent from.
type Sender struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone"`
	Channel string `json:"channel"`
}

// Address returns the channel-qualified identity, e.g. "whatsapp:+14155550100".
func (s *Sender) Address() string {
	channel := s.Channel
	if channel == "" {
		channel = "whatsapp"
	}
	return channel + ":" + s.Phone
}

// Contact is a person journeys are run for.
type Contact struct {
	ID         string               `json:"id"`
	Phone      string               `json:"phone"`
	Name       string               `json:"name,omitempty"`
	Attributes map[string]any       `json:"attributes,omitempty"`
	Status     schema.ContactStatus `json:"status"`
	OptedOut   bool                 `json:"opted_out"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Eligible reports whether a campaign may start a journey for the contact.
func (c *Contact) Eligible() bool {
	return c.Status == schema.ContactStatusActive && !c.OptedOut
}

// Snapshot returns the contact as an interpolation map: attributes first,
// then the fixed fields so they cannot be shadowed.
func (c *Contact) Snapshot() map[string]any {
	out := make(map[string]any, len(c.Attributes)+3)
	for k, v := range c.Attributes {
		out[k] = v
	}
	out["id"] = c.ID
	out["phone"] = c.Phone
	out["name"] = c.Name
	return out
}

// Campaign sends one journey to every member of a contact list.
type Campaign struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	JourneyID   string                `json:"journey_id"`
	ListID      string                `json:"list_id"`
	SenderID    string                `json:"sender_id,omitempty"`
	Status      schema.CampaignStatus `json:"status"`
	SentCount   int                   `json:"sent_count"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// CampaignUpdate holds the mutable fields of a campaign.
type CampaignUpdate struct {
	Status      *schema.CampaignStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
}
