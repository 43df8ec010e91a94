package schema

import "time"

// JobType selects the handler a queued job is dispatched to.
type JobType string

const (
	JobAdvanceExecution JobType = "advance_execution"
	JobLaunchCampaign   JobType = "launch_campaign"
	JobHandleTimeout    JobType = "handle_timeout"
	JobProcessInbound   JobType = "process_inbound"
)

// DefaultPriority returns the priority producers use for a job type.
// Higher runs first.
func (t JobType) DefaultPriority() int {
	switch t {
	case JobProcessInbound:
		return 10
	case JobHandleTimeout, JobAdvanceExecution:
		return 5
	default:
		return 0
	}
}

// Trigger names why an execution is being advanced.
type Trigger string

const (
	TriggerStart   Trigger = "start"
	TriggerReply   Trigger = "reply"
	TriggerTimeout Trigger = "timeout"
	TriggerResume  Trigger = "resume"
)

// AdvancePayload is the payload of an advance_execution job. NodeID is set
// on delay resumes: the job only applies while the execution still waits at
// that node.
type AdvancePayload struct {
	ExecutionID string  `json:"execution_id"`
	Trigger     Trigger `json:"trigger"`
	NodeID      string  `json:"node_id,omitempty"`
}

// LaunchPayload is the payload of a launch_campaign job.
type LaunchPayload struct {
	CampaignID  string `json:"campaign_id"`
	BatchOffset int    `json:"batch_offset"`
	BatchSize   int    `json:"batch_size"`
}

// TimeoutPayload is the payload of a handle_timeout job.
type TimeoutPayload struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
}

// InboundPayload is the payload of a process_inbound job, already parsed
// from the provider webhook.
type InboundPayload struct {
	From            string           `json:"from"`
	To              string           `json:"to"`
	Body            string           `json:"body"`
	MessageSID      string           `json:"message_sid"`
	MediaURLs       []string         `json:"media_urls,omitempty"`
	ReceivedAt      time.Time        `json:"received_at"`
	InteractiveData *InteractiveData `json:"interactive_data,omitempty"`
}

// InteractiveData is the structured part of an inbound message: a button
// or list reply, or a submitted WhatsApp Flow form.
type InteractiveData struct {
	Type         string         `json:"type,omitempty"`
	ButtonID     string         `json:"button_id,omitempty"`
	ButtonTitle  string         `json:"button_title,omitempty"`
	ListID       string         `json:"list_id,omitempty"`
	ListTitle    string         `json:"list_title,omitempty"`
	FlowToken    string         `json:"flow_token,omitempty"`
	ResponseJSON map[string]any `json:"response_json,omitempty"`
}

// IsFormSubmission reports whether the payload carries a submitted form.
func (d *InteractiveData) IsFormSubmission() bool {
	return d != nil && len(d.ResponseJSON) > 0
}
