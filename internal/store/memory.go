package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/wajourney/pkg/schema"
)

// MemoryStore is a process-local Store. Values are copied on the way in
// and out; execution variables round-trip through JSON like the SQL store.
type MemoryStore struct {
	mu sync.Mutex

	jobs          map[string]*Job
	executions    map[string]*Execution
	events        map[string][]*Event
	messages      map[string]*Message
	messageOrder  []string
	flowResponses []*FlowResponse
	journeys      map[string]*Journey
	senders       map[string]*Sender
	contacts      map[string]*Contact
	lists         map[string][]listMember
	campaigns     map[string]*Campaign
}

type listMember struct {
	contactID string
	position  int
}

// NewMemoryStore returns an empty store, already migrated.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*Job),
		executions: make(map[string]*Execution),
		events:     make(map[string][]*Event),
		messages:   make(map[string]*Message),
		journeys:   make(map[string]*Journey),
		senders:    make(map[string]*Sender),
		contacts:   make(map[string]*Contact),
		lists:      make(map[string][]listMember),
		campaigns:  make(map[string]*Campaign),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Jobs ---

func (m *MemoryStore) EnqueueJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = schema.JobStatusPending
	}
	job.CreatedAt = timeOrNow(job.CreatedAt)
	job.UpdatedAt = job.CreatedAt
	job.RunAt = timeOrNow(job.RunAt)
	if _, ok := m.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q already exists", job.ID)
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimJobs(_ context.Context, workerID string, limit int, now time.Time) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	var due []*Job
	for _, j := range m.jobs {
		if j.Status == schema.JobStatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority > due[b].Priority
		}
		if !due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].RunAt.Before(due[b].RunAt)
		}
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = schema.JobStatusProcessing
		j.LockedAt = &locked
		j.LockedBy = workerID
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CompleteJob(_ context.Context, id string) error {
	return m.updateJob(id, func(j *Job) {
		j.Status = schema.JobStatusCompleted
		j.Attempts++
		j.Error = ""
	})
}

func (m *MemoryStore) RetryJob(_ context.Context, id string, attempts int, runAt time.Time, errMsg string) error {
	return m.updateJob(id, func(j *Job) {
		j.Status = schema.JobStatusPending
		j.Attempts = attempts
		j.RunAt = runAt
		j.Error = errMsg
	})
}

func (m *MemoryStore) FailJob(_ context.Context, id string, attempts int, errMsg string) error {
	return m.updateJob(id, func(j *Job) {
		j.Status = schema.JobStatusFailed
		j.Attempts = attempts
		j.Error = errMsg
	})
}

func (m *MemoryStore) updateJob(id string, fn func(*Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storeNotFound("job", id)
	}
	fn(j)
	j.LockedAt = nil
	j.LockedBy = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ReleaseStaleJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == schema.JobStatusProcessing && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			j.Status = schema.JobStatusPending
			j.LockedAt = nil
			j.LockedBy = ""
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, storeNotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Executions ---

func (m *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.CampaignID != "" {
		for _, e := range m.executions {
			if e.CampaignID == exec.CampaignID && e.ContactID == exec.ContactID {
				return schema.NewErrorf(schema.ErrCodeConflict,
					"execution for campaign %q and contact %q already exists", exec.CampaignID, exec.ContactID)
			}
		}
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return cloneExecution(e), nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return storeNotFound("execution", id)
	}
	if update.ExpectVersion != nil && e.Version != *update.ExpectVersion {
		return versionConflict(id, *update.ExpectVersion)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.CurrentNodeID != nil {
		e.CurrentNodeID = *update.CurrentNodeID
	}
	if update.Variables != nil {
		e.Variables = cloneVariables(*update.Variables)
	}
	if update.LastReply != nil {
		lr := *update.LastReply
		e.LastReply = &lr
	}
	if update.Error != nil {
		e.Error = *update.Error
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		e.CompletedAt = &t
	}
	if update.Lease != nil {
		e.LeaseOwner, e.LeaseExpiresAt = update.Lease.Owner, nil
		if update.Lease.Owner != "" {
			t := update.Lease.ExpiresAt
			e.LeaseExpiresAt = &t
		}
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) FindCampaignExecution(_ context.Context, campaignID, contactID string) (*Execution, error) {
	return m.latestExecution(func(e *Execution) bool {
		return e.CampaignID == campaignID && e.ContactID == contactID
	}), nil
}

func (m *MemoryStore) FindWaitingExecution(_ context.Context, contactID, senderID string) (*Execution, error) {
	return m.latestExecution(func(e *Execution) bool {
		return e.ContactID == contactID && e.Status == schema.ExecutionStatusWaiting &&
			(senderID == "" || e.SenderID == senderID)
	}), nil
}

func (m *MemoryStore) FindOpenExecution(_ context.Context, contactID string) (*Execution, error) {
	return m.latestExecution(func(e *Execution) bool {
		return e.ContactID == contactID &&
			(e.Status == schema.ExecutionStatusActive || e.Status == schema.ExecutionStatusWaiting)
	}), nil
}

func (m *MemoryStore) latestExecution(match func(*Execution) bool) *Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Execution
	for _, e := range m.executions {
		if !match(e) {
			continue
		}
		if best == nil || e.UpdatedAt.After(best.UpdatedAt) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return cloneExecution(best)
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Execution
	for _, e := range m.executions {
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.JourneyID != "" && e.JourneyID != filter.JourneyID {
			continue
		}
		if filter.CampaignID != "" && e.CampaignID != filter.CampaignID {
			continue
		}
		if filter.ContactID != "" && e.ContactID != filter.ContactID {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.After(out[b].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Sequence = int64(len(m.events[event.ExecutionID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events[event.ExecutionID] = append(m.events[event.ExecutionID], &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for _, e := range m.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Messages ---

func (m *MemoryStore) CreateMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.Direction == schema.DirectionInbound && msg.ProviderMessageID != "" {
		if m.inboundBySID(msg.ProviderMessageID) != nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "inbound message %q already recorded", msg.ProviderMessageID)
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = timeOrNow(msg.CreatedAt)
	cp := *msg
	m.messages[msg.ID] = &cp
	m.messageOrder = append(m.messageOrder, msg.ID)
	return nil
}

func (m *MemoryStore) LinkMessage(_ context.Context, messageID, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return storeNotFound("message", messageID)
	}
	msg.ExecutionID = executionID
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, executionID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Message
	for _, id := range m.messageOrder {
		if msg := m.messages[id]; msg.ExecutionID == executionID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindInboundMessage(_ context.Context, providerMessageID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.inboundBySID(providerMessageID)
	if msg == nil {
		return nil, storeNotFound("inbound message", providerMessageID)
	}
	cp := *msg
	return &cp, nil
}

func (m *MemoryStore) inboundBySID(sid string) *Message {
	for _, msg := range m.messages {
		if msg.Direction == schema.DirectionInbound && msg.ProviderMessageID == sid {
			return msg
		}
	}
	return nil
}

// --- Flow responses ---

func (m *MemoryStore) CreateFlowResponse(_ context.Context, resp *FlowResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	resp.CreatedAt = timeOrNow(resp.CreatedAt)
	cp := *resp
	m.flowResponses = append(m.flowResponses, &cp)
	return nil
}

func (m *MemoryStore) ListFlowResponses(_ context.Context, contactID string) ([]*FlowResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*FlowResponse
	for _, r := range m.flowResponses {
		if r.ContactID == contactID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Journeys ---

func (m *MemoryStore) CreateJourney(_ context.Context, j *Journey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Version == 0 {
		j.Version = 1
	}
	if j.Trigger.Type == "" {
		j.Trigger.Type = TriggerNone
	}
	j.CreatedAt = timeOrNow(j.CreatedAt)
	j.UpdatedAt = timeOrNow(j.UpdatedAt)
	cp := *j
	m.journeys[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJourney(_ context.Context, id string) (*Journey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.journeys[id]
	if !ok {
		return nil, storeNotFound("journey", id)
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListTriggerJourneys(context.Context) ([]*Journey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Journey
	for _, j := range m.journeys {
		if j.Status == schema.JourneyStatusPublished && j.Trigger.Type != TriggerNone {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// --- Senders ---

func (m *MemoryStore) CreateSender(_ context.Context, s *Sender) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Channel == "" {
		s.Channel = "whatsapp"
	}
	cp := *s
	m.senders[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSender(_ context.Context, id string) (*Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.senders[id]
	if !ok {
		return nil, storeNotFound("sender", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) FindSenderByPhone(_ context.Context, phone string) (*Sender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.senders {
		if s.Phone == phone {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storeNotFound("sender", phone)
}

// --- Contacts ---

func (m *MemoryStore) CreateContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = schema.ContactStatusActive
	}
	for _, existing := range m.contacts {
		if existing.Phone == c.Phone {
			return schema.NewErrorf(schema.ErrCodeConflict, "contact with phone %q already exists", c.Phone)
		}
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	cp := *c
	m.contacts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetContact(_ context.Context, id string) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, storeNotFound("contact", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) FindContactByPhone(_ context.Context, phone string) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.Phone == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, storeNotFound("contact", phone)
}

func (m *MemoryStore) AddListMember(_ context.Context, listID, contactID string, position int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := m.lists[listID]
	for i := range members {
		if members[i].contactID == contactID {
			members[i].position = position
			return nil
		}
	}
	m.lists[listID] = append(members, listMember{contactID: contactID, position: position})
	return nil
}

func (m *MemoryStore) ListMembers(_ context.Context, listID string, offset, limit int) ([]*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := append([]listMember(nil), m.lists[listID]...)
	sort.SliceStable(members, func(a, b int) bool {
		if members[a].position != members[b].position {
			return members[a].position < members[b].position
		}
		return members[a].contactID < members[b].contactID
	})
	if offset >= len(members) {
		return nil, nil
	}
	members = members[offset:]
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	out := make([]*Contact, 0, len(members))
	for _, lm := range members {
		if c, ok := m.contacts[lm.contactID]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Campaigns ---

func (m *MemoryStore) CreateCampaign(_ context.Context, c *Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = schema.CampaignStatusDraft
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCampaign(_ context.Context, id string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, storeNotFound("campaign", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateCampaign(_ context.Context, id string, update CampaignUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return storeNotFound("campaign", id)
	}
	if update.Status != nil {
		c.Status = *update.Status
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		c.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		c.CompletedAt = &t
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) IncrementCampaignSent(_ context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return storeNotFound("campaign", id)
	}
	c.SentCount += n
	return nil
}

func (m *MemoryStore) ListDueCampaigns(_ context.Context, now time.Time) ([]*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Campaign
	for _, c := range m.campaigns {
		if c.Status == schema.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ScheduledAt.Before(*out[b].ScheduledAt) })
	return out, nil
}

func cloneExecution(e *Execution) *Execution {
	cp := *e
	cp.Variables = cloneVariables(e.Variables)
	if e.LastReply != nil {
		lr := *e.LastReply
		cp.LastReply = &lr
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	return &cp
}

func cloneVariables(v ExecutionVariables) ExecutionVariables {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out ExecutionVariables
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
