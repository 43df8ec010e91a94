package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/wajourney/pkg/schema"
)

// SQLStore implements Store on database/sql for libsql and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore opens dsn with the dialect's driver.
// libsql DSNs are file URIs, e.g. "file:/path/to/db.db".
func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect.Name, err)
	}
	if dialect.MaxOpenConns > 0 {
		db.SetMaxOpenConns(dialect.MaxOpenConns)
	}

	if dialect.Name == DialectLibSQL.Name {
		// Some PRAGMAs return rows so we use QueryRow.
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		}
		for _, p := range pragmas {
			var result string
			_ = db.QueryRow(p).Scan(&result)
		}
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

// NewSQLStoreWithDB wraps an already opened database.
func NewSQLStoreWithDB(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying *sql.DB.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...)
}

// --- Jobs ---

const jobColumns = `id, job_type, payload, priority, status, attempts, max_attempts, run_at, locked_at, locked_by, error, created_at, updated_at`

func (s *SQLStore) EnqueueJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = schema.JobStatusPending
	}
	now := time.Now().UTC()
	job.CreatedAt = timeOrNow(job.CreatedAt)
	job.UpdatedAt = now
	job.RunAt = timeOrNow(job.RunAt).UTC()
	_, err := s.exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), rawOrEmptyObject(job.Payload), job.Priority, string(job.Status),
		job.Attempts, job.MaxAttempts, job.RunAt, nullTime(job.LockedAt), nullStr(job.LockedBy),
		nullStr(job.Error), job.CreatedAt, job.UpdatedAt,
	)
	return err
}

func (s *SQLStore) ClaimJobs(ctx context.Context, workerID string, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	q := `UPDATE jobs SET status = ?, locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs WHERE status = ? AND run_at <= ?
			ORDER BY priority DESC, run_at ASC LIMIT ?` + s.dialect.LockSuffix + `
		)
		RETURNING ` + jobColumns
	rows, err := s.query(ctx, q,
		string(schema.JobStatusProcessing), now, workerID, now,
		string(schema.JobStatusPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		return jobs[a].RunAt.Before(jobs[b].RunAt)
	})
	return jobs, nil
}

func (s *SQLStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, locked_at = NULL, locked_by = NULL, error = NULL, updated_at = ? WHERE id = ?`,
		string(schema.JobStatusCompleted), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLStore) RetryJob(ctx context.Context, id string, attempts int, runAt time.Time, errMsg string) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, run_at = ?, locked_at = NULL, locked_by = NULL, error = ?, updated_at = ? WHERE id = ?`,
		string(schema.JobStatusPending), attempts, runAt.UTC(), nullStr(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLStore) FailJob(ctx context.Context, id string, attempts int, errMsg string) error {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, locked_at = NULL, locked_by = NULL, error = ?, updated_at = ? WHERE id = ?`,
		string(schema.JobStatusFailed), attempts, nullStr(errMsg), time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLStore) ReleaseStaleJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = ?, locked_at = NULL, locked_by = NULL, updated_at = ? WHERE status = ? AND locked_at < ?`,
		string(schema.JobStatusPending), time.Now().UTC(), string(schema.JobStatusProcessing), cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("job", id)
	}
	return j, err
}

func (s *SQLStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "job_type = ?")
		args = append(args, string(filter.Type))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		jobType, status, payload string
		lockedAt                 sql.NullTime
		lockedBy, errMsg         sql.NullString
	)
	if err := row.Scan(&j.ID, &jobType, &payload, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &lockedAt, &lockedBy, &errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Type = schema.JobType(jobType)
	j.Status = schema.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	j.LockedBy = lockedBy.String
	j.Error = errMsg.String
	return j, nil
}

// --- Executions ---

const executionColumns = `id, journey_id, campaign_id, contact_id, sender_id, status, current_node_id, variables, last_reply, error, version, started_at, completed_at, updated_at, lease_owner, lease_expires_at`

func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	vars, err := json.Marshal(exec.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	lastReply, err := marshalOrNil(exec.LastReply)
	if err != nil {
		return fmt.Errorf("marshal last_reply: %w", err)
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	exec.UpdatedAt = timeOrNow(exec.UpdatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JourneyID, nullStr(exec.CampaignID), exec.ContactID, nullStr(exec.SenderID),
		string(exec.Status), nullStr(exec.CurrentNodeID), string(vars), lastReply, nullStr(exec.Error),
		exec.Version, exec.StartedAt, nullTime(exec.CompletedAt), exec.UpdatedAt,
		nullStr(exec.LeaseOwner), nullTime(exec.LeaseExpiresAt),
	)
	return err
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(s.queryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return e, err
}

func (s *SQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.Variables != nil {
		vars, err := json.Marshal(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.LastReply != nil {
		lr, err := json.Marshal(update.LastReply)
		if err != nil {
			return fmt.Errorf("marshal last_reply: %w", err)
		}
		sets = append(sets, "last_reply = ?")
		args = append(args, string(lr))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if update.Lease != nil {
		var expires *time.Time
		if update.Lease.Owner != "" {
			t := update.Lease.ExpiresAt.UTC()
			expires = &t
		}
		sets = append(sets, "lease_owner = ?", "lease_expires_at = ?")
		args = append(args, nullStr(update.Lease.Owner), nullTime(expires))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE executions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if update.ExpectVersion != nil {
		query += " AND version = ?"
		args = append(args, *update.ExpectVersion)
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if update.ExpectVersion == nil {
		return checkRowsAffected(res, "execution", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM executions WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return storeNotFound("execution", id)
	}
	return versionConflict(id, *update.ExpectVersion)
}

func (s *SQLStore) FindCampaignExecution(ctx context.Context, campaignID, contactID string) (*Execution, error) {
	return s.findExecution(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE campaign_id = ? AND contact_id = ? LIMIT 1`,
		campaignID, contactID)
}

func (s *SQLStore) FindWaitingExecution(ctx context.Context, contactID, senderID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE contact_id = ? AND status = ?`
	args := []any{contactID, string(schema.ExecutionStatusWaiting)}
	if senderID != "" {
		query += " AND sender_id = ?"
		args = append(args, senderID)
	}
	query += " ORDER BY updated_at DESC LIMIT 1"
	return s.findExecution(ctx, query, args...)
}

func (s *SQLStore) FindOpenExecution(ctx context.Context, contactID string) (*Execution, error) {
	return s.findExecution(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE contact_id = ? AND status IN (?, ?) ORDER BY updated_at DESC LIMIT 1`,
		contactID, string(schema.ExecutionStatusActive), string(schema.ExecutionStatusWaiting))
}

func (s *SQLStore) findExecution(ctx context.Context, query string, args ...any) (*Execution, error) {
	e, err := scanExecution(s.queryRow(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.JourneyID != "" {
		where = append(where, "journey_id = ?")
		args = append(args, filter.JourneyID)
	}
	if filter.CampaignID != "" {
		where = append(where, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if filter.ContactID != "" {
		where = append(where, "contact_id = ?")
		args = append(args, filter.ContactID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		campaignID, senderID, currentNode, lastReply, errMsg, leaseOwner sql.NullString
		status, vars                                                     string
		completedAt, leaseExpires                                        sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.JourneyID, &campaignID, &e.ContactID, &senderID, &status, &currentNode,
		&vars, &lastReply, &errMsg, &e.Version, &e.StartedAt, &completedAt, &e.UpdatedAt,
		&leaseOwner, &leaseExpires); err != nil {
		return nil, err
	}
	e.LeaseOwner = leaseOwner.String
	if leaseExpires.Valid {
		e.LeaseExpiresAt = &leaseExpires.Time
	}
	e.CampaignID = campaignID.String
	e.SenderID = senderID.String
	e.Status = schema.ExecutionStatus(status)
	e.CurrentNodeID = currentNode.String
	e.Error = errMsg.String
	if err := json.Unmarshal([]byte(vars), &e.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	if lastReply.Valid && lastReply.String != "" {
		e.LastReply = &LastReply{}
		if err := json.Unmarshal([]byte(lastReply.String), e.LastReply); err != nil {
			return nil, fmt.Errorf("unmarshal last_reply: %w", err)
		}
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// --- Events ---

// AppendEvent assigns the next per-execution sequence inside a transaction.
func (s *SQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`),
		event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		s.dialect.Rebind(`INSERT INTO execution_events (id, execution_id, sequence, event_type, node_id, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		event.ID, event.ExecutionID, seq, event.Type, nullStr(event.NodeID), nullRaw(event.Data), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.query(ctx,
		`SELECT id, execution_id, sequence, event_type, node_id, data, timestamp
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, data sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.Sequence, &e.Type, &nodeID, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Data = rawOrNil(data)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Messages ---

func (s *SQLStore) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	media, err := marshalOrNil(msg.MediaURLs)
	if err != nil {
		return fmt.Errorf("marshal media_urls: %w", err)
	}
	msg.CreatedAt = timeOrNow(msg.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, nullStr(msg.ExecutionID), msg.ContactID, nullStr(msg.SenderID), string(msg.Direction),
		nullStr(msg.ProviderMessageID), nullStr(msg.Body), nullStr(msg.TemplateRef), media,
		string(msg.Status), nullStr(msg.ErrorCode), msg.CreatedAt,
	)
	return err
}

func (s *SQLStore) LinkMessage(ctx context.Context, messageID, executionID string) error {
	res, err := s.exec(ctx, `UPDATE messages SET execution_id = ? WHERE id = ?`, executionID, messageID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "message", messageID)
}

const messageColumns = `id, execution_id, contact_id, sender_id, direction, provider_message_id, body, template_ref, media_urls, status, error_code, created_at`

func (s *SQLStore) ListMessages(ctx context.Context, executionID string) ([]*Message, error) {
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) FindInboundMessage(ctx context.Context, providerMessageID string) (*Message, error) {
	m, err := scanMessage(s.queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE direction = ? AND provider_message_id = ? LIMIT 1`,
		string(schema.DirectionInbound), providerMessageID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("inbound message", providerMessageID)
	}
	return m, err
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var (
		execID, senderID, providerID, body, tmpl, media, errCode sql.NullString
		direction, status                                        string
	)
	if err := row.Scan(&m.ID, &execID, &m.ContactID, &senderID, &direction, &providerID, &body,
		&tmpl, &media, &status, &errCode, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.ExecutionID = execID.String
	m.SenderID = senderID.String
	m.Direction = schema.MessageDirection(direction)
	m.ProviderMessageID = providerID.String
	m.Body = body.String
	m.TemplateRef = tmpl.String
	m.Status = schema.MessageStatus(status)
	m.ErrorCode = errCode.String
	if media.Valid && media.String != "" {
		_ = json.Unmarshal([]byte(media.String), &m.MediaURLs)
	}
	return m, nil
}

// --- Flow responses ---

func (s *SQLStore) CreateFlowResponse(ctx context.Context, resp *FlowResponse) error {
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	data, err := marshalMapOrDefault(resp.Data)
	if err != nil {
		return fmt.Errorf("marshal flow response: %w", err)
	}
	resp.CreatedAt = timeOrNow(resp.CreatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO flow_responses (id, execution_id, contact_id, message_id, flow_token, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.ID, nullStr(resp.ExecutionID), resp.ContactID, nullStr(resp.MessageID), nullStr(resp.FlowToken),
		string(data), resp.CreatedAt,
	)
	return err
}

func (s *SQLStore) ListFlowResponses(ctx context.Context, contactID string) ([]*FlowResponse, error) {
	rows, err := s.query(ctx,
		`SELECT id, execution_id, contact_id, message_id, flow_token, data, created_at
		 FROM flow_responses WHERE contact_id = ? ORDER BY created_at ASC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FlowResponse
	for rows.Next() {
		r := &FlowResponse{}
		var execID, msgID, token sql.NullString
		var data string
		if err := rows.Scan(&r.ID, &execID, &r.ContactID, &msgID, &token, &data, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ExecutionID = execID.String
		r.MessageID = msgID.String
		r.FlowToken = token.String
		if err := json.Unmarshal([]byte(data), &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal flow response: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Journeys ---

const journeyColumns = `id, name, status, version, graph, sender_id, trigger_type, trigger_keywords, created_at, updated_at`

func (s *SQLStore) CreateJourney(ctx context.Context, j *Journey) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Version == 0 {
		j.Version = 1
	}
	if j.Trigger.Type == "" {
		j.Trigger.Type = TriggerNone
	}
	keywords, err := marshalOrNil(j.Trigger.Keywords)
	if err != nil {
		return fmt.Errorf("marshal trigger keywords: %w", err)
	}
	j.CreatedAt = timeOrNow(j.CreatedAt)
	j.UpdatedAt = timeOrNow(j.UpdatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO journeys (`+journeyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, string(j.Status), j.Version, rawOrEmptyObject(j.Graph), nullStr(j.SenderID),
		j.Trigger.Type, keywords, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetJourney(ctx context.Context, id string) (*Journey, error) {
	j, err := scanJourney(s.queryRow(ctx, `SELECT `+journeyColumns+` FROM journeys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("journey", id)
	}
	return j, err
}

func (s *SQLStore) ListTriggerJourneys(ctx context.Context) ([]*Journey, error) {
	rows, err := s.query(ctx,
		`SELECT `+journeyColumns+` FROM journeys WHERE status = ? AND trigger_type <> ? ORDER BY created_at ASC`,
		string(schema.JourneyStatusPublished), TriggerNone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJourney(row rowScanner) (*Journey, error) {
	j := &Journey{}
	var (
		status, graph      string
		senderID, keywords sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Name, &status, &j.Version, &graph, &senderID, &j.Trigger.Type,
		&keywords, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = schema.JourneyStatus(status)
	j.Graph = json.RawMessage(graph)
	j.SenderID = senderID.String
	if keywords.Valid && keywords.String != "" {
		_ = json.Unmarshal([]byte(keywords.String), &j.Trigger.Keywords)
	}
	return j, nil
}

// --- Senders ---

func (s *SQLStore) CreateSender(ctx context.Context, snd *Sender) error {
	if snd.ID == "" {
		snd.ID = uuid.New().String()
	}
	if snd.Channel == "" {
		snd.Channel = "whatsapp"
	}
	_, err := s.exec(ctx,
		`INSERT INTO senders (id, name, phone, channel, created_at) VALUES (?, ?, ?, ?, ?)`,
		snd.ID, nullStr(snd.Name), snd.Phone, snd.Channel, time.Now().UTC(),
	)
	return err
}

func (s *SQLStore) GetSender(ctx context.Context, id string) (*Sender, error) {
	snd, err := scanSender(s.queryRow(ctx, `SELECT id, name, phone, channel FROM senders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sender", id)
	}
	return snd, err
}

func (s *SQLStore) FindSenderByPhone(ctx context.Context, phone string) (*Sender, error) {
	snd, err := scanSender(s.queryRow(ctx, `SELECT id, name, phone, channel FROM senders WHERE phone = ?`, phone))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("sender", phone)
	}
	return snd, err
}

func scanSender(row rowScanner) (*Sender, error) {
	snd := &Sender{}
	var name sql.NullString
	if err := row.Scan(&snd.ID, &name, &snd.Phone, &snd.Channel); err != nil {
		return nil, err
	}
	snd.Name = name.String
	return snd, nil
}

// --- Contacts ---

const contactColumns = `c.id, c.phone, c.name, c.attributes, c.status, c.opted_out, c.created_at, c.updated_at`

func (s *SQLStore) CreateContact(ctx context.Context, c *Contact) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = schema.ContactStatusActive
	}
	attrs, err := marshalOrNil(c.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	_, err = s.exec(ctx,
		`INSERT INTO contacts (id, phone, name, attributes, status, opted_out, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, nullStr(c.Name), attrs, string(c.Status), boolInt(c.OptedOut), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	c, err := scanContact(s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", id)
	}
	return c, err
}

func (s *SQLStore) FindContactByPhone(ctx context.Context, phone string) (*Contact, error) {
	c, err := scanContact(s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.phone = ?`, phone))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", phone)
	}
	return c, err
}

func (s *SQLStore) AddListMember(ctx context.Context, listID, contactID string, position int) error {
	_, err := s.exec(ctx,
		`INSERT INTO list_members (list_id, contact_id, position) VALUES (?, ?, ?)
		 ON CONFLICT (list_id, contact_id) DO UPDATE SET position = excluded.position`,
		listID, contactID, position,
	)
	return err
}

func (s *SQLStore) ListMembers(ctx context.Context, listID string, offset, limit int) ([]*Contact, error) {
	rows, err := s.query(ctx,
		`SELECT `+contactColumns+` FROM list_members lm JOIN contacts c ON c.id = lm.contact_id
		 WHERE lm.list_id = ? ORDER BY lm.position ASC, c.id ASC LIMIT ? OFFSET ?`,
		listID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContact(row rowScanner) (*Contact, error) {
	c := &Contact{}
	var (
		name, attrs sql.NullString
		status      string
		optedOut    int
	)
	if err := row.Scan(&c.ID, &c.Phone, &name, &attrs, &status, &optedOut, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Name = name.String
	c.Status = schema.ContactStatus(status)
	c.OptedOut = optedOut != 0
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &c.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}
	return c, nil
}

// --- Campaigns ---

const campaignColumns = `id, name, journey_id, list_id, sender_id, status, sent_count, scheduled_at, started_at, completed_at, created_at, updated_at`

func (s *SQLStore) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = schema.CampaignStatusDraft
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	c.UpdatedAt = timeOrNow(c.UpdatedAt)
	_, err := s.exec(ctx,
		`INSERT INTO campaigns (`+campaignColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.JourneyID, c.ListID, nullStr(c.SenderID), string(c.Status), c.SentCount,
		nullTime(c.ScheduledAt), nullTime(c.StartedAt), nullTime(c.CompletedAt), c.CreatedAt, c.UpdatedAt,
	)
	return err
}

func (s *SQLStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c, err := scanCampaign(s.queryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("campaign", id)
	}
	return c, err
}

func (s *SQLStore) UpdateCampaign(ctx context.Context, id string, update CampaignUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.exec(ctx, "UPDATE campaigns SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "campaign", id)
}

func (s *SQLStore) IncrementCampaignSent(ctx context.Context, id string, n int) error {
	res, err := s.exec(ctx,
		`UPDATE campaigns SET sent_count = sent_count + ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "campaign", id)
}

func (s *SQLStore) ListDueCampaigns(ctx context.Context, now time.Time) ([]*Campaign, error) {
	rows, err := s.query(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ? ORDER BY scheduled_at ASC`,
		string(schema.CampaignStatusScheduled), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	c := &Campaign{}
	var (
		senderID                            sql.NullString
		status                              string
		scheduledAt, startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Name, &c.JourneyID, &c.ListID, &senderID, &status, &c.SentCount,
		&scheduledAt, &startedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.SenderID = senderID.String
	c.Status = schema.CampaignStatus(status)
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

var _ Store = (*SQLStore)(nil)
