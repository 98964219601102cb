// Package auditlog provides the fire-and-forget sink for competition
// audit events. Sinks must never fail the primary operation: every
// method is best-effort and swallows transport errors after logging.
package auditlog

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/logger"
)

// Event is one audit record
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id,omitempty"`
	TeamID    string    `json:"team_id,omitempty"`
	MemberID  string    `json:"member_id,omitempty"`
	Subject   string    `json:"subject,omitempty"` // submission id for validation events
	Verdict   string    `json:"verdict,omitempty"`
	Actor     string    `json:"actor,omitempty"`
}

// Event types
const (
	EventCompetitionStart   = "COMPETITION_START"
	EventCompetitionEnd     = "COMPETITION_END"
	EventTaskStart          = "TASK_START"
	EventTaskEnd            = "TASK_END"
	EventSubmission         = "SUBMISSION"
	EventValidateSubmission = "VALIDATE_SUBMISSION"
)

// Client defines the audit sink contract
type Client interface {
	// CompetitionStart records the activation of an evaluation run
	CompetitionStart(runID, actor string)
	// CompetitionEnd records the termination of an evaluation run
	CompetitionEnd(runID, actor string)
	// TaskStart records the transition of a task to RUNNING
	TaskStart(runID, taskID string)
	// TaskEnd records the transition of a task to ENDED
	TaskEnd(runID, taskID string)
	// Submission records an accepted submission
	Submission(runID, taskID, teamID, memberID, submissionID, status string)
	// ValidateSubmission records a status change of a submission
	ValidateSubmission(runID, submissionID, verdict, actor string)
}

// LogClient writes audit events to the application log
type LogClient struct {
	log logger.Logger
}

// NewLogClient creates a log-backed audit sink
func NewLogClient(log logger.Logger) *LogClient {
	return &LogClient{log: log}
}

func (c *LogClient) CompetitionStart(runID, actor string) {
	c.log.Info("audit", "event", EventCompetitionStart, "run", runID, "actor", actor)
}

func (c *LogClient) CompetitionEnd(runID, actor string) {
	c.log.Info("audit", "event", EventCompetitionEnd, "run", runID, "actor", actor)
}

func (c *LogClient) TaskStart(runID, taskID string) {
	c.log.Info("audit", "event", EventTaskStart, "run", runID, "task", taskID)
}

func (c *LogClient) TaskEnd(runID, taskID string) {
	c.log.Info("audit", "event", EventTaskEnd, "run", runID, "task", taskID)
}

func (c *LogClient) Submission(runID, taskID, teamID, memberID, submissionID, status string) {
	c.log.Info("audit", "event", EventSubmission, "run", runID, "task", taskID,
		"team", teamID, "member", memberID, "submission", submissionID, "status", status)
}

func (c *LogClient) ValidateSubmission(runID, submissionID, verdict, actor string) {
	c.log.Info("audit", "event", EventValidateSubmission, "run", runID,
		"submission", submissionID, "verdict", verdict, "actor", actor)
}

// HTTPClient posts audit events to an external collector. Delivery is
// asynchronous and lossy on collector failure; the caller is never
// blocked or failed by the sink.
type HTTPClient struct {
	log      logger.Logger
	endpoint string
	client   *http.Client
	events   chan Event
}

// NewHTTPClient creates an HTTP audit sink posting to the given endpoint
func NewHTTPClient(log logger.Logger, endpoint string) *HTTPClient {
	c := &HTTPClient{
		log:      log,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
		events:   make(chan Event, 256),
	}
	go c.drain()
	return c
}

func (c *HTTPClient) drain() {
	for ev := range c.events {
		body, err := json.Marshal(ev)
		if err != nil {
			c.log.Warn("audit event not serializable", "error", err)
			continue
		}
		resp, err := c.client.Post(c.endpoint, "application/json", bytes.NewReader(body))
		if err != nil {
			c.log.Warn("audit event delivery failed", "event", ev.Type, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			c.log.Warn("audit collector refused event", "event", ev.Type, "status", resp.StatusCode)
		}
	}
}

func (c *HTTPClient) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case c.events <- ev:
	default:
		c.log.Warn("audit event dropped, queue full", "event", ev.Type)
	}
}

func (c *HTTPClient) CompetitionStart(runID, actor string) {
	c.emit(Event{Type: EventCompetitionStart, RunID: runID, Actor: actor})
}

func (c *HTTPClient) CompetitionEnd(runID, actor string) {
	c.emit(Event{Type: EventCompetitionEnd, RunID: runID, Actor: actor})
}

func (c *HTTPClient) TaskStart(runID, taskID string) {
	c.emit(Event{Type: EventTaskStart, RunID: runID, TaskID: taskID})
}

func (c *HTTPClient) TaskEnd(runID, taskID string) {
	c.emit(Event{Type: EventTaskEnd, RunID: runID, TaskID: taskID})
}

func (c *HTTPClient) Submission(runID, taskID, teamID, memberID, submissionID, status string) {
	c.emit(Event{
		Type: EventSubmission, RunID: runID, TaskID: taskID,
		TeamID: teamID, MemberID: memberID, Subject: submissionID, Verdict: status,
	})
}

func (c *HTTPClient) ValidateSubmission(runID, submissionID, verdict, actor string) {
	c.emit(Event{Type: EventValidateSubmission, RunID: runID, Subject: submissionID, Verdict: verdict, Actor: actor})
}

var (
	_ Client = (*LogClient)(nil)
	_ Client = (*HTTPClient)(nil)
)
