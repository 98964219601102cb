package auditlog

import "sync"

// MockClient is an audit sink for testing that records every event
type MockClient struct {
	mu     sync.Mutex
	events []Event
}

// NewMockClient creates a recording audit sink
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Events returns a copy of the recorded events
func (m *MockClient) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make([]Event, len(m.events))
	copy(events, m.events)
	return events
}

// CountByType returns how many events of the given type were recorded
func (m *MockClient) CountByType(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ev := range m.events {
		if ev.Type == eventType {
			count++
		}
	}
	return count
}

func (m *MockClient) record(ev Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

func (m *MockClient) CompetitionStart(runID, actor string) {
	m.record(Event{Type: EventCompetitionStart, RunID: runID, Actor: actor})
}

func (m *MockClient) CompetitionEnd(runID, actor string) {
	m.record(Event{Type: EventCompetitionEnd, RunID: runID, Actor: actor})
}

func (m *MockClient) TaskStart(runID, taskID string) {
	m.record(Event{Type: EventTaskStart, RunID: runID, TaskID: taskID})
}

func (m *MockClient) TaskEnd(runID, taskID string) {
	m.record(Event{Type: EventTaskEnd, RunID: runID, TaskID: taskID})
}

func (m *MockClient) Submission(runID, taskID, teamID, memberID, submissionID, status string) {
	m.record(Event{
		Type: EventSubmission, RunID: runID, TaskID: taskID,
		TeamID: teamID, MemberID: memberID, Subject: submissionID, Verdict: status,
	})
}

func (m *MockClient) ValidateSubmission(runID, submissionID, verdict, actor string) {
	m.record(Event{Type: EventValidateSubmission, RunID: runID, Subject: submissionID, Verdict: verdict, Actor: actor})
}

var _ Client = (*MockClient)(nil)
