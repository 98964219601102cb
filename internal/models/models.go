package models

import (
	"time"

	"github.com/dres-dev/DRES-sub000/internal/errors"
)

// RunStatus is the lifecycle state of an evaluation run
type RunStatus string

const (
	RunCreated    RunStatus = "CREATED"
	RunActive     RunStatus = "ACTIVE"
	RunTerminated RunStatus = "TERMINATED"
)

// TaskStatus is the lifecycle state of a single task run
type TaskStatus string

const (
	TaskCreated   TaskStatus = "CREATED"
	TaskPreparing TaskStatus = "PREPARING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskEnded     TaskStatus = "ENDED"
)

// SubmissionStatus is the verdict attached to a submission
type SubmissionStatus string

const (
	StatusIndeterminate SubmissionStatus = "INDETERMINATE"
	StatusCorrect       SubmissionStatus = "CORRECT"
	StatusWrong         SubmissionStatus = "WRONG"
	StatusUndecidable   SubmissionStatus = "UNDECIDABLE"
)

// RunKind selects the scheduling flavour of an evaluation run
type RunKind string

const (
	// KindSynchronous runs one task at a time for all teams together
	KindSynchronous RunKind = "SYNCHRONOUS"
	// KindAsynchronous runs per-team task instances independently
	KindAsynchronous RunKind = "ASYNCHRONOUS"
	// KindNonInteractive accepts batched results without live clients
	KindNonInteractive RunKind = "NON_INTERACTIVE"
)

// ValidationKind selects the validator bound to a task at start
type ValidationKind string

const (
	ValidateItem      ValidationKind = "ITEM"
	ValidateTemporal  ValidationKind = "TEMPORAL"
	ValidateText      ValidationKind = "TEXT"
	ValidateJudgement ValidationKind = "JUDGEMENT"
	ValidateVote      ValidationKind = "VOTE"
)

// ScoringKind selects the scorer bound to a task at start
type ScoringKind string

const (
	ScoreCumulative    ScoringKind = "CUMULATIVE"
	ScoreTaskAggregate ScoringKind = "TASK_AGGREGATE"
)

// Team is a competing party; members submit on its behalf
type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Target describes a correct answer for a task: a media item,
// optionally narrowed to a time segment, or a free-text answer.
type Target struct {
	ItemID  string `json:"item_id,omitempty"`
	StartMs int64  `json:"start_ms,omitempty"`
	EndMs   int64  `json:"end_ms,omitempty"`
	Text    string `json:"text,omitempty"`
}

// SubmissionTarget is what a participant actually answered
type SubmissionTarget struct {
	ItemID  string `json:"item_id,omitempty"`
	StartMs *int64 `json:"start_ms,omitempty"`
	EndMs   *int64 `json:"end_ms,omitempty"`
	Text    string `json:"text,omitempty"`
}

// ValidationConfig configures the validator for a task template
type ValidationConfig struct {
	Kind       ValidationKind `json:"kind" yaml:"kind"`
	FuzzyText  bool           `json:"fuzzy_text,omitempty" yaml:"fuzzy_text"`
	VoteQuorum int            `json:"vote_quorum,omitempty" yaml:"vote_quorum"`
}

// FilterConfig configures the submission filter chain for a task template
type FilterConfig struct {
	RejectDuplicates  bool  `json:"reject_duplicates,omitempty" yaml:"reject_duplicates"`
	MaxPerTeam        int   `json:"max_per_team,omitempty" yaml:"max_per_team"`
	MinIntervalMs     int64 `json:"min_interval_ms,omitempty" yaml:"min_interval_ms"`
	CorrectUnlimited  bool  `json:"correct_unlimited,omitempty" yaml:"correct_unlimited"`
}

// TaskTemplate is the read-only description a TaskRun is created from
type TaskTemplate struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Group      string           `json:"group,omitempty"`
	Duration   time.Duration    `json:"duration"`
	Scoring    ScoringKind      `json:"scoring"`
	Validation ValidationConfig `json:"validation"`
	Filter     FilterConfig     `json:"filter"`
	Targets    []Target         `json:"targets"`
}

// ProlongConfig is the "prolong on submission" policy
type ProlongConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Threshold   time.Duration `json:"threshold" yaml:"threshold"`
	ExtendBy    time.Duration `json:"extend_by" yaml:"extend_by"`
	CorrectOnly bool          `json:"correct_only" yaml:"correct_only"`
}

// RunConfig holds per-run behavioural flags
type RunConfig struct {
	ParticipantsCanView    bool          `json:"participants_can_view"`
	AllowRepeatedTasks     bool          `json:"allow_repeated_tasks"`
	SubmissionPreviewLimit int           `json:"submission_preview_limit"`
	Prolong                ProlongConfig `json:"prolong"`
}

// RunTemplate is the ordered plan an evaluation run executes
type RunTemplate struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Tasks  []TaskTemplate `json:"tasks"`
	Teams  []Team         `json:"teams"`
	Config RunConfig      `json:"config"`
}

// TaskByID returns the task template with the given id
func (t *RunTemplate) TaskByID(id string) (*TaskTemplate, bool) {
	for i := range t.Tasks {
		if t.Tasks[i].ID == id {
			return &t.Tasks[i], true
		}
	}
	return nil, false
}

// TeamByID returns the team with the given id
func (t *RunTemplate) TeamByID(id string) (*Team, bool) {
	for i := range t.Teams {
		if t.Teams[i].ID == id {
			return &t.Teams[i], true
		}
	}
	return nil, false
}

// Submission is one timestamped answer from a team member.
// Append-only once recorded; only Status may change afterwards.
type Submission struct {
	ID        string           `json:"id"`
	TeamID    string           `json:"team_id"`
	MemberID  string           `json:"member_id"`
	Timestamp time.Time        `json:"timestamp"`
	Target    SubmissionTarget `json:"target"`
	Status    SubmissionStatus `json:"status"`
}

// TaskRun is one timed task instance with its own submission log.
// TeamScope is empty for synchronous runs (all teams) and names
// exactly one team for asynchronous runs.
type TaskRun struct {
	ID          string        `json:"id"`
	TemplateID  string        `json:"template_id"`
	TeamScope   string        `json:"team_scope,omitempty"`
	Status      TaskStatus    `json:"status"`
	Started     *time.Time    `json:"started,omitempty"`
	Ended       *time.Time    `json:"ended,omitempty"`
	Duration    time.Duration `json:"duration"`
	Submissions []*Submission `json:"submissions"`
}

// Prepare moves the task out of CREATED
func (t *TaskRun) Prepare() error {
	if t.Status != TaskCreated {
		return errors.WrongStatef("task %s cannot be prepared in state %s", t.ID, t.Status)
	}
	t.Status = TaskPreparing
	return nil
}

// Start stamps the start instant and moves the task to RUNNING
func (t *TaskRun) Start(now time.Time) error {
	if t.Started != nil {
		return errors.WrongStatef("task %s has already been started", t.ID)
	}
	t.Started = &now
	t.Status = TaskRunning
	return nil
}

// End stamps the end instant, backdating Started if the task never ran
func (t *TaskRun) End(now time.Time) error {
	if t.Status == TaskEnded {
		return errors.WrongStatef("task %s has already ended", t.ID)
	}
	if t.Started == nil {
		t.Started = &now
	}
	t.Ended = &now
	t.Status = TaskEnded
	return nil
}

// Reactivate clears the end stamp and puts an ended task back to RUNNING
func (t *TaskRun) Reactivate() error {
	if t.Ended == nil {
		return errors.WrongStatef("task %s has not ended", t.ID)
	}
	t.Ended = nil
	t.Status = TaskRunning
	return nil
}

// Elapsed returns how long the task has been running at the given instant
func (t *TaskRun) Elapsed(now time.Time) time.Duration {
	if t.Started == nil {
		return 0
	}
	if t.Ended != nil {
		return t.Ended.Sub(*t.Started)
	}
	return now.Sub(*t.Started)
}

// Remaining returns how much of the task's duration is left at the given instant
func (t *TaskRun) Remaining(now time.Time) time.Duration {
	return t.Duration - t.Elapsed(now)
}

// EvaluationRun is one executed instance of a competition template.
// Invariant: Ended != nil implies Started != nil.
type EvaluationRun struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Kind          RunKind     `json:"kind"`
	Template      RunTemplate `json:"template"`
	Status        RunStatus   `json:"status"`
	Started       *time.Time  `json:"started,omitempty"`
	Ended         *time.Time  `json:"ended,omitempty"`
	Tasks         []*TaskRun  `json:"tasks"`
	TemplateIndex int         `json:"template_index"`
}

// Start moves the run from CREATED to ACTIVE
func (r *EvaluationRun) Start(now time.Time) error {
	if r.Status != RunCreated {
		return errors.WrongStatef("run %s cannot be started in state %s", r.ID, r.Status)
	}
	r.Started = &now
	r.Status = RunActive
	return nil
}

// End terminates the run, backdating Started if it never became active
func (r *EvaluationRun) End(now time.Time) error {
	if r.Status == RunTerminated {
		return errors.WrongStatef("run %s has already been terminated", r.ID)
	}
	if r.Started == nil {
		r.Started = &now
	}
	r.Ended = &now
	r.Status = RunTerminated
	return nil
}

// Reactivate clears the end stamp of a terminated run
func (r *EvaluationRun) Reactivate() error {
	if r.Ended == nil {
		return errors.WrongStatef("run %s has not ended", r.ID)
	}
	r.Ended = nil
	r.Status = RunActive
	return nil
}

// CurrentTask returns the most recently created task run, which is the
// only one that may be non-ENDED.
func (r *EvaluationRun) CurrentTask() *TaskRun {
	if len(r.Tasks) == 0 {
		return nil
	}
	return r.Tasks[len(r.Tasks)-1]
}

// RunningTask returns the non-ENDED task run in the given team scope, if any.
// An empty scope matches every task run.
func (r *EvaluationRun) RunningTask(scope string) *TaskRun {
	for _, t := range r.Tasks {
		if t.Status == TaskEnded || t.Status == TaskCreated {
			continue
		}
		if scope == "" || t.TeamScope == "" || t.TeamScope == scope {
			return t
		}
	}
	return nil
}

// TaskRunByID returns the task run with the given id
func (r *EvaluationRun) TaskRunByID(id string) (*TaskRun, bool) {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// HasRunForTemplate reports whether a task run was already created from
// the given template, optionally restricted to one team scope.
func (r *EvaluationRun) HasRunForTemplate(templateID, scope string) bool {
	for _, t := range r.Tasks {
		if t.TemplateID == templateID && (scope == "" || t.TeamScope == scope) {
			return true
		}
	}
	return false
}
