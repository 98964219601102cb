package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/verdict"
	"github.com/dres-dev/DRES-sub000/pkg/auditlog"
)

// Options tunes the orchestrator loop and timers
type Options struct {
	// TickInterval is the period of the update loop
	TickInterval time.Duration
	// ReadinessTimeout bounds how long a task start waits for client acks
	ReadinessTimeout time.Duration
	// EndGrace is added to a task's duration before it is ended, so
	// in-flight submissions sent right at the buzzer still land
	EndGrace time.Duration
	// MaxLoopFailures is the number of consecutive failed ticks that
	// triggers the snapshot-and-halt path
	MaxLoopFailures int
	// Clock overrides the time source, for tests
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = 10 * time.Millisecond
	}
	if o.ReadinessTimeout <= 0 {
		o.ReadinessTimeout = 30 * time.Second
	}
	if o.EndGrace <= 0 {
		o.EndGrace = 5 * time.Second
	}
	if o.MaxLoopFailures <= 0 {
		o.MaxLoopFailures = 5
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// pendingScore is one (task, submission) pair queued for asynchronous
// score recomputation, kept off the submission request path.
type pendingScore struct {
	task *models.TaskRun
	sub  *models.Submission
}

// Orchestrator drives one evaluation run: its state machine, readiness
// synchronization, submission processing and the periodic update loop.
//
// Locking: external callers and the loop cooperate through mu. Control
// operations write-lock for their whole critical section; queries and
// updatable work read-lock. Submission log appends additionally
// serialize on taskMu so acceptance order is stable under concurrent
// senders holding only the read lock. Anything that iterates or
// serializes the submission logs while holding only the read lock goes
// through a taskMu-guarded snapshot.
type Orchestrator struct {
	log      logger.Logger
	run      *models.EvaluationRun
	opts     Options
	now      func() time.Time
	strategy KindStrategy

	mu sync.RWMutex

	gate       *ReadinessGate
	updatables []Updatable
	scoreU     *ScoreboardUpdatable
	persist    *PersistenceUpdatable
	messages   *MessageUpdatable
	boards     []*verdict.Scoreboard

	// bound per task run at startTask, read during submission handling
	filters    map[string][]verdict.Filter
	validators map[string]verdict.Validator

	taskMu sync.Mutex

	queueMu sync.Mutex
	pending []pendingScore

	audit auditlog.Client
	repo  Persistence

	failures int
	done     chan struct{}
}

// NewOrchestrator wires an orchestrator for the given run. The
// updatable set and scoreboards are fixed here and never change.
func NewOrchestrator(log logger.Logger, evalRun *models.EvaluationRun, repo Persistence, audit auditlog.Client, broadcaster Broadcaster, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	strategy := StrategyFor(evalRun.Kind)
	boards := strategy.Scoreboards(evalRun.Template)

	o := &Orchestrator{
		log:        log.With("run", evalRun.ID),
		run:        evalRun,
		opts:       opts,
		now:        opts.Clock,
		strategy:   strategy,
		gate:       NewReadinessGate(opts.Clock),
		boards:     boards,
		filters:    make(map[string][]verdict.Filter),
		validators: make(map[string]verdict.Validator),
		audit:      audit,
		repo:       repo,
		done:       make(chan struct{}),
	}

	// the updatables read task and submission state through snapshots
	// taken under taskMu, never through the live slices
	o.messages = NewMessageUpdatable(broadcaster)
	o.scoreU = NewScoreboardUpdatable(evalRun.ID, o.snapshotTasks, boards, o.messages)
	o.persist = NewPersistenceUpdatable(o.snapshotRun, repo)

	o.updatables = []Updatable{o.scoreU, o.persist, o.messages}
	sort.SliceStable(o.updatables, func(i, j int) bool {
		return o.updatables[i].Phase() < o.updatables[j].Phase()
	})
	return o
}

// snapshotTasks copies the task list with a stable view of each task's
// submission log. Appends serialize on taskMu, so taking it here orders
// the copy against concurrent intake. Callers must hold mu.
func (o *Orchestrator) snapshotTasks() []*models.TaskRun {
	o.taskMu.Lock()
	defer o.taskMu.Unlock()
	tasks := make([]*models.TaskRun, len(o.run.Tasks))
	for i, task := range o.run.Tasks {
		t := *task
		t.Submissions = append([]*models.Submission(nil), task.Submissions...)
		tasks[i] = &t
	}
	return tasks
}

// snapshotRun returns a copy of the run document safe to serialize
// while submissions keep arriving. Callers must hold mu.
func (o *Orchestrator) snapshotRun() *models.EvaluationRun {
	r := *o.run
	r.Tasks = o.snapshotTasks()
	return &r
}

// ID returns the run id
func (o *Orchestrator) ID() string { return o.run.ID }

// Done is closed when the loop has exited and all state is flushed
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Status returns the run's current lifecycle state
func (o *Orchestrator) Status() models.RunStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.run.Status
}

// ---- administrator control operations ----

// Start activates the run
func (o *Orchestrator) Start(ctx context.Context, caller Caller) error {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.run.Start(o.now()); err != nil {
		return err
	}
	o.audit.CompetitionStart(o.run.ID, caller.ID)
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerCompetitionStart}, "")
	o.persist.MarkDirty()
	o.log.Info("run started", "by", caller.ID)
	return nil
}

// End terminates the run, ending any non-ended task first
func (o *Orchestrator) End(ctx context.Context, caller Caller) error {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run.Status == models.RunTerminated {
		return errors.WrongStatef("run %s has already been terminated", o.run.ID)
	}
	now := o.now()
	for _, task := range o.run.Tasks {
		if task.Status == models.TaskEnded {
			continue
		}
		if err := task.End(now); err != nil {
			return err
		}
		o.audit.TaskEnd(o.run.ID, task.ID)
		o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskEnd, Payload: taskPayload(task)}, task.TeamScope)
	}
	if err := o.run.End(now); err != nil {
		return err
	}
	o.audit.CompetitionEnd(o.run.ID, caller.ID)
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerCompetitionEnd}, "")
	o.persist.MarkDirty()
	o.log.Info("run terminated", "by", caller.ID)
	return nil
}

// Reactivate clears the end stamp of an ended run
func (o *Orchestrator) Reactivate(ctx context.Context, caller Caller) error {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.run.Reactivate(); err != nil {
		return err
	}
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerCompetitionUpdate}, "")
	o.persist.MarkDirty()
	o.log.Info("run reactivated", "by", caller.ID)
	return nil
}

// ReactivateTask puts an ended task back to RUNNING
func (o *Orchestrator) ReactivateTask(ctx context.Context, caller Caller, taskRunID string) error {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.run.TaskRunByID(taskRunID)
	if !ok {
		return errors.UnknownEntityf("no task run %s", taskRunID)
	}
	if running := o.run.RunningTask(task.TeamScope); running != nil {
		return errors.WrongStatef("task %s is still running", running.ID)
	}
	if err := task.Reactivate(); err != nil {
		return err
	}
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskUpdated, Payload: taskPayload(task)}, task.TeamScope)
	o.persist.MarkDirty()
	o.scoreU.MarkDirty()
	return nil
}

// ---- task navigation ----

// Previous moves the task template pointer back by one
func (o *Orchestrator) Previous(ctx context.Context, caller Caller) error {
	return o.goTo(caller, func(current int) int { return current - 1 })
}

// Next moves the task template pointer forward by one
func (o *Orchestrator) Next(ctx context.Context, caller Caller) error {
	return o.goTo(caller, func(current int) int { return current + 1 })
}

// GoTo moves the task template pointer to an absolute index
func (o *Orchestrator) GoTo(ctx context.Context, caller Caller, index int) error {
	return o.goTo(caller, func(int) int { return index })
}

func (o *Orchestrator) goTo(caller Caller, target func(current int) int) error {
	if err := o.strategy.CanNavigate(caller); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if running := o.run.RunningTask(o.scopeFor(caller)); running != nil {
		return errors.WrongStatef("cannot navigate while task %s is active", running.ID)
	}
	index := target(o.run.TemplateIndex)
	if index < 0 || index >= len(o.run.Template.Tasks) {
		return errors.InvalidArgumentf("task index %d out of range", index)
	}
	o.run.TemplateIndex = index
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerCompetitionUpdate}, "")
	o.persist.MarkDirty()
	return nil
}

// scopeFor is the team scope relevant for the caller's operations
func (o *Orchestrator) scopeFor(caller Caller) string {
	if o.run.Kind == models.KindAsynchronous {
		return caller.TeamID
	}
	return ""
}

// ---- task lifecycle ----

// StartTask creates a task run from the current template, prepares it
// and arms the readiness gate. The task transitions to RUNNING on a
// later tick, once all clients acked or the gate timed out.
func (o *Orchestrator) StartTask(ctx context.Context, caller Caller) (string, error) {
	scope, err := o.strategy.StartScope(caller)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run.Status != models.RunActive {
		return "", errors.WrongStatef("run %s is not active", o.run.ID)
	}
	if running := o.run.RunningTask(scope); running != nil {
		return "", errors.WrongStatef("task %s is still active", running.ID)
	}
	if o.run.TemplateIndex < 0 || o.run.TemplateIndex >= len(o.run.Template.Tasks) {
		return "", errors.InvalidArgumentf("task index %d out of range", o.run.TemplateIndex)
	}
	tmpl := o.run.Template.Tasks[o.run.TemplateIndex]
	if !o.run.Template.Config.AllowRepeatedTasks && o.run.HasRunForTemplate(tmpl.ID, scope) {
		return "", errors.WrongStatef("task template %s has already been run", tmpl.ID)
	}

	task := &models.TaskRun{
		ID:         uuid.NewString(),
		TemplateID: tmpl.ID,
		TeamScope:  scope,
		Status:     models.TaskCreated,
		Duration:   tmpl.Duration,
	}
	if err := task.Prepare(); err != nil {
		return "", err
	}
	o.filters[task.ID] = verdict.FiltersFromConfig(tmpl.Filter)
	o.validators[task.ID] = verdict.ValidatorFromConfig(tmpl.Validation, tmpl.Targets)
	o.run.Tasks = append(o.run.Tasks, task)

	o.gate.Reset(o.opts.ReadinessTimeout)
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskPrepare, Payload: taskPayload(task)}, scope)
	o.persist.MarkDirty()
	o.scoreU.MarkDirty()
	o.log.Info("task prepared", "task", task.ID, "template", tmpl.ID, "scope", scope)
	return task.ID, nil
}

// AbortTask ends the caller's active task while PREPARING or RUNNING
func (o *Orchestrator) AbortTask(ctx context.Context, caller Caller) error {
	scope, err := o.strategy.StartScope(caller)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	task := o.run.RunningTask(scope)
	if task == nil {
		return errors.WrongState("no task to abort")
	}
	if err := task.End(o.now()); err != nil {
		return err
	}
	o.audit.TaskEnd(o.run.ID, task.ID)
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskEnd, Payload: taskPayload(task)}, task.TeamScope)
	o.persist.MarkDirty()
	o.scoreU.MarkDirty()
	o.log.Info("task aborted", "task", task.ID, "by", caller.ID)
	return nil
}

// AdjustDuration changes the running task's duration by delta. Fails
// if the resulting remaining time would be negative.
func (o *Orchestrator) AdjustDuration(ctx context.Context, caller Caller, delta time.Duration) error {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	task := o.run.RunningTask(o.scopeFor(caller))
	if task == nil || task.Status != models.TaskRunning {
		return errors.WrongState("no running task")
	}
	if task.Remaining(o.now())+delta < 0 {
		return errors.InvalidArgumentf("duration change of %s would end the task in the past", delta)
	}
	task.Duration += delta
	o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskUpdated, Payload: taskPayload(task)}, task.TeamScope)
	o.persist.MarkDirty()
	return nil
}

// OverrideReadyState forces one client's readiness flag
func (o *Orchestrator) OverrideReadyState(ctx context.Context, caller Caller, clientID string) error {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return err
	}
	return o.gate.Override(clientID)
}

// ---- client protocol passthrough ----

// RegisterClient adds a client to the readiness gate
func (o *Orchestrator) RegisterClient(clientID string) { o.gate.Register(clientID) }

// UnregisterClient removes a client from the readiness gate
func (o *Orchestrator) UnregisterClient(clientID string) { o.gate.Unregister(clientID) }

// SetClientReady records a client's ack for the prepared task
func (o *Orchestrator) SetClientReady(clientID string) { o.gate.SetReady(clientID) }

// Readiness returns a snapshot of the gate
func (o *Orchestrator) Readiness() GateState { return o.gate.State() }

// ---- submissions ----

// PostSubmission runs the pipeline for one submission: state check,
// team check, filters, append, validation, async score enqueue. It
// holds only the read lock so it stays processable mid-tick.
func (o *Orchestrator) PostSubmission(ctx context.Context, caller Caller, target models.SubmissionTarget) (models.SubmissionStatus, error) {
	if err := requireRole(caller, RoleParticipant, RoleAdmin); err != nil {
		return "", err
	}
	sub := &models.Submission{
		ID:        uuid.NewString(),
		TeamID:    caller.TeamID,
		MemberID:  caller.ID,
		Timestamp: o.now(),
		Target:    target,
		Status:    models.StatusIndeterminate,
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	task := o.run.RunningTask(o.scopeFor(caller))
	if task == nil || task.Status != models.TaskRunning {
		return "", errors.WrongState("no task is currently running")
	}
	if _, ok := o.run.Template.TeamByID(sub.TeamID); !ok {
		return "", errors.UnknownEntityf("no team %s", sub.TeamID)
	}
	if err := o.strategy.AcceptScope(task, sub); err != nil {
		return "", err
	}

	validator := o.validators[task.ID]

	// filters, validation and the append are serialized per task so
	// the submission log keeps acceptance order
	o.taskMu.Lock()
	for _, filter := range o.filters[task.ID] {
		if reason := filter.Check(task, sub); reason != "" {
			o.taskMu.Unlock()
			return "", errors.Rejected(reason)
		}
	}
	if validator != nil {
		sub.Status = validator.Validate(sub)
	}
	task.Submissions = append(task.Submissions, sub)
	o.taskMu.Unlock()

	o.queueMu.Lock()
	o.pending = append(o.pending, pendingScore{task: task, sub: sub})
	o.queueMu.Unlock()

	o.audit.Submission(o.run.ID, task.ID, sub.TeamID, sub.MemberID, sub.ID, string(sub.Status))
	return sub.Status, nil
}

// UpdateSubmissionStatus overrides a submission's verdict
func (o *Orchestrator) UpdateSubmissionStatus(ctx context.Context, caller Caller, submissionID string, status models.SubmissionStatus) error {
	if err := requireRole(caller, RoleJudge, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, task := range o.run.Tasks {
		for _, sub := range task.Submissions {
			if sub.ID != submissionID {
				continue
			}
			sub.Status = status
			o.audit.ValidateSubmission(o.run.ID, sub.ID, string(status), caller.ID)
			o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskUpdated, Payload: taskPayload(task)}, task.TeamScope)
			o.persist.MarkDirty()
			o.scoreU.MarkDirty()
			return nil
		}
	}
	return errors.UnknownEntityf("no submission %s", submissionID)
}

// NextJudgement claims the next submission awaiting a human verdict on
// the current task. The returned token must accompany the verdict.
func (o *Orchestrator) NextJudgement(ctx context.Context, caller Caller) (string, models.Submission, error) {
	if err := requireRole(caller, RoleJudge, RoleAdmin); err != nil {
		return "", models.Submission{}, err
	}
	o.mu.RLock()
	validator, err := o.currentJudgementValidator()
	o.mu.RUnlock()
	if err != nil {
		return "", models.Submission{}, err
	}
	token, sub, err := validator.Next(caller.ID)
	if err != nil {
		return "", models.Submission{}, err
	}
	return token, *sub, nil
}

// PostJudgement resolves a previously claimed submission
func (o *Orchestrator) PostJudgement(ctx context.Context, caller Caller, token string, status models.SubmissionStatus) error {
	if err := requireRole(caller, RoleJudge, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	validator, err := o.currentJudgementValidator()
	if err != nil {
		return err
	}
	sub, err := validator.Judge(token, status)
	if err != nil {
		return err
	}
	o.audit.ValidateSubmission(o.run.ID, sub.ID, string(status), caller.ID)
	o.persist.MarkDirty()
	o.scoreU.MarkDirty()
	return nil
}

// PostVote casts one verdict vote on the submission currently up for vote
func (o *Orchestrator) PostVote(ctx context.Context, caller Caller, status models.SubmissionStatus) error {
	if err := requireRole(caller, RoleJudge, RoleViewer, RoleAdmin); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	validator, err := o.currentVoteValidator()
	if err != nil {
		return err
	}
	sub, err := validator.Vote(caller.ID, status)
	if err != nil {
		return err
	}
	if sub != nil {
		o.audit.ValidateSubmission(o.run.ID, sub.ID, string(status), "vote")
		o.persist.MarkDirty()
		o.scoreU.MarkDirty()
	}
	return nil
}

func (o *Orchestrator) currentJudgementValidator() (*verdict.JudgementValidator, error) {
	task := o.run.CurrentTask()
	if task == nil {
		return nil, errors.WrongState("no current task")
	}
	validator, ok := o.validators[task.ID].(*verdict.JudgementValidator)
	if !ok {
		return nil, errors.WrongStatef("task %s is not judged manually", task.ID)
	}
	return validator, nil
}

func (o *Orchestrator) currentVoteValidator() (*verdict.VoteValidator, error) {
	task := o.run.CurrentTask()
	if task == nil {
		return nil, errors.WrongState("no current task")
	}
	validator, ok := o.validators[task.ID].(*verdict.VoteValidator)
	if !ok {
		return nil, errors.WrongStatef("task %s is not vote-validated", task.ID)
	}
	return validator, nil
}

// ---- read accessors ----

// CurrentTemplate returns the task template under the pointer
func (o *Orchestrator) CurrentTemplate() (models.TaskTemplate, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.run.TemplateIndex < 0 || o.run.TemplateIndex >= len(o.run.Template.Tasks) {
		return models.TaskTemplate{}, errors.UnknownEntity("no current task template")
	}
	return o.run.Template.Tasks[o.run.TemplateIndex], nil
}

// TaskInfo is a point-in-time view of a task run
type TaskInfo struct {
	ID          string            `json:"id"`
	TemplateID  string            `json:"template_id"`
	TeamScope   string            `json:"team_scope,omitempty"`
	Status      models.TaskStatus `json:"status"`
	Elapsed     time.Duration     `json:"elapsed"`
	Remaining   time.Duration     `json:"remaining"`
	Submissions int               `json:"submissions"`
}

// CurrentTaskInfo returns a view of the most recent task run
func (o *Orchestrator) CurrentTaskInfo() (TaskInfo, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task := o.run.CurrentTask()
	if task == nil {
		return TaskInfo{}, errors.UnknownEntity("no task has been started")
	}
	now := o.now()
	o.taskMu.Lock()
	count := len(task.Submissions)
	o.taskMu.Unlock()
	return TaskInfo{
		ID:          task.ID,
		TemplateID:  task.TemplateID,
		TeamScope:   task.TeamScope,
		Status:      task.Status,
		Elapsed:     task.Elapsed(now),
		Remaining:   task.Remaining(now),
		Submissions: count,
	}, nil
}

// Submissions returns the submissions of a task run in acceptance
// order. Participants only see them when the run permits it, limited
// to the configured preview length.
func (o *Orchestrator) Submissions(caller Caller, taskRunID string) ([]models.Submission, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.run.TaskRunByID(taskRunID)
	if !ok {
		return nil, errors.UnknownEntityf("no task run %s", taskRunID)
	}
	privileged := caller.HasRole(RoleAdmin) || caller.HasRole(RoleJudge) || caller.HasRole(RoleViewer)
	if !privileged && !o.run.Template.Config.ParticipantsCanView {
		return nil, errors.Forbidden("submissions are not visible to participants")
	}

	o.taskMu.Lock()
	subs := make([]models.Submission, len(task.Submissions))
	for i, sub := range task.Submissions {
		subs[i] = *sub
	}
	o.taskMu.Unlock()

	if limit := o.run.Template.Config.SubmissionPreviewLimit; !privileged && limit > 0 && len(subs) > limit {
		subs = subs[len(subs)-limit:]
	}
	return subs, nil
}

// Scoreboards returns the current ranked standings of every board
func (o *Orchestrator) Scoreboards() map[string][]verdict.TeamScore {
	boards := make(map[string][]verdict.TeamScore, len(o.boards))
	for _, board := range o.boards {
		boards[board.Name()] = board.Ranking()
	}
	return boards
}

// ScoreSeries returns the append-only score series of one board
func (o *Orchestrator) ScoreSeries(name string) ([]verdict.ScoreSample, error) {
	for _, board := range o.boards {
		if board.Name() == name {
			return board.Series(), nil
		}
	}
	return nil, errors.UnknownEntityf("no scoreboard %s", name)
}

// ---- loop ----

// Run executes the update loop until the run terminates, the context
// is cancelled or the fail-stationary path halts it. Every updatable
// runs exactly once more before return to flush pending state.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	defer o.flush(ctx)

	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()

	o.log.Info("loop started", "tick", o.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			o.log.Info("loop cancelled")
			return
		case <-ticker.C:
			if o.Status() == models.RunTerminated {
				o.log.Info("loop finished, run terminated")
				return
			}
			if err := o.Tick(ctx); err != nil {
				o.failures++
				o.log.Error("tick failed", "consecutive", o.failures, "error", err)
				if o.failures >= o.opts.MaxLoopFailures {
					o.failStationary(ctx)
					return
				}
			} else {
				o.failures = 0
			}
		}
	}
}

// Tick performs one loop iteration: drain queued submissions, evaluate
// internal state transitions, then run due updatables in phase order.
// A failing updatable is logged and isolated; the tick reports failure
// so consecutive failures can trip the fail-stationary path.
func (o *Orchestrator) Tick(ctx context.Context) error {
	now := o.now()

	o.mu.Lock()
	o.drainPendingLocked(now)
	o.evaluateTransitionsLocked(now)
	status := o.run.Status
	o.mu.Unlock()

	o.mu.RLock()
	defer o.mu.RUnlock()
	var failed bool
	for _, updatable := range o.updatables {
		if !updatable.ShouldUpdate(status) {
			continue
		}
		if err := o.safeUpdate(ctx, updatable, now); err != nil {
			o.log.Error("updatable failed", "updatable", updatable.Name(), "error", err)
			failed = true
		}
	}
	if failed {
		return errors.Internalf("one or more updatables failed")
	}
	return nil
}

// drainPendingLocked moves queued (task, submission) pairs into effect:
// scoreboards go dirty and the prolong-on-submission policy is applied.
func (o *Orchestrator) drainPendingLocked(now time.Time) {
	o.queueMu.Lock()
	pending := o.pending
	o.pending = nil
	o.queueMu.Unlock()
	if len(pending) == 0 {
		return
	}

	o.scoreU.MarkDirty()
	o.persist.MarkDirty()

	prolong := o.run.Template.Config.Prolong
	if !prolong.Enabled {
		return
	}
	for _, entry := range pending {
		task := entry.task
		if task.Status != models.TaskRunning {
			continue
		}
		if prolong.CorrectOnly && entry.sub.Status != models.StatusCorrect {
			continue
		}
		if task.Remaining(now) > prolong.Threshold {
			continue
		}
		task.Duration += prolong.ExtendBy
		o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskUpdated, Payload: taskPayload(task)}, task.TeamScope)
		o.log.Info("task prolonged", "task", task.ID, "by", prolong.ExtendBy)
	}
}

// evaluateTransitionsLocked advances task sub-states: PREPARING tasks
// start once the gate is satisfied, RUNNING tasks end once their
// duration plus grace has elapsed.
func (o *Orchestrator) evaluateTransitionsLocked(now time.Time) {
	for _, task := range o.run.Tasks {
		switch task.Status {
		case models.TaskPreparing:
			if o.strategy.RequiresReadiness() && !o.gate.AllReadyOrTimedOut() {
				continue
			}
			if err := task.Start(now); err != nil {
				o.log.Error("task start failed", "task", task.ID, "error", err)
				continue
			}
			o.audit.TaskStart(o.run.ID, task.ID)
			o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskStart, Payload: taskPayload(task)}, task.TeamScope)
			o.persist.MarkDirty()
			o.log.Info("task running", "task", task.ID)
		case models.TaskRunning:
			if task.Elapsed(now) < task.Duration+o.opts.EndGrace {
				continue
			}
			if err := task.End(now); err != nil {
				o.log.Error("task end failed", "task", task.ID, "error", err)
				continue
			}
			o.audit.TaskEnd(o.run.ID, task.ID)
			o.messages.Enqueue(models.ServerMessage{RunID: o.run.ID, Type: models.ServerTaskEnd, Payload: taskPayload(task)}, task.TeamScope)
			o.persist.MarkDirty()
			o.scoreU.MarkDirty()
			o.log.Info("task ended", "task", task.ID)
		}
	}
}

// safeUpdate isolates one updatable invocation, converting panics to errors
func (o *Orchestrator) safeUpdate(ctx context.Context, updatable Updatable, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internalf("updatable %s panicked: %v", updatable.Name(), r)
		}
	}()
	return updatable.Update(ctx, now)
}

// failStationary dumps the run's full state to durable storage before
// the loop halts.
func (o *Orchestrator) failStationary(ctx context.Context) {
	o.log.Error("too many consecutive loop failures, halting", "failures", o.failures)
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err := o.repo.Save(ctx, o.snapshotRun()); err != nil {
		o.log.Error("state dump failed", "error", err)
	}
}

// flush runs every updatable exactly once more, ignoring ShouldUpdate,
// so pending scores, saves and messages leave the process.
func (o *Orchestrator) flush(ctx context.Context) {
	now := o.now()
	o.mu.Lock()
	o.drainPendingLocked(now)
	o.mu.Unlock()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, updatable := range o.updatables {
		if err := o.safeUpdate(ctx, updatable, now); err != nil {
			o.log.Error("flush failed", "updatable", updatable.Name(), "error", err)
		}
	}
}

func taskPayload(task *models.TaskRun) map[string]interface{} {
	payload := map[string]interface{}{
		"task_id":     task.ID,
		"template_id": task.TemplateID,
		"status":      task.Status,
	}
	if task.TeamScope != "" {
		payload["team_scope"] = task.TeamScope
	}
	return payload
}
