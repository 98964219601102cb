package run_test

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/repository/mock"
	"github.com/dres-dev/DRES-sub000/internal/run"
	"github.com/dres-dev/DRES-sub000/internal/testutil"
	"github.com/dres-dev/DRES-sub000/pkg/auditlog"
)

// stubBroadcaster records outbound messages without a websocket hub
type stubBroadcaster struct {
	mu       sync.Mutex
	messages []models.ServerMessage
}

func (b *stubBroadcaster) record(msg models.ServerMessage) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
}

func (b *stubBroadcaster) BroadcastAll(msg models.ServerMessage)                 { b.record(msg) }
func (b *stubBroadcaster) BroadcastRun(runID string, msg models.ServerMessage)   { b.record(msg) }
func (b *stubBroadcaster) BroadcastTeam(runID, teamID string, msg models.ServerMessage) {
	b.record(msg)
}
func (b *stubBroadcaster) Send(clientID string, msg models.ServerMessage) { b.record(msg) }

func (b *stubBroadcaster) countByType(msgType models.ServerMessageType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, msg := range b.messages {
		if msg.Type == msgType {
			count++
		}
	}
	return count
}

var (
	admin       = run.Caller{ID: "admin", Roles: []run.Role{run.RoleAdmin}}
	participant = run.Caller{ID: "p1", Roles: []run.Role{run.RoleParticipant}, TeamID: "t1"}
	judge       = run.Caller{ID: "j1", Roles: []run.Role{run.RoleJudge}}
	viewer      = run.Caller{ID: "v1", Roles: []run.Role{run.RoleViewer}}
)

func testTemplate() models.RunTemplate {
	return models.RunTemplate{
		ID:   "tmpl",
		Name: "Test Competition",
		Tasks: []models.TaskTemplate{
			{
				ID:         "task-a",
				Name:       "Find the whale",
				Duration:   60 * time.Second,
				Validation: models.ValidationConfig{Kind: models.ValidateItem},
				Targets:    []models.Target{{ItemID: "v001"}},
			},
			{
				ID:         "task-b",
				Name:       "Name the whale",
				Duration:   60 * time.Second,
				Validation: models.ValidationConfig{Kind: models.ValidateText},
				Targets:    []models.Target{{Text: "blue whale"}},
			},
		},
		Teams: []models.Team{
			{ID: "t1", Name: "Team One", Members: []string{"p1"}},
			{ID: "t2", Name: "Team Two", Members: []string{"p2"}},
		},
	}
}

type fixture struct {
	orc   *run.Orchestrator
	clock *testutil.FakeClock
	repo  *mock.Repository
	audit *auditlog.MockClient
	hub   *stubBroadcaster
}

func newFixture(t *testing.T, mutate func(*models.EvaluationRun)) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := mock.New()
	audit := auditlog.NewMockClient()
	hub := &stubBroadcaster{}

	evalRun := &models.EvaluationRun{
		ID:       "run1",
		Name:     "Test Run",
		Kind:     models.KindSynchronous,
		Template: testTemplate(),
		Status:   models.RunCreated,
	}
	if mutate != nil {
		mutate(evalRun)
	}

	orc := run.NewOrchestrator(logger.New(), evalRun, repo, audit, hub, run.Options{
		ReadinessTimeout: 30 * time.Second,
		EndGrace:         5 * time.Second,
		Clock:            clock.Now,
	})
	return &fixture{orc: orc, clock: clock, repo: repo, audit: audit, hub: hub}
}

func (f *fixture) mustStart(t *testing.T) {
	t.Helper()
	if err := f.orc.Start(context.Background(), admin); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func (f *fixture) mustStartTask(t *testing.T) string {
	t.Helper()
	taskID, err := f.orc.StartTask(context.Background(), admin)
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	return taskID
}

func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.orc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
}

func (f *fixture) taskStatus(t *testing.T) models.TaskStatus {
	t.Helper()
	info, err := f.orc.CurrentTaskInfo()
	if err != nil {
		t.Fatalf("CurrentTaskInfo failed: %v", err)
	}
	return info.Status
}

// TestRunLifecycle_TaskStartsAndEndsWithoutClients covers the plain
// path: no clients registered, so a prepared task starts on the next
// tick and ends once its duration plus grace has elapsed.
func TestRunLifecycle_TaskStartsAndEndsWithoutClients(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)

	if got := f.taskStatus(t); got != models.TaskPreparing {
		t.Fatalf("expected PREPARING after StartTask, got %s", got)
	}

	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Fatalf("expected RUNNING after first tick, got %s", got)
	}
	if f.audit.CountByType(auditlog.EventTaskStart) != 1 {
		t.Error("expected a task start audit event")
	}

	// one second short of duration + grace
	f.clock.Advance(64 * time.Second)
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Fatalf("task ended before duration + grace elapsed, got %s", got)
	}

	f.clock.Advance(time.Second)
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskEnded {
		t.Fatalf("expected ENDED after 65s, got %s", got)
	}
	if f.audit.CountByType(auditlog.EventTaskEnd) != 1 {
		t.Error("expected a task end audit event")
	}
	if f.hub.countByType(models.ServerTaskEnd) == 0 {
		t.Error("expected a TASK_END broadcast")
	}
}

// TestReadiness_TaskWaitsForAcksThenTimesOut covers a slow client: the
// task stays PREPARING until the readiness timeout elapses.
func TestReadiness_TaskWaitsForAcksThenTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.orc.RegisterClient("c1")
	f.orc.RegisterClient("c2")
	f.mustStartTask(t)

	f.orc.SetClientReady("c1")
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskPreparing {
		t.Fatalf("task should wait for c2's ack, got %s", got)
	}

	f.clock.Advance(31 * time.Second)
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Fatalf("task should start after the readiness timeout, got %s", got)
	}
}

// TestReadiness_AllAcksStartTask covers the happy synchronization path
func TestReadiness_AllAcksStartTask(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.orc.RegisterClient("c1")
	f.orc.RegisterClient("c2")
	f.mustStartTask(t)

	f.orc.SetClientReady("c1")
	f.orc.SetClientReady("c2")
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Fatalf("expected RUNNING once every client acked, got %s", got)
	}
}

// TestPostSubmission_RejectedWhilePreparing tests that submissions are
// refused until the task actually runs
func TestPostSubmission_RejectedWhilePreparing(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.orc.RegisterClient("c1")
	f.mustStartTask(t)

	_, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v001"})
	if err == nil {
		t.Fatal("expected rejection while PREPARING")
	}
	if apperrors.KindOf(err) != apperrors.ErrWrongState {
		t.Errorf("expected wrong-state error, got %v", err)
	}
}

// TestPostSubmission_Validated tests synchronous validation on accept
func TestPostSubmission_Validated(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	status, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v001"})
	if err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	if status != models.StatusCorrect {
		t.Errorf("expected CORRECT, got %s", status)
	}

	status, err = f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v999"})
	if err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	if status != models.StatusWrong {
		t.Errorf("expected WRONG, got %s", status)
	}
	if f.audit.CountByType(auditlog.EventSubmission) != 2 {
		t.Error("expected two submission audit events")
	}
}

// TestPostSubmission_UnknownTeam tests that a caller outside the
// template's teams is refused
func TestPostSubmission_UnknownTeam(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	stranger := run.Caller{ID: "px", Roles: []run.Role{run.RoleParticipant}, TeamID: "t99"}
	_, err := f.orc.PostSubmission(context.Background(), stranger, models.SubmissionTarget{ItemID: "v001"})
	if apperrors.KindOf(err) != apperrors.ErrUnknownEntity {
		t.Errorf("expected unknown-entity error, got %v", err)
	}
}

// TestPostSubmission_FilterRejection tests that a filter reason is
// surfaced as a rejected error
func TestPostSubmission_FilterRejection(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Tasks[0].Filter = models.FilterConfig{RejectDuplicates: true}
	})
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	if _, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v001"}); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	_, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v001"})
	if apperrors.KindOf(err) != apperrors.ErrRejected {
		t.Errorf("expected rejected error for duplicate, got %v", err)
	}
}

// TestAdjustDuration tests extending and the negative-remaining guard
func TestAdjustDuration(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	if err := f.orc.AdjustDuration(context.Background(), admin, 10*time.Second); err != nil {
		t.Fatalf("AdjustDuration failed: %v", err)
	}
	info, err := f.orc.CurrentTaskInfo()
	if err != nil {
		t.Fatalf("CurrentTaskInfo failed: %v", err)
	}
	if info.Remaining != 70*time.Second {
		t.Errorf("expected 70s remaining after +10s, got %s", info.Remaining)
	}

	err = f.orc.AdjustDuration(context.Background(), admin, -80*time.Second)
	if apperrors.KindOf(err) != apperrors.ErrInvalidArgument {
		t.Errorf("expected invalid-argument error for negative remaining, got %v", err)
	}
}

// TestNavigation tests the template pointer rules
func TestNavigation(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	ctx := context.Background()

	if err := f.orc.Previous(ctx, admin); apperrors.KindOf(err) != apperrors.ErrInvalidArgument {
		t.Errorf("expected out-of-range error at index 0, got %v", err)
	}
	if err := f.orc.Next(ctx, admin); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if err := f.orc.Next(ctx, admin); apperrors.KindOf(err) != apperrors.ErrInvalidArgument {
		t.Errorf("expected out-of-range error past the last task, got %v", err)
	}
	if err := f.orc.GoTo(ctx, admin, 0); err != nil {
		t.Fatalf("GoTo failed: %v", err)
	}

	tmpl, err := f.orc.CurrentTemplate()
	if err != nil {
		t.Fatalf("CurrentTemplate failed: %v", err)
	}
	if tmpl.ID != "task-a" {
		t.Errorf("expected task-a under the pointer, got %s", tmpl.ID)
	}
}

// TestNavigation_BlockedWhileTaskActive tests that the pointer is pinned
// while a task is not ended
func TestNavigation_BlockedWhileTaskActive(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)

	err := f.orc.Next(context.Background(), admin)
	if apperrors.KindOf(err) != apperrors.ErrWrongState {
		t.Errorf("expected wrong-state error, got %v", err)
	}
}

// TestStartTask_RepeatRejected tests the repeated-template guard
func TestStartTask_RepeatRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)
	if err := f.orc.AbortTask(context.Background(), admin); err != nil {
		t.Fatalf("AbortTask failed: %v", err)
	}

	_, err := f.orc.StartTask(context.Background(), admin)
	if apperrors.KindOf(err) != apperrors.ErrWrongState {
		t.Errorf("expected wrong-state error for repeated template, got %v", err)
	}
}

// TestStartTask_RepeatAllowedWhenConfigured tests the AllowRepeatedTasks flag
func TestStartTask_RepeatAllowedWhenConfigured(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Config.AllowRepeatedTasks = true
	})
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)
	if err := f.orc.AbortTask(context.Background(), admin); err != nil {
		t.Fatalf("AbortTask failed: %v", err)
	}

	if _, err := f.orc.StartTask(context.Background(), admin); err != nil {
		t.Errorf("repeat should be allowed: %v", err)
	}
}

// TestStartTask_SecondTaskWhileActiveRejected tests the single active
// task invariant
func TestStartTask_SecondTaskWhileActiveRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)

	_, err := f.orc.StartTask(context.Background(), admin)
	if apperrors.KindOf(err) != apperrors.ErrWrongState {
		t.Errorf("expected wrong-state error, got %v", err)
	}
}

// TestEndRun_EndsActiveTask tests that terminating the run closes the
// running task first
func TestEndRun_EndsActiveTask(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	if err := f.orc.End(context.Background(), admin); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if f.orc.Status() != models.RunTerminated {
		t.Errorf("expected TERMINATED, got %s", f.orc.Status())
	}
	if got := f.taskStatus(t); got != models.TaskEnded {
		t.Errorf("expected the task to be ended, got %s", got)
	}
	if f.audit.CountByType(auditlog.EventCompetitionEnd) != 1 {
		t.Error("expected a competition end audit event")
	}
}

// TestReactivate tests run and task reactivation
func TestReactivate(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)
	ctx := context.Background()

	if err := f.orc.End(ctx, admin); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if err := f.orc.Reactivate(ctx, admin); err != nil {
		t.Fatalf("Reactivate failed: %v", err)
	}
	if f.orc.Status() != models.RunActive {
		t.Errorf("expected ACTIVE after reactivation, got %s", f.orc.Status())
	}

	if err := f.orc.ReactivateTask(ctx, admin, taskID); err != nil {
		t.Fatalf("ReactivateTask failed: %v", err)
	}
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Errorf("expected RUNNING after task reactivation, got %s", got)
	}

	// a second reactivation must fail while the task runs
	if err := f.orc.ReactivateTask(ctx, admin, taskID); apperrors.KindOf(err) != apperrors.ErrWrongState {
		t.Errorf("expected wrong-state error, got %v", err)
	}
}

// TestRoleEnforcement tests that control operations are admin-only
func TestRoleEnforcement(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.orc.Start(ctx, participant); apperrors.KindOf(err) != apperrors.ErrForbidden {
		t.Errorf("Start by participant: expected forbidden, got %v", err)
	}
	f.mustStart(t)
	if _, err := f.orc.StartTask(ctx, participant); apperrors.KindOf(err) != apperrors.ErrForbidden {
		t.Errorf("StartTask by participant: expected forbidden, got %v", err)
	}
	if err := f.orc.AdjustDuration(ctx, judge, time.Second); apperrors.KindOf(err) != apperrors.ErrForbidden {
		t.Errorf("AdjustDuration by judge: expected forbidden, got %v", err)
	}
	if _, err := f.orc.PostSubmission(ctx, viewer, models.SubmissionTarget{}); apperrors.KindOf(err) != apperrors.ErrForbidden {
		t.Errorf("PostSubmission by viewer: expected forbidden, got %v", err)
	}
}

// TestProlongOnSubmission tests the late-submission extension policy
func TestProlongOnSubmission(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Config.Prolong = models.ProlongConfig{
			Enabled:   true,
			Threshold: 10 * time.Second,
			ExtendBy:  20 * time.Second,
		}
	})
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	// early submission: remaining 55s > threshold, no extension
	f.clock.Advance(5 * time.Second)
	if _, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v001"}); err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	f.tick(t)
	info, _ := f.orc.CurrentTaskInfo()
	if info.Remaining != 55*time.Second {
		t.Fatalf("early submission must not extend, remaining %s", info.Remaining)
	}

	// late submission: remaining 5s <= threshold, extend by 20s
	f.clock.Advance(50 * time.Second)
	if _, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v999"}); err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	f.tick(t)
	info, _ = f.orc.CurrentTaskInfo()
	if info.Remaining != 25*time.Second {
		t.Errorf("expected 25s remaining after extension, got %s", info.Remaining)
	}
}

// TestSubmissionVisibility tests participant access to the submission log
func TestSubmissionVisibility(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Config.SubmissionPreviewLimit = 2
	})
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)

	for _, item := range []string{"a", "b", "c", "v001"} {
		if _, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: item}); err != nil {
			t.Fatalf("PostSubmission failed: %v", err)
		}
	}

	// hidden by default
	if _, err := f.orc.Submissions(participant, taskID); apperrors.KindOf(err) != apperrors.ErrForbidden {
		t.Errorf("expected forbidden for participants, got %v", err)
	}

	// admins always see everything
	subs, err := f.orc.Submissions(admin, taskID)
	if err != nil {
		t.Fatalf("Submissions failed: %v", err)
	}
	if len(subs) != 4 {
		t.Errorf("admin should see 4 submissions, got %d", len(subs))
	}
}

// TestSubmissionVisibility_PreviewLimit tests the trimmed participant view
func TestSubmissionVisibility_PreviewLimit(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Config.ParticipantsCanView = true
		r.Template.Config.SubmissionPreviewLimit = 2
	})
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)

	for _, item := range []string{"a", "b", "c"} {
		if _, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: item}); err != nil {
			t.Fatalf("PostSubmission failed: %v", err)
		}
	}

	subs, err := f.orc.Submissions(participant, taskID)
	if err != nil {
		t.Fatalf("Submissions failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected the last 2 submissions, got %d", len(subs))
	}
	if subs[0].Target.ItemID != "b" || subs[1].Target.ItemID != "c" {
		t.Errorf("expected the most recent submissions, got %s and %s", subs[0].Target.ItemID, subs[1].Target.ItemID)
	}
}

// TestUpdateSubmissionStatus tests the manual verdict override
func TestUpdateSubmissionStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)
	ctx := context.Background()

	if _, err := f.orc.PostSubmission(ctx, participant, models.SubmissionTarget{ItemID: "v999"}); err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	subs, err := f.orc.Submissions(admin, taskID)
	if err != nil {
		t.Fatalf("Submissions failed: %v", err)
	}

	if err := f.orc.UpdateSubmissionStatus(ctx, judge, subs[0].ID, models.StatusCorrect); err != nil {
		t.Fatalf("UpdateSubmissionStatus failed: %v", err)
	}
	subs, _ = f.orc.Submissions(admin, taskID)
	if subs[0].Status != models.StatusCorrect {
		t.Errorf("expected CORRECT after override, got %s", subs[0].Status)
	}

	if err := f.orc.UpdateSubmissionStatus(ctx, judge, "nope", models.StatusWrong); apperrors.KindOf(err) != apperrors.ErrUnknownEntity {
		t.Errorf("expected unknown-entity error, got %v", err)
	}
}

// TestJudgementFlow tests the claim/judge cycle through the orchestrator
func TestJudgementFlow(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Tasks[0].Validation = models.ValidationConfig{Kind: models.ValidateJudgement}
	})
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)
	ctx := context.Background()

	status, err := f.orc.PostSubmission(ctx, participant, models.SubmissionTarget{ItemID: "v001"})
	if err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	if status != models.StatusIndeterminate {
		t.Fatalf("judged tasks should accept as INDETERMINATE, got %s", status)
	}

	token, sub, err := f.orc.NextJudgement(ctx, judge)
	if err != nil {
		t.Fatalf("NextJudgement failed: %v", err)
	}
	if sub.Target.ItemID != "v001" {
		t.Errorf("claimed wrong submission: %+v", sub)
	}
	if err := f.orc.PostJudgement(ctx, judge, token, models.StatusCorrect); err != nil {
		t.Fatalf("PostJudgement failed: %v", err)
	}

	subs, _ := f.orc.Submissions(admin, taskID)
	if subs[0].Status != models.StatusCorrect {
		t.Errorf("expected CORRECT after judgement, got %s", subs[0].Status)
	}
}

// TestVoteFlow tests quorum voting through the orchestrator
func TestVoteFlow(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Template.Tasks[0].Validation = models.ValidationConfig{Kind: models.ValidateVote, VoteQuorum: 2}
	})
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)
	ctx := context.Background()

	if _, err := f.orc.PostSubmission(ctx, participant, models.SubmissionTarget{ItemID: "v001"}); err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}

	if err := f.orc.PostVote(ctx, viewer, models.StatusCorrect); err != nil {
		t.Fatalf("first vote failed: %v", err)
	}
	other := run.Caller{ID: "v2", Roles: []run.Role{run.RoleViewer}}
	if err := f.orc.PostVote(ctx, other, models.StatusCorrect); err != nil {
		t.Fatalf("second vote failed: %v", err)
	}

	subs, _ := f.orc.Submissions(admin, taskID)
	if subs[0].Status != models.StatusCorrect {
		t.Errorf("expected CORRECT after quorum, got %s", subs[0].Status)
	}
}

// TestScoreboards_UpdateOnTick tests that accepted submissions reach the
// boards on the next tick
func TestScoreboards_UpdateOnTick(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.mustStartTask(t)
	f.tick(t)

	if _, err := f.orc.PostSubmission(context.Background(), participant, models.SubmissionTarget{ItemID: "v001"}); err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}
	f.tick(t)

	boards := f.orc.Scoreboards()
	rows, ok := boards["sum"]
	if !ok {
		t.Fatalf("expected a sum board, got %v", boards)
	}
	if len(rows) != 1 || rows[0].TeamID != "t1" || rows[0].Score != 100 {
		t.Errorf("unexpected standings: %+v", rows)
	}

	series, err := f.orc.ScoreSeries("sum")
	if err != nil {
		t.Fatalf("ScoreSeries failed: %v", err)
	}
	if len(series) == 0 {
		t.Error("expected at least one series sample")
	}
}

// TestPersistence_SavedOnTick tests that dirty state reaches the repository
func TestPersistence_SavedOnTick(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.tick(t)

	if f.repo.SaveCount() == 0 {
		t.Fatal("expected a save after the run started")
	}
	saved, err := f.repo.Load(context.Background(), "run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.Status != models.RunActive {
		t.Errorf("expected the saved run to be ACTIVE, got %s", saved.Status)
	}
}

// TestLoop_FailStationary tests that consecutive save failures halt the
// loop after flushing what it can
func TestLoop_FailStationary(t *testing.T) {
	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := mock.New(mock.WithSaveError(apperrors.Internalf("disk gone")))
	evalRun := &models.EvaluationRun{
		ID:       "run1",
		Kind:     models.KindSynchronous,
		Template: testTemplate(),
		Status:   models.RunCreated,
	}
	orc := run.NewOrchestrator(logger.New(), evalRun, repo, auditlog.NewMockClient(), &stubBroadcaster{}, run.Options{
		TickInterval:    time.Millisecond,
		MaxLoopFailures: 3,
		Clock:           clock.Now,
	})
	if err := orc.Start(context.Background(), admin); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orc.Run(ctx)

	select {
	case <-orc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not halt after repeated failures")
	}
	if repo.SaveCount() < 3 {
		t.Errorf("expected at least 3 save attempts, got %d", repo.SaveCount())
	}
}

// TestLoop_ExitsWhenRunTerminates tests the normal loop exit
func TestLoop_ExitsWhenRunTerminates(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orc.Run(ctx)

	if err := f.orc.End(context.Background(), admin); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	select {
	case <-f.orc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after termination")
	}
	// the final flush must have persisted the terminated state
	saved, err := f.repo.Load(context.Background(), "run1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if saved.Status != models.RunTerminated {
		t.Errorf("expected TERMINATED persisted, got %s", saved.Status)
	}
}

// TestAsynchronousRun_PerTeamTasks tests team-scoped task instances
func TestAsynchronousRun_PerTeamTasks(t *testing.T) {
	f := newFixture(t, func(r *models.EvaluationRun) {
		r.Kind = models.KindAsynchronous
	})
	f.mustStart(t)
	ctx := context.Background()

	// a participant starts their own instance, no gate involved
	if _, err := f.orc.StartTask(ctx, participant); err != nil {
		t.Fatalf("StartTask by participant failed: %v", err)
	}
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Fatalf("async task should start without acks, got %s", got)
	}

	// a second team can run the same template concurrently
	p2 := run.Caller{ID: "p2", Roles: []run.Role{run.RoleParticipant}, TeamID: "t2"}
	if _, err := f.orc.StartTask(ctx, p2); err != nil {
		t.Fatalf("StartTask for second team failed: %v", err)
	}

	// the other team's submission does not land in t1's instance
	if _, err := f.orc.PostSubmission(ctx, participant, models.SubmissionTarget{ItemID: "v001"}); err != nil {
		t.Fatalf("PostSubmission failed: %v", err)
	}

	// participants without a team cannot start instances
	headless := run.Caller{ID: "p3", Roles: []run.Role{run.RoleParticipant}}
	if _, err := f.orc.StartTask(ctx, headless); apperrors.KindOf(err) != apperrors.ErrInvalidArgument {
		t.Errorf("expected invalid-argument error without a team, got %v", err)
	}
}

// TestOverrideReadyState tests the admin override through the orchestrator
func TestOverrideReadyState(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	f.orc.RegisterClient("c1")
	f.mustStartTask(t)
	ctx := context.Background()

	if err := f.orc.OverrideReadyState(ctx, participant, "c1"); apperrors.KindOf(err) != apperrors.ErrForbidden {
		t.Errorf("expected forbidden for participants, got %v", err)
	}
	if err := f.orc.OverrideReadyState(ctx, admin, "c1"); err != nil {
		t.Fatalf("OverrideReadyState failed: %v", err)
	}
	f.tick(t)
	if got := f.taskStatus(t); got != models.TaskRunning {
		t.Errorf("expected RUNNING after override, got %s", got)
	}
}

// TestPostSubmission_ConcurrentWithTick hammers submission intake from
// several goroutines while the loop keeps ticking, so the ordering
// between the submission log append and the updatables' reads is
// exercised under contention. Run with -race.
func TestPostSubmission_ConcurrentWithTick(t *testing.T) {
	f := newFixture(t, nil)
	f.mustStart(t)
	taskID := f.mustStartTask(t)
	f.tick(t)

	const writers = 4
	const perWriter = 50
	ctx := context.Background()

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := f.orc.PostSubmission(ctx, participant, models.SubmissionTarget{ItemID: "v001"}); err != nil {
					t.Errorf("PostSubmission failed: %v", err)
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		f.tick(t)
		select {
		case <-done:
			f.tick(t)
			subs, err := f.orc.Submissions(admin, taskID)
			if err != nil {
				t.Fatalf("Submissions failed: %v", err)
			}
			if len(subs) != writers*perWriter {
				t.Errorf("expected %d submissions, got %d", writers*perWriter, len(subs))
			}
			rows := f.orc.Scoreboards()["sum"]
			if len(rows) != 1 || rows[0].TeamID != "t1" || rows[0].Score != 100 {
				t.Errorf("unexpected standings: %+v", rows)
			}
			return
		default:
		}
	}
}
