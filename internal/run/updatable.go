package run

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/verdict"
)

// Update phases; updatables run in ascending phase order each tick.
// Message dispatch runs last so a tick's state changes go out together.
const (
	PhaseScore   = 10
	PhasePersist = 20
	PhaseMessage = 30
)

// Updatable is a periodic unit of work scheduled by the orchestrator
// loop. The registered set is fixed at orchestrator construction.
type Updatable interface {
	Name() string
	Phase() int
	ShouldUpdate(status models.RunStatus) bool
	Update(ctx context.Context, now time.Time) error
}

// ScoreboardUpdatable recomputes dirty scoreboards and announces the
// new standings. It reads task state through a snapshot so submission
// intake, which appends outside the loop's lock, stays undisturbed.
type ScoreboardUpdatable struct {
	runID    string
	tasks    func() []*models.TaskRun
	boards   []*verdict.Scoreboard
	messages *MessageUpdatable
}

func NewScoreboardUpdatable(runID string, tasks func() []*models.TaskRun, boards []*verdict.Scoreboard, messages *MessageUpdatable) *ScoreboardUpdatable {
	return &ScoreboardUpdatable{runID: runID, tasks: tasks, boards: boards, messages: messages}
}

func (u *ScoreboardUpdatable) Name() string { return "scoreboards" }
func (u *ScoreboardUpdatable) Phase() int   { return PhaseScore }

func (u *ScoreboardUpdatable) ShouldUpdate(status models.RunStatus) bool {
	return status == models.RunActive
}

func (u *ScoreboardUpdatable) Update(ctx context.Context, now time.Time) error {
	var tasks []*models.TaskRun
	recomputed := false
	for _, board := range u.boards {
		if !board.Dirty() {
			continue
		}
		if tasks == nil {
			tasks = u.tasks()
		}
		board.Recompute(now, tasks)
		recomputed = true
	}
	if recomputed && u.messages != nil {
		u.messages.Enqueue(models.ServerMessage{
			RunID: u.runID,
			Type:  models.ServerCompetitionUpdate,
		}, "")
	}
	return nil
}

// MarkDirty flags every board for recomputation on the next update
func (u *ScoreboardUpdatable) MarkDirty() {
	for _, board := range u.boards {
		board.MarkDirty()
	}
}

// PersistenceUpdatable saves the run through the repository when its
// dirty flag is set. State transitions and accepted submissions set
// the flag; the loop (not the request path) pays for the write. The
// saved document is a snapshot, so serialization never observes a
// submission append in progress.
type PersistenceUpdatable struct {
	snapshot func() *models.EvaluationRun
	repo     Persistence
	dirty    atomic.Bool
}

func NewPersistenceUpdatable(snapshot func() *models.EvaluationRun, repo Persistence) *PersistenceUpdatable {
	return &PersistenceUpdatable{snapshot: snapshot, repo: repo}
}

func (u *PersistenceUpdatable) Name() string { return "persistence" }
func (u *PersistenceUpdatable) Phase() int   { return PhasePersist }

func (u *PersistenceUpdatable) ShouldUpdate(status models.RunStatus) bool {
	return u.dirty.Load()
}

func (u *PersistenceUpdatable) Update(ctx context.Context, now time.Time) error {
	if !u.dirty.CompareAndSwap(true, false) {
		return nil
	}
	if err := u.repo.Save(ctx, u.snapshot()); err != nil {
		u.dirty.Store(true)
		return err
	}
	return nil
}

// MarkDirty schedules a save on the next update
func (u *PersistenceUpdatable) MarkDirty() {
	u.dirty.Store(true)
}

// MessageUpdatable drains the outbound message queue to the
// broadcaster. Control operations enqueue and return; delivery happens
// on the loop, after scoring and persistence of the same tick.
type MessageUpdatable struct {
	broadcaster Broadcaster

	mu    sync.Mutex
	queue []outbound
}

type outbound struct {
	msg    models.ServerMessage
	teamID string // empty broadcasts to the whole run
}

func NewMessageUpdatable(broadcaster Broadcaster) *MessageUpdatable {
	return &MessageUpdatable{broadcaster: broadcaster}
}

func (u *MessageUpdatable) Name() string { return "messages" }
func (u *MessageUpdatable) Phase() int   { return PhaseMessage }

func (u *MessageUpdatable) ShouldUpdate(status models.RunStatus) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.queue) > 0
}

// Enqueue schedules a message for the next dispatch. A non-empty
// teamID narrows delivery to that team's clients.
func (u *MessageUpdatable) Enqueue(msg models.ServerMessage, teamID string) {
	u.mu.Lock()
	u.queue = append(u.queue, outbound{msg: msg, teamID: teamID})
	u.mu.Unlock()
}

func (u *MessageUpdatable) Update(ctx context.Context, now time.Time) error {
	u.mu.Lock()
	pending := u.queue
	u.queue = nil
	u.mu.Unlock()

	for _, out := range pending {
		if out.teamID != "" {
			u.broadcaster.BroadcastTeam(out.msg.RunID, out.teamID, out.msg)
		} else {
			u.broadcaster.BroadcastRun(out.msg.RunID, out.msg)
		}
	}
	return nil
}

var (
	_ Updatable = (*ScoreboardUpdatable)(nil)
	_ Updatable = (*PersistenceUpdatable)(nil)
	_ Updatable = (*MessageUpdatable)(nil)
)
