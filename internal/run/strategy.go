package run

import (
	"sort"

	"github.com/dres-dev/DRES-sub000/internal/errors"
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/verdict"
)

// normalizedMax is the score of the best team on a normalized group board
const normalizedMax = 1000.0

// KindStrategy carries the behaviour that differs between run kinds.
// The state-machine core is shared; navigation rules, submission scope
// and scorer wiring vary per kind.
type KindStrategy interface {
	// RequiresReadiness reports whether task starts wait on the gate
	RequiresReadiness() bool
	// StartScope role-checks a startTask call and returns the team
	// scope of the new task run
	StartScope(caller Caller) (string, error)
	// CanNavigate checks whether the caller may move the task pointer
	CanNavigate(caller Caller) error
	// AcceptScope checks a submission against the task's team scope
	AcceptScope(task *models.TaskRun, sub *models.Submission) error
	// Scoreboards wires the boards maintained for this kind
	Scoreboards(template models.RunTemplate) []*verdict.Scoreboard
}

// StrategyFor returns the strategy for a run kind
func StrategyFor(kind models.RunKind) KindStrategy {
	switch kind {
	case models.KindAsynchronous:
		return asynchronousStrategy{}
	case models.KindNonInteractive:
		return nonInteractiveStrategy{}
	default:
		return synchronousStrategy{}
	}
}

// synchronousStrategy: one task at a time for all teams, started by the
// administrator, clients synchronized through the readiness gate.
type synchronousStrategy struct{}

func (synchronousStrategy) RequiresReadiness() bool { return true }

func (synchronousStrategy) StartScope(caller Caller) (string, error) {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return "", err
	}
	return "", nil
}

func (synchronousStrategy) CanNavigate(caller Caller) error {
	return requireRole(caller, RoleAdmin)
}

func (synchronousStrategy) AcceptScope(task *models.TaskRun, sub *models.Submission) error {
	return nil // all teams share the task
}

func (synchronousStrategy) Scoreboards(template models.RunTemplate) []*verdict.Scoreboard {
	return groupedBoards(template)
}

// groupedBoards builds one max-normalizing board per task group plus a
// sum board across them; templates without groups get one cumulative
// board.
func groupedBoards(template models.RunTemplate) []*verdict.Scoreboard {
	seen := make(map[string]struct{})
	var groups []string
	for _, task := range template.Tasks {
		if task.Group == "" {
			continue
		}
		if _, ok := seen[task.Group]; !ok {
			seen[task.Group] = struct{}{}
			groups = append(groups, task.Group)
		}
	}
	if len(groups) == 0 {
		scorer := verdict.NewCumulativeScorer(verdict.DefaultPointsCorrect, verdict.DefaultPenaltyWrong)
		return []*verdict.Scoreboard{verdict.NewScoreboard("sum", scorer)}
	}
	sort.Strings(groups)

	var boards []*verdict.Scoreboard
	for _, group := range groups {
		inner := verdict.NewCumulativeScorer(verdict.DefaultPointsCorrect, verdict.DefaultPenaltyWrong)
		scorer := verdict.NewMaxNormalizingScorer(inner, group, template.Tasks, normalizedMax)
		boards = append(boards, verdict.NewScoreboard(group, scorer))
	}
	boards = append(boards, verdict.NewScoreboard("sum", verdict.NewBoardSumScorer(boards...)))
	return boards
}

// asynchronousStrategy: each team runs its own task instances on its
// own schedule; no cross-team synchronization, so no readiness gate.
type asynchronousStrategy struct{}

func (asynchronousStrategy) RequiresReadiness() bool { return false }

func (asynchronousStrategy) StartScope(caller Caller) (string, error) {
	if err := requireRole(caller, RoleAdmin, RoleParticipant); err != nil {
		return "", err
	}
	if caller.TeamID == "" {
		return "", errors.InvalidArgument("asynchronous tasks require a team scope")
	}
	return caller.TeamID, nil
}

func (asynchronousStrategy) CanNavigate(caller Caller) error {
	return requireRole(caller, RoleAdmin, RoleParticipant)
}

func (asynchronousStrategy) AcceptScope(task *models.TaskRun, sub *models.Submission) error {
	if task.TeamScope != sub.TeamID {
		return errors.UnknownEntityf("team %s has no running task instance", sub.TeamID)
	}
	return nil
}

func (asynchronousStrategy) Scoreboards(template models.RunTemplate) []*verdict.Scoreboard {
	scorer := verdict.NewTaskAggregateScorer(verdict.DefaultPointsCorrect, verdict.DefaultPenaltyWrong)
	return []*verdict.Scoreboard{verdict.NewScoreboard("task-aggregate", scorer)}
}

// nonInteractiveStrategy: batched result ingestion without live
// clients; tasks start immediately and all teams share them.
type nonInteractiveStrategy struct{}

func (nonInteractiveStrategy) RequiresReadiness() bool { return false }

func (nonInteractiveStrategy) StartScope(caller Caller) (string, error) {
	if err := requireRole(caller, RoleAdmin); err != nil {
		return "", err
	}
	return "", nil
}

func (nonInteractiveStrategy) CanNavigate(caller Caller) error {
	return requireRole(caller, RoleAdmin)
}

func (nonInteractiveStrategy) AcceptScope(task *models.TaskRun, sub *models.Submission) error {
	return nil
}

func (nonInteractiveStrategy) Scoreboards(template models.RunTemplate) []*verdict.Scoreboard {
	return groupedBoards(template)
}
