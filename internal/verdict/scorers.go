package verdict

import (
	"github.com/dres-dev/DRES-sub000/internal/models"
)

// Scorer derives the current per-team scores from a set of task runs.
// Exact formulas are strategy-specific; scorers never mutate the tasks.
type Scorer interface {
	Scores(tasks []*models.TaskRun) map[string]float64
}

// ScorerFromConfig builds the scorer for a task template
func ScorerFromConfig(kind models.ScoringKind) Scorer {
	switch kind {
	case models.ScoreTaskAggregate:
		return NewTaskAggregateScorer(DefaultPointsCorrect, DefaultPenaltyWrong)
	default:
		return NewCumulativeScorer(DefaultPointsCorrect, DefaultPenaltyWrong)
	}
}

const (
	DefaultPointsCorrect = 100.0
	DefaultPenaltyWrong  = 0.0
)

// CumulativeScorer sums points over every task's validated submissions.
// Used for synchronous runs where all teams share each task instance.
type CumulativeScorer struct {
	PointsCorrect float64
	PenaltyWrong  float64
}

func NewCumulativeScorer(pointsCorrect, penaltyWrong float64) *CumulativeScorer {
	return &CumulativeScorer{PointsCorrect: pointsCorrect, PenaltyWrong: penaltyWrong}
}

func (s *CumulativeScorer) Scores(tasks []*models.TaskRun) map[string]float64 {
	scores := make(map[string]float64)
	for _, task := range tasks {
		for _, sub := range task.Submissions {
			switch sub.Status {
			case models.StatusCorrect:
				scores[sub.TeamID] += s.PointsCorrect
			case models.StatusWrong:
				scores[sub.TeamID] -= s.PenaltyWrong
			}
		}
	}
	return scores
}

// TaskAggregateScorer aggregates per-team task instances of asynchronous
// runs: each task run is scoped to one team and only that team's
// submissions contribute to its score.
type TaskAggregateScorer struct {
	PointsCorrect float64
	PenaltyWrong  float64
}

func NewTaskAggregateScorer(pointsCorrect, penaltyWrong float64) *TaskAggregateScorer {
	return &TaskAggregateScorer{PointsCorrect: pointsCorrect, PenaltyWrong: penaltyWrong}
}

func (s *TaskAggregateScorer) Scores(tasks []*models.TaskRun) map[string]float64 {
	scores := make(map[string]float64)
	for _, task := range tasks {
		for _, sub := range task.Submissions {
			if task.TeamScope != "" && sub.TeamID != task.TeamScope {
				continue
			}
			switch sub.Status {
			case models.StatusCorrect:
				scores[sub.TeamID] += s.PointsCorrect
			case models.StatusWrong:
				scores[sub.TeamID] -= s.PenaltyWrong
			}
		}
	}
	return scores
}

// MaxNormalizingScorer restricts an inner scorer to one task group and
// rescales the result so the best team scores NormalizeTo points.
type MaxNormalizingScorer struct {
	Inner       Scorer
	Group       string
	Templates   map[string]models.TaskTemplate // template id -> template
	NormalizeTo float64
}

func NewMaxNormalizingScorer(inner Scorer, group string, templates []models.TaskTemplate, normalizeTo float64) *MaxNormalizingScorer {
	byID := make(map[string]models.TaskTemplate, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	return &MaxNormalizingScorer{Inner: inner, Group: group, Templates: byID, NormalizeTo: normalizeTo}
}

func (s *MaxNormalizingScorer) Scores(tasks []*models.TaskRun) map[string]float64 {
	var grouped []*models.TaskRun
	for _, task := range tasks {
		if tmpl, ok := s.Templates[task.TemplateID]; ok && tmpl.Group == s.Group {
			grouped = append(grouped, task)
		}
	}
	raw := s.Inner.Scores(grouped)

	max := 0.0
	for _, score := range raw {
		if score > max {
			max = score
		}
	}
	if max == 0 {
		return raw
	}
	normalized := make(map[string]float64, len(raw))
	for team, score := range raw {
		normalized[team] = score / max * s.NormalizeTo
	}
	return normalized
}

// BoardSumScorer sums the current scores of other scoreboards and
// ignores the task runs it is handed. Backs the overall board that
// aggregates per-group boards.
type BoardSumScorer struct {
	Boards []*Scoreboard
}

func NewBoardSumScorer(boards ...*Scoreboard) *BoardSumScorer {
	return &BoardSumScorer{Boards: boards}
}

func (s *BoardSumScorer) Scores(_ []*models.TaskRun) map[string]float64 {
	scores := make(map[string]float64)
	for _, board := range s.Boards {
		for team, score := range board.Scores() {
			scores[team] += score
		}
	}
	return scores
}
